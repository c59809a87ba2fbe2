package logging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Counters receives router throughput counters. telemetry.Metrics satisfies it.
type Counters interface {
	Add(key string, delta uint64)
}

const (
	MetricEventsRouted  = "events.routed"
	MetricEventsDropped = "events.dropped"
	MetricSinkErrors    = "events.sink_errors"
	MetricSinkSkipped   = "events.sink_skipped"
)

type RouterOption func(*Router)

// WithCounters reports routed, dropped and failed events to c.
func WithCounters(c Counters) RouterOption {
	return func(r *Router) {
		if c != nil {
			r.counters = c
		}
	}
}

type nopCounters struct{}

func (nopCounters) Add(string, uint64) {}

// Router fans operator events out to sinks on background workers. Publish
// never blocks the simulation; overflow is counted and dropped.
type Router struct {
	cfg      Config
	queue    chan Event
	workers  []*sinkWorker
	clock    Clock
	fallback zerolog.Logger
	counters Counters
	fields   map[string]any
	stop     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	routed      atomic.Uint64
	dropped     atomic.Uint64
	sinkErrors  atomic.Uint64
	lastDropLog atomic.Int64
}

type RouterStats struct {
	Routed     uint64
	Dropped    uint64
	SinkErrors uint64
}

// NewRouter starts a router over sinks. When cfg.EnabledSinks is non-empty,
// sinks whose name it does not list are ignored.
func NewRouter(clock Clock, cfg Config, fallback zerolog.Logger, sinks []NamedSink, opts ...RouterOption) *Router {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.DropWarnInterval <= 0 {
		cfg.DropWarnInterval = 5 * time.Second
	}
	r := &Router{
		cfg:      cfg,
		queue:    make(chan Event, cfg.BufferSize),
		clock:    clock,
		fallback: fallback.With().Str("component", "events").Logger(),
		counters: nopCounters{},
		fields:   cfg.CloneFields(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	backlog := min(max(cfg.BufferSize, 32), 1024)
	for _, named := range sinks {
		if named.Sink == nil {
			continue
		}
		if len(cfg.EnabledSinks) > 0 && !cfg.HasSink(named.Name) {
			r.fallback.Debug().Str("sink", named.Name).Msg("sink not enabled")
			continue
		}
		r.workers = append(r.workers, &sinkWorker{
			name:   named.Name,
			sink:   named.Sink,
			events: make(chan Event, backlog),
			router: r,
		})
	}

	r.wg.Add(1 + len(r.workers))
	go r.dispatch()
	for _, w := range r.workers {
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
	return r
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, w := range r.workers {
			close(w.events)
		}
	}()
	for {
		select {
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.cfg.MinimumSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if event.RunID == "" {
		event.RunID = r.cfg.RunID
	}
	event = mergeFields(event, r.fields)
	r.routed.Add(1)
	r.counters.Add(MetricEventsRouted, 1)
	for _, w := range r.workers {
		w.enqueue(event)
	}
}

// Publish queues event for delivery. Untyped events and events published
// after Close are discarded.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event)
	}
}

func (r *Router) drop(event Event) {
	r.dropped.Add(1)
	r.counters.Add(MetricEventsDropped, 1)
	now := r.clock.Now().UnixNano()
	next := r.lastDropLog.Load()
	if now < next {
		return
	}
	if r.lastDropLog.CompareAndSwap(next, now+r.cfg.DropWarnInterval.Nanoseconds()) {
		r.fallback.Warn().
			Str("type", string(event.Type)).
			Uint64("tick", event.Tick).
			Uint64("dropped", r.dropped.Load()).
			Msg("event queue full, dropping")
	}
}

// Close flushes queued events to every sink and closes them. It returns
// ctx.Err() if the workers do not finish in time.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, w := range r.workers {
		errs = append(errs, w.sink.Close(ctx))
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Routed:     r.routed.Load(),
		Dropped:    r.dropped.Load(),
		SinkErrors: r.sinkErrors.Load(),
	}
}

func (r *Router) Sink(name string) Sink {
	for _, w := range r.workers {
		if w.name == name {
			return w.sink
		}
	}
	return nil
}

// sinkWorker serializes writes to one sink. After a failed write the sink is
// skipped until its backoff expires, so a broken sink never stalls the router.
type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	router   *Router
	failures int
	retryAt  time.Time
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		w.router.counters.Add(MetricSinkSkipped, 1)
		w.router.fallback.Warn().Str("sink", w.name).Str("type", string(event.Type)).Msg("sink backlog full, dropping event")
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if w.failures > 0 && w.router.clock.Now().Before(w.retryAt) {
			w.router.counters.Add(MetricSinkSkipped, 1)
			continue
		}
		if err := w.sink.Write(event); err != nil {
			w.fail(err)
			continue
		}
		w.failures = 0
	}
}

func (w *sinkWorker) fail(err error) {
	w.failures++
	w.router.sinkErrors.Add(1)
	w.router.counters.Add(MetricSinkErrors, 1)
	delay := time.Duration(1<<min(w.failures, 5)) * time.Second
	w.retryAt = w.router.clock.Now().Add(delay)
	w.router.fallback.Error().Err(err).Str("sink", w.name).Dur("retry_in", delay).Msg("sink write failed")
}
