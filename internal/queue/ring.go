package queue

import "sync"

// Metrics is the subset of telemetry.Metrics the ring reports through.
type Metrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// Ring is a bounded FIFO that evicts its oldest entry when full. It is safe
// for concurrent producers and consumers; Push never blocks.
type Ring[T any] struct {
	mu      sync.Mutex
	data    []T
	head    int
	count   int
	dropped uint64

	metrics      Metrics
	occupancyKey string
	overflowKey  string
}

// Option configures a Ring.
type Option func(*ringOptions)

type ringOptions struct {
	metrics      Metrics
	occupancyKey string
	overflowKey  string
}

// WithMetrics reports occupancy and overflow under the provided keys.
func WithMetrics(metrics Metrics, occupancyKey, overflowKey string) Option {
	return func(o *ringOptions) {
		o.metrics = metrics
		o.occupancyKey = occupancyKey
		o.overflowKey = overflowKey
	}
}

// NewRing constructs a ring with the provided capacity.
func NewRing[T any](capacity int, opts ...Option) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	var o ringOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Ring[T]{
		data:         make([]T, capacity),
		metrics:      o.metrics,
		occupancyKey: o.occupancyKey,
		overflowKey:  o.overflowKey,
	}
}

// Capacity reports the maximum number of entries the ring can hold.
func (r *Ring[T]) Capacity() int {
	if r == nil {
		return 0
	}
	return len(r.data)
}

// Push appends v. When the ring is full the oldest entry is evicted and
// returned with dropped set.
func (r *Ring[T]) Push(v T) (evicted T, dropped bool) {
	if r == nil {
		return evicted, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushLocked(v)
}

// PushEvicting appends v like Push, but a full ring gives up its oldest entry
// for which evictable reports true. Only when no entry qualifies is the
// oldest one evicted.
func (r *Ring[T]) PushEvicting(v T, evictable func(T) bool) (evicted T, dropped bool) {
	if r == nil {
		return evicted, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.data)
	if r.count < n || evictable == nil {
		return r.pushLocked(v)
	}
	victim := 0
	for i := range r.count {
		if evictable(r.data[(r.head+i)%n]) {
			victim = i
			break
		}
	}
	if victim == 0 {
		return r.pushLocked(v)
	}
	evicted = r.data[(r.head+victim)%n]
	for i := victim; i < r.count-1; i++ {
		r.data[(r.head+i)%n] = r.data[(r.head+i+1)%n]
	}
	r.data[(r.head+r.count-1)%n] = v
	r.overflowLocked()
	return evicted, true
}

func (r *Ring[T]) pushLocked(v T) (evicted T, dropped bool) {
	if r.count == len(r.data) {
		evicted = r.data[r.head]
		r.data[r.head] = v
		r.head = (r.head + 1) % len(r.data)
		r.overflowLocked()
		return evicted, true
	}
	r.data[(r.head+r.count)%len(r.data)] = v
	r.count++
	r.storeOccupancyLocked()
	return evicted, false
}

func (r *Ring[T]) overflowLocked() {
	r.dropped++
	if r.metrics != nil && r.overflowKey != "" {
		r.metrics.Add(r.overflowKey, 1)
	}
}

// Pop removes and returns the oldest entry.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return zero, false
	}
	v := r.data[r.head]
	r.data[r.head] = zero
	r.head = (r.head + 1) % len(r.data)
	r.count--
	r.storeOccupancyLocked()
	return v, true
}

// Drain returns all entries in FIFO order and clears the ring.
func (r *Ring[T]) Drain() []T {
	return r.PopWhile(nil)
}

// PopWhile removes entries from the front while keep reports true and returns
// them in FIFO order. A nil predicate drains everything.
func (r *Ring[T]) PopWhile(keep func(T) bool) []T {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	var zero T
	var out []T
	for r.count > 0 {
		v := r.data[r.head]
		if keep != nil && !keep(v) {
			break
		}
		out = append(out, v)
		r.data[r.head] = zero
		r.head = (r.head + 1) % len(r.data)
		r.count--
	}
	if r.count == 0 {
		r.head = 0
	}
	r.storeOccupancyLocked()
	return out
}

// Take removes every entry for which take reports true and returns them in
// FIFO order. The entries left behind keep their order.
func (r *Ring[T]) Take(take func(T) bool) []T {
	if r == nil || take == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.data)
	var zero T
	var out []T
	kept := 0
	for i := range r.count {
		v := r.data[(r.head+i)%n]
		if take(v) {
			out = append(out, v)
			continue
		}
		r.data[(r.head+kept)%n] = v
		kept++
	}
	for i := kept; i < r.count; i++ {
		r.data[(r.head+i)%n] = zero
	}
	r.count = kept
	if r.count == 0 {
		r.head = 0
	}
	r.storeOccupancyLocked()
	return out
}

// Len reports the number of queued entries.
func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped reports how many entries were evicted by overflow.
func (r *Ring[T]) Dropped() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Ring[T]) storeOccupancyLocked() {
	if r.metrics == nil || r.occupancyKey == "" {
		return
	}
	r.metrics.Store(r.occupancyKey, uint64(r.count))
}
