// Package session maps transport peers to client sessions and owns their
// command queues and acknowledgement state.
package session

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/queue"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/logging"
	"unnamed-rts/server/logging/lifecycle"
)

var (
	ErrUnknownSession = eris.New("unknown session")
	// ErrDuplicateCommand reports a sequence at or below the last accepted one.
	ErrDuplicateCommand = eris.New("duplicate command")
	// ErrStaleCommand reports a command issued before the retained history window.
	ErrStaleCommand = eris.New("stale command")
	// ErrFutureCommand reports a command issued too far ahead of the server.
	ErrFutureCommand = eris.New("command issued too far ahead")
)

// ID identifies a session. Zero is never assigned.
type ID = uint32

// LeaveReason explains why a session ended.
type LeaveReason uint8

const (
	LeaveQuit LeaveReason = iota + 1
	LeaveTimeout
	LeaveUnreachable
	LeaveProtocol
	LeaveShutdown
)

func (r LeaveReason) String() string {
	switch r {
	case LeaveQuit:
		return "quit"
	case LeaveTimeout:
		return "timeout"
	case LeaveUnreachable:
		return "unreachable"
	case LeaveProtocol:
		return "protocol"
	case LeaveShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type NoticeKind uint8

const (
	NoticeJoined NoticeKind = iota + 1
	NoticeLeft
)

// Notice tells the simulation loop a session started or ended.
type Notice struct {
	Kind    NoticeKind
	Session ID
	Reason  LeaveReason
}

// Config tunes the registry.
type Config struct {
	IdleTimeout     time.Duration
	CommandCapacity int
	MaxCommandLead  uint64
	// Policy names how owned units are handled on leave. It is only reported.
	Policy string
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:     10 * time.Second,
		CommandCapacity: 64,
		MaxCommandLead:  40,
		Policy:          "despawn",
	}
}

type Option func(*Registry)

func WithClock(clock logging.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = telemetry.OrNop(metrics) }
}

func WithPublisher(pub logging.Publisher) Option {
	return func(r *Registry) { r.publisher = logging.OrNop(pub) }
}

type session struct {
	id          ID
	addr        net.Addr
	connectedAt time.Time
	lastSeen    time.Time

	commands     *queue.Ring[codec.Command]
	lastSequence uint32
	lastIssued   uint64
	applied      uint32
	backpressure uint64

	acked        bool
	lastAcked    uint64
	lastSent     uint64
	sendSequence uint64
	needsFull    bool
}

// Info is a read-only copy of one session's metadata.
type Info struct {
	ID              ID        `json:"id"`
	Addr            string    `json:"addr"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastSeen        time.Time `json:"lastSeen"`
	LastAckedTick   uint64    `json:"lastAckedTick"`
	Acked           bool      `json:"acked"`
	LastSentTick    uint64    `json:"lastSentTick"`
	SendSequence    uint64    `json:"sendSequence"`
	PendingCommands int       `json:"pendingCommands"`
	CommandCapacity int       `json:"commandCapacity"`
	LastSequence    uint32    `json:"lastSequence"`
	AppliedSequence uint32    `json:"appliedSequence"`
	Backpressure    uint64    `json:"backpressure"`
	NeedsFull       bool      `json:"needsFull"`
}

// Cursor is what the snapshot dispatcher needs to serve one session.
type Cursor struct {
	ID              ID
	Addr            net.Addr
	Baseline        uint64
	HasBaseline     bool
	NeedsFull       bool
	AppliedSequence uint32
}

// Registry is the only owner of session metadata. Every method is safe for
// concurrent use by the network path and the simulation loop.
type Registry struct {
	cfg       Config
	clock     logging.Clock
	metrics   telemetry.Metrics
	publisher logging.Publisher

	mu      sync.Mutex
	nextID  ID
	byID    map[ID]*session
	byAddr  map[string]ID
	notices []Notice
	current uint64
	floor   uint64
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = def.CommandCapacity
	}
	if cfg.MaxCommandLead == 0 {
		cfg.MaxCommandLead = def.MaxCommandLead
	}
	r := &Registry{
		cfg:       cfg,
		clock:     logging.SystemClock{},
		metrics:   telemetry.NopMetrics(),
		publisher: logging.NopPublisher(),
		byID:      make(map[ID]*session),
		byAddr:    make(map[string]ID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sessionRef(id ID) logging.EntityRef {
	return logging.EntityRef{ID: strconv.FormatUint(uint64(id), 10), Kind: logging.EntityKindSession}
}

// Register completes a handshake from addr. A repeated handshake from a
// known address keeps the session but drops its snapshot baseline, so the
// next snapshot is full.
func (r *Registry) Register(addr net.Addr) (ID, bool) {
	now := r.clock.Now()
	r.mu.Lock()
	if id, ok := r.byAddr[addr.String()]; ok {
		s := r.byID[id]
		s.lastSeen = now
		s.resetBaseline()
		r.mu.Unlock()
		return id, false
	}
	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}
	id := r.nextID
	r.byID[id] = &session{
		id:          id,
		addr:        addr,
		connectedAt: now,
		lastSeen:    now,
		commands:    queue.NewRing[codec.Command](r.cfg.CommandCapacity),
		needsFull:   true,
	}
	r.byAddr[addr.String()] = id
	r.notices = append(r.notices, Notice{Kind: NoticeJoined, Session: id})
	tick := r.current
	count := len(r.byID)
	r.mu.Unlock()

	r.metrics.Store(telemetry.MetricSessions, uint64(count))
	lifecycle.SessionJoined(context.Background(), r.publisher, tick, sessionRef(id), lifecycle.SessionPayload{
		Address: addr.String(),
		Policy:  r.cfg.Policy,
	})
	return id, true
}

func (r *Registry) Lookup(addr net.Addr) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddr[addr.String()]
	return id, ok
}

// Addr returns the transport address of id.
func (r *Registry) Addr(id ID) (net.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return s.addr, true
}

// Touch records traffic from addr.
func (r *Registry) Touch(addr net.Addr) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byAddr[addr.String()]; ok {
		r.byID[id].lastSeen = now
	}
}

// AdvanceTick publishes the server tick and the start of the retained
// history window used to validate command ticks.
func (r *Registry) AdvanceTick(current, floor uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = current
	r.floor = floor
}

// EnqueueCommand accepts cmd into the session's queue. A full queue evicts
// its oldest command and reports backpressure; the new command is still
// accepted.
func (r *Registry) EnqueueCommand(id ID, cmd codec.Command) (backpressure bool, err error) {
	now := r.clock.Now()
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false, eris.Wrapf(ErrUnknownSession, "session %d", id)
	}
	s.lastSeen = now
	switch {
	case cmd.Sequence <= s.lastSequence:
		r.mu.Unlock()
		r.metrics.Add(telemetry.MetricCommandsDuplicate, 1)
		return false, eris.Wrapf(ErrDuplicateCommand, "session %d sequence %d, last accepted %d", id, cmd.Sequence, s.lastSequence)
	case cmd.TickIssued < r.floor:
		r.mu.Unlock()
		r.metrics.Add(telemetry.MetricCommandsStale, 1)
		return false, eris.Wrapf(ErrStaleCommand, "session %d tick %d before window %d", id, cmd.TickIssued, r.floor)
	case cmd.TickIssued > r.current+r.cfg.MaxCommandLead:
		r.mu.Unlock()
		r.metrics.Add(telemetry.MetricCommandsFuture, 1)
		return false, eris.Wrapf(ErrFutureCommand, "session %d tick %d at server tick %d", id, cmd.TickIssued, r.current)
	}
	cmd.SessionID = id
	if cmd.TickIssued < s.lastIssued {
		cmd.TickIssued = s.lastIssued
	}
	s.lastSequence = cmd.Sequence
	s.lastIssued = cmd.TickIssued
	_, dropped := s.commands.Push(cmd)
	if dropped {
		s.backpressure++
	}
	r.mu.Unlock()

	r.metrics.Add(telemetry.MetricCommandsAccepted, 1)
	if dropped {
		r.metrics.Add(telemetry.MetricCommandBackpressure, 1)
	}
	return dropped, nil
}

// DrainCommands pops the commands of id due at or before tick, in
// (tick_issued, sequence) order.
func (r *Registry) DrainCommands(id ID, tick uint64) []codec.Command {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.commands.PopWhile(func(cmd codec.Command) bool { return cmd.TickIssued <= tick })
}

// DrainDue drains every session's due commands, sessions in id order.
func (r *Registry) DrainDue(tick uint64) []codec.Command {
	var out []codec.Command
	for _, id := range r.ids() {
		out = append(out, r.DrainCommands(id, tick)...)
	}
	return out
}

func (r *Registry) ids() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkApplied records the highest command sequence of id the simulation has
// applied.
func (r *Registry) MarkApplied(id ID, sequence uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok && sequence > s.applied {
		s.applied = sequence
	}
}

// MarkSent records that a snapshot for tick went to id.
func (r *Registry) MarkSent(id ID, tick uint64, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	if tick > s.lastSent {
		s.lastSent = tick
	}
	s.sendSequence++
	if full {
		s.needsFull = false
	}
}

// AckSnapshot advances the acknowledged baseline of id. Acks that do not
// advance it, or name a tick never sent, are ignored and report false.
func (r *Registry) AckSnapshot(id ID, tick uint64) (bool, error) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false, eris.Wrapf(ErrUnknownSession, "session %d", id)
	}
	s.lastSeen = now
	if tick > s.lastSent || (s.acked && tick <= s.lastAcked) {
		return false, nil
	}
	s.acked = true
	s.lastAcked = tick
	return true, nil
}

// LastAcked reports the acknowledged baseline of id.
func (r *Registry) LastAcked(id ID) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || !s.acked {
		return 0, false
	}
	return s.lastAcked, true
}

// resetBaseline forces the next snapshot to be full.
func (s *session) resetBaseline() {
	s.acked = false
	s.lastAcked = 0
	s.needsFull = true
}

// Active lists the snapshot cursors of every session in id order.
func (r *Registry) Active() []Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Cursor, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, Cursor{
			ID:              s.id,
			Addr:            s.addr,
			Baseline:        s.lastAcked,
			HasBaseline:     s.acked,
			NeedsFull:       s.needsFull,
			AppliedSequence: s.applied,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions lists session metadata in id order.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, Info{
			ID:              s.id,
			Addr:            s.addr.String(),
			ConnectedAt:     s.connectedAt,
			LastSeen:        s.lastSeen,
			LastAckedTick:   s.lastAcked,
			Acked:           s.acked,
			LastSentTick:    s.lastSent,
			SendSequence:    s.sendSequence,
			PendingCommands: s.commands.Len(),
			CommandCapacity: s.commands.Capacity(),
			LastSequence:    s.lastSequence,
			AppliedSequence: s.applied,
			Backpressure:    s.backpressure,
			NeedsFull:       s.needsFull,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Remove ends session id, discarding its queued commands.
func (r *Registry) Remove(id ID, reason LeaveReason) bool {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(s, reason)
	tick := r.current
	count := len(r.byID)
	r.mu.Unlock()

	r.metrics.Store(telemetry.MetricSessions, uint64(count))
	payload := lifecycle.SessionPayload{Address: s.addr.String(), Policy: r.cfg.Policy, Reason: reason.String()}
	if reason == LeaveTimeout {
		lifecycle.SessionTimeout(context.Background(), r.publisher, tick, sessionRef(id), payload)
	} else {
		lifecycle.SessionLeft(context.Background(), r.publisher, tick, sessionRef(id), payload)
	}
	return true
}

// RemoveAddr ends the session bound to addr, if any.
func (r *Registry) RemoveAddr(addr net.Addr, reason LeaveReason) (ID, bool) {
	id, ok := r.Lookup(addr)
	if !ok {
		return 0, false
	}
	return id, r.Remove(id, reason)
}

func (r *Registry) removeLocked(s *session, reason LeaveReason) {
	delete(r.byID, s.id)
	delete(r.byAddr, s.addr.String())
	s.commands.Drain()
	r.notices = append(r.notices, Notice{Kind: NoticeLeft, Session: s.id, Reason: reason})
}

// Expired names a session removed for silence and the address it used.
type Expired struct {
	ID   ID
	Addr net.Addr
}

// ExpireIdle removes sessions with no traffic for the idle timeout.
func (r *Registry) ExpireIdle(now time.Time) []Expired {
	r.mu.Lock()
	var expired []Expired
	for id, s := range r.byID {
		if now.Sub(s.lastSeen) > r.cfg.IdleTimeout {
			expired = append(expired, Expired{ID: id, Addr: s.addr})
		}
	}
	r.mu.Unlock()
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })

	out := expired[:0]
	for _, e := range expired {
		if r.Remove(e.ID, LeaveTimeout) {
			out = append(out, e)
		}
	}
	if len(out) > 0 {
		r.metrics.Add(telemetry.MetricSessionsExpired, uint64(len(out)))
	}
	return out
}

// Notices drains the pending join and leave notices in the order they
// happened.
func (r *Registry) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	notices := r.notices
	r.notices = nil
	return notices
}
