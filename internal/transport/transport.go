// Package transport multiplexes delivery channels with different guarantees
// over a single datagram socket.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/logging"
	lognet "unnamed-rts/server/logging/network"
)

// Channel selects the delivery guarantee for a payload.
type Channel uint8

const (
	// ChannelUnreliable delivers at most once, in any order.
	ChannelUnreliable Channel = iota
	// ChannelSequenced delivers only payloads newer than the last delivered.
	ChannelSequenced
	// ChannelReliable delivers exactly once, in send order.
	ChannelReliable
	channelCount
)

func (c Channel) String() string {
	switch c {
	case ChannelUnreliable:
		return "unreliable"
	case ChannelSequenced:
		return "sequenced"
	case ChannelReliable:
		return "reliable"
	default:
		return "unknown"
	}
}

const (
	packetData uint8 = iota + 1
	packetAck
	packetPing
	packetPong
	packetDisconnect
)

// protocol id u32, kind u8
const headerSize = 5

// reliableWindow caps the unacknowledged reliable frames per peer.
const reliableWindow = 256

var (
	ErrUnknownPeer     = eris.New("unknown peer")
	ErrPeerUnreachable = eris.New("peer unreachable")
	ErrClosed          = eris.New("transport closed")
)

// EventKind distinguishes peer lifecycle events.
type EventKind uint8

const (
	PeerConnected EventKind = iota + 1
	PeerLost
)

// LossReason explains a PeerLost event.
type LossReason uint8

const (
	LossNone LossReason = iota
	LossTimeout
	LossUnreachable
	LossProtocol
	LossClosed
)

func (r LossReason) String() string {
	switch r {
	case LossTimeout:
		return "timeout"
	case LossUnreachable:
		return "unreachable"
	case LossProtocol:
		return "protocol"
	case LossClosed:
		return "closed"
	default:
		return "none"
	}
}

// PeerEvent reports a peer joining or leaving the transport.
type PeerEvent struct {
	Kind   EventKind
	Addr   net.Addr
	Reason LossReason
	// Code is the reason byte the remote side put in its disconnect frame,
	// or zero.
	Code uint8
}

// Err describes a PeerLost event as an error, or nil for other events.
func (e PeerEvent) Err() error {
	if e.Kind != PeerLost {
		return nil
	}
	if e.Reason == LossUnreachable {
		return eris.Wrapf(ErrPeerUnreachable, "peer %s", e.Addr)
	}
	return eris.Errorf("peer %s lost: %s", e.Addr, e.Reason)
}

// Delivery is one received payload.
type Delivery struct {
	Addr    net.Addr
	Channel Channel
	Payload []byte
}

// PeerInfo summarizes a connected peer for operators.
type PeerInfo struct {
	Addr     string        `json:"addr"`
	RTT      time.Duration `json:"rtt"`
	Pending  int           `json:"pending"`
	Offenses int           `json:"offenses"`
	LastRecv time.Time     `json:"lastRecv"`
}

// Config tunes the transport.
type Config struct {
	ProtocolID      uint32
	RetryLimit      int
	RetryBase       time.Duration
	RetryMax        time.Duration
	Keepalive       time.Duration
	IdleTimeout     time.Duration
	PacketRate      float64
	PacketBurst     int
	OffenseLimit    int
	InboxCapacity   int
	OutboxCapacity  int
	MaxPeers        int
	MaxPacketSize   int
	ServiceInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolID:      0x52545331,
		RetryLimit:      8,
		RetryBase:       50 * time.Millisecond,
		RetryMax:        2 * time.Second,
		Keepalive:       250 * time.Millisecond,
		IdleTimeout:     10 * time.Second,
		PacketRate:      200,
		PacketBurst:     400,
		OffenseLimit:    16,
		InboxCapacity:   256,
		OutboxCapacity:  512,
		MaxPeers:        256,
		MaxPacketSize:   64 << 10,
		ServiceInterval: 10 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.ProtocolID == 0 {
		c.ProtocolID = def.ProtocolID
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = def.RetryLimit
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.Keepalive <= 0 {
		c.Keepalive = def.Keepalive
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.PacketRate <= 0 {
		c.PacketRate = def.PacketRate
	}
	if c.PacketBurst <= 0 {
		c.PacketBurst = def.PacketBurst
	}
	if c.OffenseLimit <= 0 {
		c.OffenseLimit = def.OffenseLimit
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = def.InboxCapacity
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = def.OutboxCapacity
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = def.MaxPeers
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = def.MaxPacketSize
	}
	if c.ServiceInterval <= 0 {
		c.ServiceInterval = def.ServiceInterval
	}
	return c
}

type Option func(*Transport)

func WithClock(clock logging.Clock) Option {
	return func(t *Transport) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

func WithMetrics(metrics telemetry.Metrics) Option {
	return func(t *Transport) { t.metrics = telemetry.OrNop(metrics) }
}

func WithPublisher(pub logging.Publisher) Option {
	return func(t *Transport) { t.publisher = logging.OrNop(pub) }
}

// Transport owns the per-peer delivery state for one PacketConn. Receive and
// send paths only touch bounded per-peer queues, so neither blocks the
// simulation.
type Transport struct {
	conn      net.PacketConn
	cfg       Config
	clock     logging.Clock
	logger    zerolog.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	mu     sync.Mutex
	peers  map[string]*peer
	events []PeerEvent
	// control holds disconnect frames for peers already forgotten; Service
	// writes them.
	control []outPacket
	closed  bool
}

type outPacket struct {
	addr  net.Addr
	frame []byte
}

// New wraps conn. The caller either drives the transport with Run or calls
// HandleDatagram and Service directly.
func New(conn net.PacketConn, cfg Config, opts ...Option) *Transport {
	t := &Transport{
		conn:      conn,
		cfg:       cfg.normalized(),
		clock:     logging.SystemClock{},
		logger:    zerolog.Nop(),
		metrics:   telemetry.NopMetrics(),
		publisher: logging.NopPublisher(),
		peers:     make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective configuration.
func (t *Transport) Config() Config { return t.cfg }

// LocalAddr reports the address of the underlying connection.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *Transport) header(kind uint8) []byte {
	b := make([]byte, headerSize, 32)
	binary.LittleEndian.PutUint32(b, t.cfg.ProtocolID)
	b[4] = kind
	return b
}

// Connect registers addr as a peer ahead of any traffic from it.
func (t *Transport) Connect(addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.peerLocked(addr, t.clock.Now())
}

// peerLocked returns the peer for addr, creating it when capacity allows.
func (t *Transport) peerLocked(addr net.Addr, now time.Time) *peer {
	key := addr.String()
	if p, ok := t.peers[key]; ok {
		return p
	}
	if len(t.peers) >= t.cfg.MaxPeers {
		return nil
	}
	p := newPeer(addr, now, t.cfg, t.metrics)
	t.peers[key] = p
	t.events = append(t.events, PeerEvent{Kind: PeerConnected, Addr: addr})
	return p
}

// Send queues payload for addr on channel ch. A full outbox evicts the
// oldest queued payload.
func (t *Transport) Send(addr net.Addr, ch Channel, payload []byte) error {
	if ch >= channelCount {
		return eris.Errorf("unknown channel %d", ch)
	}
	if len(payload)+headerSize+5 > t.cfg.MaxPacketSize {
		return eris.Errorf("payload of %d bytes exceeds packet size %d", len(payload), t.cfg.MaxPacketSize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	p, ok := t.peers[addr.String()]
	if !ok {
		return eris.Wrapf(ErrUnknownPeer, "send to %s", addr)
	}
	data := append([]byte(nil), payload...)
	p.outbox.Push(outgoing{channel: ch, payload: data})
	return nil
}

// Poll drains every received payload. It never blocks.
func (t *Transport) Poll() []Delivery {
	t.mu.Lock()
	keys := t.sortedKeysLocked()
	peers := make([]*peer, 0, len(keys))
	for _, key := range keys {
		peers = append(peers, t.peers[key])
	}
	t.mu.Unlock()

	var out []Delivery
	for _, p := range peers {
		out = append(out, p.inbox.Drain()...)
	}
	return out
}

// Events drains peer lifecycle events.
func (t *Transport) Events() []PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.events
	t.events = nil
	return events
}

// Peers lists connected peers ordered by address.
func (t *Transport) Peers() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, key := range t.sortedKeysLocked() {
		p := t.peers[key]
		out = append(out, PeerInfo{
			Addr:     key,
			RTT:      p.rtt.srtt,
			Pending:  len(p.sender.pending),
			Offenses: p.offenses,
			LastRecv: p.lastRecv,
		})
	}
	return out
}

// RTT reports the smoothed round-trip estimate for addr.
func (t *Transport) RTT(addr net.Addr) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr.String()]
	if !ok || !p.rtt.sampled {
		return 0, false
	}
	return p.rtt.srtt, true
}

func (t *Transport) sortedKeysLocked() []string {
	keys := make([]string, 0, len(t.peers))
	for key := range t.peers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// HandleDatagram processes one datagram received from addr.
func (t *Transport) HandleDatagram(data []byte, from net.Addr) {
	now := t.clock.Now()
	var replies []outPacket
	var lost []PeerEvent

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	existing := t.peers[from.String()]
	if len(data) < headerSize || binary.LittleEndian.Uint32(data) != t.cfg.ProtocolID {
		if existing != nil {
			lost = t.offenseLocked(existing, eris.New("bad packet header"), &replies)
		}
		t.mu.Unlock()
		t.flush(replies, lost)
		return
	}
	kind := data[4]
	body := data[headerSize:]
	if kind == packetDisconnect {
		if existing != nil {
			ev := PeerEvent{Kind: PeerLost, Addr: existing.addr, Reason: LossClosed}
			if len(body) > 0 {
				ev.Code = body[0]
			}
			lost = append(lost, t.dropEventLocked(existing, ev))
		}
		t.mu.Unlock()
		t.flush(nil, lost)
		return
	}
	p := existing
	if p == nil {
		p = t.peerLocked(from, now)
		if p == nil {
			t.mu.Unlock()
			t.logger.Debug().Str("addr", from.String()).Msg("peer limit reached, dropping datagram")
			return
		}
	}
	if !p.limiter.AllowN(now, 1) {
		t.mu.Unlock()
		t.metrics.Add(telemetry.MetricRateLimited, 1)
		return
	}
	p.lastRecv = now

	var err error
	switch kind {
	case packetData:
		err = t.receiveDataLocked(p, body)
	case packetAck:
		if len(body) != 8 {
			err = eris.Errorf("ack of %d bytes", len(body))
			break
		}
		ack := binary.LittleEndian.Uint32(body)
		bits := binary.LittleEndian.Uint32(body[4:])
		for _, sample := range p.sender.acknowledge(ack, bits, now) {
			p.rtt.observe(sample)
		}
	case packetPing:
		if len(body) != 8 {
			err = eris.Errorf("ping of %d bytes", len(body))
			break
		}
		frame := append(t.header(packetPong), body...)
		replies = append(replies, outPacket{addr: p.addr, frame: frame})
		p.lastSend = now
	case packetPong:
		if len(body) != 8 {
			err = eris.Errorf("pong of %d bytes", len(body))
			break
		}
		sent := time.Unix(0, int64(binary.LittleEndian.Uint64(body)))
		p.rtt.observe(now.Sub(sent))
	default:
		err = eris.Errorf("unknown packet kind %d", kind)
	}
	if err != nil {
		lost = t.offenseLocked(p, err, &replies)
	}
	t.mu.Unlock()
	t.flush(replies, lost)
}

func (t *Transport) receiveDataLocked(p *peer, body []byte) error {
	if len(body) < 5 {
		return eris.Errorf("data frame of %d bytes", len(body))
	}
	ch := Channel(body[0])
	seq := binary.LittleEndian.Uint32(body[1:])
	payload := append([]byte(nil), body[5:]...)
	switch ch {
	case ChannelUnreliable:
		p.deliver(Delivery{Addr: p.addr, Channel: ch, Payload: payload})
	case ChannelSequenced:
		if p.seqDelivered && !seqMoreRecent(seq, p.seqHighest) {
			t.metrics.Add(telemetry.MetricSnapshotsStale, 1)
			return nil
		}
		p.seqDelivered = true
		p.seqHighest = seq
		p.deliver(Delivery{Addr: p.addr, Channel: ch, Payload: payload})
	case ChannelReliable:
		if seq == 0 {
			return eris.New("reliable frame with sequence 0")
		}
		ready, _ := p.receiver.receive(seq, payload)
		p.ackDirty = true
		for _, data := range ready {
			p.deliver(Delivery{Addr: p.addr, Channel: ch, Payload: data})
		}
	default:
		return eris.Errorf("unknown channel %d", ch)
	}
	return nil
}

// ReportOffense records a protocol violation by addr, such as a payload the
// codec rejected. Crossing the offense limit disconnects the peer; the
// disconnect frame goes out on the next Service.
func (t *Transport) ReportOffense(addr net.Addr, cause error) {
	var lost []PeerEvent
	t.mu.Lock()
	if p, ok := t.peers[addr.String()]; ok && !t.closed {
		lost = t.offenseLocked(p, cause, &t.control)
	}
	t.mu.Unlock()
	t.flush(nil, lost)
}

func (t *Transport) offenseLocked(p *peer, cause error, replies *[]outPacket) []PeerEvent {
	p.offenses++
	t.metrics.Add(telemetry.MetricProtocolOffenses, 1)
	lognet.ProtocolViolation(context.Background(), t.publisher, 0, peerRef(p.addr), lognet.ProtocolViolationPayload{
		Error:    errString(cause),
		Offenses: p.offenses,
		Limit:    t.cfg.OffenseLimit,
	})
	if p.offenses <= t.cfg.OffenseLimit {
		return nil
	}
	*replies = append(*replies, outPacket{addr: p.addr, frame: append(t.header(packetDisconnect), uint8(LossProtocol))})
	return []PeerEvent{t.dropLocked(p, LossProtocol)}
}

// Disconnect forgets addr and queues a disconnect frame for the next
// Service. No PeerLost event is raised for locally initiated disconnects.
func (t *Transport) Disconnect(addr net.Addr, reason uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr.String()]
	if !ok || t.closed {
		return
	}
	delete(t.peers, p.key)
	t.control = append(t.control, outPacket{addr: addr, frame: append(t.header(packetDisconnect), reason)})
}

func (t *Transport) dropLocked(p *peer, reason LossReason) PeerEvent {
	return t.dropEventLocked(p, PeerEvent{Kind: PeerLost, Addr: p.addr, Reason: reason})
}

func (t *Transport) dropEventLocked(p *peer, ev PeerEvent) PeerEvent {
	delete(t.peers, p.key)
	t.events = append(t.events, ev)
	return ev
}

// Service flushes outboxes, retransmits overdue reliable frames, sends acks
// and keepalives, and expires silent peers.
func (t *Transport) Service() {
	now := t.clock.Now()
	var lost []PeerEvent

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	packets := t.control
	t.control = nil
	for _, key := range t.sortedKeysLocked() {
		p := t.peers[key]
		if now.Sub(p.lastRecv) > t.cfg.IdleTimeout {
			lost = append(lost, t.dropLocked(p, LossTimeout))
			continue
		}
		packets = t.flushOutboxLocked(p, now, packets)
		var unreachable bool
		packets, unreachable = t.retransmitLocked(p, now, packets)
		if unreachable {
			t.metrics.Add(telemetry.MetricPeersUnreachable, 1)
			lost = append(lost, t.dropLocked(p, LossUnreachable))
			continue
		}
		if p.ackDirty {
			ack, bits := p.receiver.ackAndBits()
			frame := t.header(packetAck)
			frame = binary.LittleEndian.AppendUint32(frame, ack)
			frame = binary.LittleEndian.AppendUint32(frame, bits)
			packets = append(packets, outPacket{addr: p.addr, frame: frame})
			p.ackDirty = false
			p.lastSend = now
		}
		if now.Sub(p.lastSend) >= t.cfg.Keepalive {
			frame := binary.LittleEndian.AppendUint64(t.header(packetPing), uint64(now.UnixNano()))
			packets = append(packets, outPacket{addr: p.addr, frame: frame})
			p.lastSend = now
		}
	}
	t.mu.Unlock()
	t.flush(packets, lost)
}

func (t *Transport) flushOutboxLocked(p *peer, now time.Time, packets []outPacket) []outPacket {
	room := reliableWindow - len(p.sender.pending)
	// Reliable frames past the window stay queued in order; everything else
	// behind them still goes out.
	items := p.outbox.Take(func(o outgoing) bool {
		if o.channel != ChannelReliable {
			return true
		}
		if room <= 0 {
			return false
		}
		room--
		return true
	})
	rto := p.rtt.timeout(t.cfg.RetryBase, t.cfg.RetryMax)
	for _, item := range items {
		var seq uint32
		switch item.channel {
		case ChannelReliable:
			seq = p.sender.allocate()
		default:
			p.sendSeq[item.channel]++
			seq = p.sendSeq[item.channel]
		}
		frame := t.header(packetData)
		frame = append(frame, uint8(item.channel))
		frame = binary.LittleEndian.AppendUint32(frame, seq)
		frame = append(frame, item.payload...)
		if item.channel == ChannelReliable {
			p.sender.pending[seq] = &pendingSend{frame: frame, firstAt: now, lastAt: now, nextAt: now.Add(rto), attempts: 1}
		}
		packets = append(packets, outPacket{addr: p.addr, frame: frame})
		p.lastSend = now
	}
	return packets
}

func (t *Transport) retransmitLocked(p *peer, now time.Time, packets []outPacket) ([]outPacket, bool) {
	if len(p.sender.pending) == 0 {
		return packets, false
	}
	seqs := make([]uint32, 0, len(p.sender.pending))
	for seq := range p.sender.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqMoreRecent(seqs[j], seqs[i]) })
	rto := p.rtt.timeout(t.cfg.RetryBase, t.cfg.RetryMax)
	for _, seq := range seqs {
		pending := p.sender.pending[seq]
		if now.Before(pending.nextAt) {
			continue
		}
		if pending.attempts > t.cfg.RetryLimit || now.Sub(pending.firstAt) > t.cfg.IdleTimeout {
			return packets, true
		}
		pending.attempts++
		pending.lastAt = now
		pending.nextAt = now.Add(backoff(rto, t.cfg.RetryMax, pending.attempts))
		packets = append(packets, outPacket{addr: p.addr, frame: pending.frame})
		p.lastSend = now
		t.metrics.Add(telemetry.MetricRetransmits, 1)
	}
	return packets, false
}

// flush writes packets and publishes loss events outside the lock.
func (t *Transport) flush(packets []outPacket, lost []PeerEvent) {
	for _, pkt := range packets {
		t.write(pkt)
	}
	for _, ev := range lost {
		payload := lognet.PeerPayload{Address: ev.Addr.String(), Reason: ev.Reason.String()}
		if ev.Reason == LossUnreachable {
			lognet.PeerUnreachable(context.Background(), t.publisher, 0, peerRef(ev.Addr), payload)
		} else {
			lognet.PeerDisconnected(context.Background(), t.publisher, 0, peerRef(ev.Addr), payload)
		}
		t.logger.Info().Str("addr", ev.Addr.String()).Str("reason", ev.Reason.String()).Msg("peer lost")
	}
}

func (t *Transport) write(pkt outPacket) {
	if _, err := t.conn.WriteTo(pkt.frame, pkt.addr); err != nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Debug().Err(err).Str("addr", pkt.addr.String()).Msg("write failed")
	}
}

// Run reads datagrams and services peers until ctx is cancelled, then flushes
// queued disconnects and closes the connection.
func (t *Transport) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- t.readLoop() }()

	ticker := time.NewTicker(t.cfg.ServiceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Service()
			t.Close()
			<-done
			return nil
		case err := <-done:
			t.Close()
			return err
		case <-ticker.C:
			t.Service()
		}
	}
}

func (t *Transport) readLoop() error {
	buf := make([]byte, t.cfg.MaxPacketSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.isClosed() {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return eris.Wrap(err, "read datagram")
		}
		t.HandleDatagram(buf[:n], addr)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops the transport and closes the connection. Queued sends are
// abandoned.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func peerRef(addr net.Addr) logging.EntityRef {
	return logging.EntityRef{ID: addr.String(), Kind: logging.EntityKindPeer}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
