// Package server wires the transport, session registry, simulation loop and
// snapshot dispatcher into one authoritative game server.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/journal"
	"unnamed-rts/server/internal/session"
	"unnamed-rts/server/internal/sim"
	"unnamed-rts/server/internal/snapshot"
	"unnamed-rts/server/internal/transport"
	"unnamed-rts/server/logging"
	lognet "unnamed-rts/server/logging/network"
)

// Transport is the slice of transport.Transport the hub drives.
type Transport interface {
	Send(addr net.Addr, ch transport.Channel, payload []byte) error
	Poll() []transport.Delivery
	Events() []transport.PeerEvent
	Disconnect(addr net.Addr, reason uint8)
	ReportOffense(addr net.Addr, cause error)
}

// HubConfig collects the tunables of every component the hub owns.
type HubConfig struct {
	TickRate            int
	Rules               sim.Rules
	Policy              sim.LeavePolicy
	Session             session.Config
	CheckpointInterval  uint64
	CheckpointRetention int
	// MinPlayers keeps the match in the lobby until that many sessions joined.
	MinPlayers int
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		TickRate:            20,
		Rules:               sim.DefaultRules(),
		Policy:              sim.PolicyDespawn,
		Session:             session.DefaultConfig(),
		CheckpointInterval:  10,
		CheckpointRetention: 8,
	}
}

// HubStats reports what one network pump handled.
type HubStats struct {
	Deliveries int
	Handshakes int
	Commands   int
	Rejected   int
	Acks       int
	Offenses   int
	Left       int
	// Backpressure counts sessions whose command queue overflowed.
	Backpressure int
}

// Hub owns the server state for one match. The simulation loop calls back
// into the hub before each tick to drain the network and after each tick to
// send snapshots.
type Hub struct {
	cfg        HubConfig
	transport  Transport
	codec      *codec.Codec
	store      *ecs.Store
	journal    *journal.Journal
	registry   *session.Registry
	loop       *sim.Loop
	dispatcher *snapshot.Dispatcher

	logger    zerolog.Logger
	publisher logging.Publisher
	deps      sim.Deps

	lastPump     HubStats
	lastDispatch snapshot.Result
}

// NewHub builds the store, journal, registry, loop and dispatcher around tr.
func NewHub(tr Transport, c *codec.Codec, cfg HubConfig, deps sim.Deps) (*Hub, error) {
	if tr == nil || c == nil {
		return nil, eris.New("hub needs a transport and a codec")
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultHubConfig().TickRate
	}
	if cfg.Rules == (sim.Rules{}) {
		cfg.Rules = sim.DefaultRules()
	}
	if cfg.Policy == "" {
		cfg.Policy = sim.PolicyDespawn
	}
	cfg.Session.Policy = string(cfg.Policy)
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	deps.Publisher = logging.OrNop(deps.Publisher)

	h := &Hub{
		cfg:       cfg,
		transport: tr,
		codec:     c,
		store:     ecs.NewStore(),
		logger:    deps.Logger.With().Str("component", "hub").Logger(),
		publisher: deps.Publisher,
		deps:      deps,
	}
	h.journal = journal.New(cfg.CheckpointInterval, cfg.CheckpointRetention,
		journal.WithClock(deps.Clock), journal.WithMetrics(deps.Metrics))
	h.registry = session.NewRegistry(cfg.Session,
		session.WithClock(deps.Clock), session.WithMetrics(deps.Metrics), session.WithPublisher(deps.Publisher))
	h.dispatcher = snapshot.New(h.store, h.registry, h.journal, c, tr,
		snapshot.WithLogger(deps.Logger), snapshot.WithMetrics(deps.Metrics))

	loop, err := sim.NewLoop(h.store, h.registry, h.journal, sim.LoopConfig{
		TickRate:   cfg.TickRate,
		Rules:      cfg.Rules,
		Policy:     cfg.Policy,
		MinPlayers: cfg.MinPlayers,
	}, sim.LoopHooks{
		Prepare:   h.prepare,
		AfterStep: h.afterStep,
		OnCheckpoint: func(cp journal.Checkpoint, res journal.RecordResult) {
			h.logger.Debug().Uint64("tick", cp.Tick).Int("entities", len(cp.Rows)).
				Uint64("oldest", res.OldestTick).Int("retained", res.Size).Msg("checkpoint")
		},
	}, deps)
	if err != nil {
		return nil, err
	}
	h.loop = loop
	return h, nil
}

func (h *Hub) Store() *ecs.Store                { return h.store }
func (h *Hub) Journal() *journal.Journal        { return h.journal }
func (h *Hub) Registry() *session.Registry      { return h.registry }
func (h *Hub) Loop() *sim.Loop                  { return h.loop }
func (h *Hub) Dispatcher() *snapshot.Dispatcher { return h.dispatcher }
func (h *Hub) Config() HubConfig                { return h.cfg }
func (h *Hub) LastDispatch() snapshot.Result    { return h.lastDispatch }
func (h *Hub) LastPump() HubStats               { return h.lastPump }
func (h *Hub) Tick() uint64                     { return h.loop.Tick() }

// Step runs one tick: drain the network, simulate, send snapshots.
func (h *Hub) Step() (sim.LoopStepResult, error) {
	return h.loop.Advance()
}

// Run ticks until ctx is cancelled, then disconnects every session.
func (h *Hub) Run(ctx context.Context) error {
	err := h.loop.Run(ctx)
	h.Shutdown()
	return err
}

func (h *Hub) prepare(tc sim.LoopTickContext) {
	stats := h.Pump()
	for _, e := range h.registry.ExpireIdle(tc.Now) {
		h.transport.Disconnect(e.Addr, uint8(codec.ReasonTimeout))
		stats.Left++
		h.logger.Info().Uint32("session", e.ID).Str("addr", e.Addr.String()).Msg("session timed out")
	}
	h.lastPump = stats
}

func (h *Hub) afterStep(res sim.LoopStepResult) {
	h.lastDispatch = h.dispatcher.Dispatch()
	if res.Invalid > 0 || res.Clamped > 0 {
		h.logger.Debug().Uint64("tick", res.Tick).Int("invalid", res.Invalid).Int("clamped", res.Clamped).Msg("commands adjusted")
	}
}

// Pump handles every pending transport event and delivery.
func (h *Hub) Pump() HubStats {
	var stats HubStats
	for _, ev := range h.transport.Events() {
		if ev.Kind != transport.PeerLost {
			continue
		}
		if id, ok := h.registry.RemoveAddr(ev.Addr, leaveReason(ev.Reason)); ok {
			stats.Left++
			h.logger.Info().Uint32("session", id).Str("reason", ev.Reason.String()).Msg("session lost")
		}
	}

	acks := make(map[session.ID]uint32)
	pressured := make(map[session.ID]bool)
	var order []session.ID
	for _, d := range h.transport.Poll() {
		stats.Deliveries++
		msg, err := h.codec.Decode(d.Payload)
		if err != nil {
			stats.Offenses++
			h.transport.ReportOffense(d.Addr, err)
			continue
		}
		if hs, ok := msg.(codec.Handshake); ok {
			if hs.ClientVersion != codec.ProtocolVersion {
				stats.Offenses++
				h.rejectVersion(d.Addr, hs.ClientVersion)
				continue
			}
			h.handshake(d.Addr)
			stats.Handshakes++
			continue
		}
		id, ok := h.registry.Lookup(d.Addr)
		if !ok {
			h.logger.Debug().Str("addr", d.Addr.String()).Str("type", msg.Type().String()).Msg("message before handshake")
			continue
		}
		h.registry.Touch(d.Addr)
		switch m := msg.(type) {
		case codec.Command:
			backpressure, err := h.registry.EnqueueCommand(id, m)
			if err != nil {
				stats.Rejected++
				h.logger.Debug().Err(err).Uint32("session", id).Uint32("seq", m.Sequence).Msg("command rejected")
				if !eris.Is(err, session.ErrDuplicateCommand) {
					continue
				}
			} else {
				stats.Commands++
			}
			if backpressure && !pressured[id] {
				pressured[id] = true
				stats.Backpressure++
				h.logger.Warn().Uint32("session", id).Uint32("seq", m.Sequence).Msg("command queue full, dropped oldest command")
			}
			if _, seen := acks[id]; !seen {
				order = append(order, id)
			}
			acks[id] = max(acks[id], m.Sequence)
		case codec.SnapshotAck:
			stats.Acks++
			h.acknowledge(id, m.Tick)
		case codec.Disconnect:
			h.registry.Remove(id, session.LeaveQuit)
			h.transport.Disconnect(d.Addr, uint8(codec.ReasonClientQuit))
			stats.Left++
		default:
			stats.Offenses++
			h.transport.ReportOffense(d.Addr, eris.Errorf("unexpected %s from client", msg.Type()))
		}
	}
	for _, id := range order {
		addr, ok := h.registry.Addr(id)
		if !ok {
			continue
		}
		h.send(addr, codec.CommandAck{SessionID: id, HighestSequence: acks[id], Backpressure: pressured[id]})
	}
	return stats
}

func (h *Hub) handshake(addr net.Addr) {
	id, created := h.registry.Register(addr)
	h.send(addr, codec.HandshakeAck{SessionID: id, Tick: h.store.Tick(), TickRate: uint16(h.cfg.TickRate)})
	if created {
		h.logger.Info().Uint32("session", id).Str("addr", addr.String()).Msg("session joined")
	} else {
		h.logger.Info().Uint32("session", id).Msg("session resynced")
	}
}

// rejectVersion turns away a client speaking another protocol version
// without creating a session.
func (h *Hub) rejectVersion(addr net.Addr, version uint16) {
	h.logger.Warn().Str("addr", addr.String()).Uint16("version", version).Uint16("want", codec.ProtocolVersion).Msg("handshake with unsupported client version")
	lognet.ProtocolViolation(context.Background(), h.publisher, h.store.Tick(), logging.EntityRef{ID: addr.String(), Kind: logging.EntityKindPeer}, lognet.ProtocolViolationPayload{
		Error: fmt.Sprintf("client version %d, want %d", version, codec.ProtocolVersion),
	})
	h.transport.Disconnect(addr, uint8(codec.ReasonProtocol))
}

func (h *Hub) acknowledge(id session.ID, tick uint64) {
	previous, hadBaseline := h.registry.LastAcked(id)
	advanced, err := h.dispatcher.Acknowledge(id, tick)
	if err != nil || advanced {
		return
	}
	if hadBaseline && tick < previous {
		lognet.AckRegression(context.Background(), h.publisher, h.store.Tick(), sessionRef(id), lognet.AckPayload{Previous: previous, Ack: tick})
	}
}

func (h *Hub) send(addr net.Addr, msg codec.Message) {
	payload, err := h.codec.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type().String()).Msg("encode")
		return
	}
	if err := h.transport.Send(addr, transport.ChannelReliable, payload); err != nil && !eris.Is(err, transport.ErrUnknownPeer) {
		h.logger.Warn().Err(err).Str("addr", addr.String()).Str("type", msg.Type().String()).Msg("send")
	}
}

// Shutdown tells every connected client the server is going away.
func (h *Hub) Shutdown() {
	for _, info := range h.registry.Sessions() {
		addr, ok := h.registry.Addr(info.ID)
		if !ok {
			continue
		}
		h.transport.Disconnect(addr, uint8(codec.ReasonShutdown))
		h.registry.Remove(info.ID, session.LeaveShutdown)
	}
}

func leaveReason(r transport.LossReason) session.LeaveReason {
	switch r {
	case transport.LossTimeout:
		return session.LeaveTimeout
	case transport.LossUnreachable:
		return session.LeaveUnreachable
	case transport.LossProtocol:
		return session.LeaveProtocol
	default:
		return session.LeaveQuit
	}
}

func sessionRef(id session.ID) logging.EntityRef {
	return logging.EntityRef{ID: strconv.FormatUint(uint64(id), 10), Kind: logging.EntityKindSession}
}
