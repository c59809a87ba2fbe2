package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/internal/client"
	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/session"
	"unnamed-rts/server/internal/sim"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/internal/transport"
	lognet "unnamed-rts/server/logging/network"
	"unnamed-rts/server/logging/sinks"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

type rig struct {
	t       *testing.T
	clock   *manualClock
	network *transport.MemoryNetwork
	sconn   *transport.MemoryConn
	server  *transport.Transport
	hub     *Hub
	metrics *telemetry.Registry
	events  *sinks.MemorySink
	clients []*player
}

type player struct {
	conn      *transport.MemoryConn
	transport *transport.Transport
	driver    *client.Driver
}

func transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.PacketRate = 5000
	cfg.PacketBurst = 5000
	return cfg
}

func newRig(t *testing.T, cfg HubConfig) *rig {
	t.Helper()
	r := &rig{
		t:       t,
		clock:   &manualClock{now: time.Unix(1_700_000_000, 0)},
		network: transport.NewMemoryNetwork(3),
		metrics: telemetry.NewMetrics("hub-test"),
		events:  sinks.NewMemorySink(),
	}
	r.sconn = r.network.Listen("server")
	r.server = transport.New(r.sconn, transportConfig(), transport.WithClock(r.clock), transport.WithMetrics(r.metrics))
	c, err := codec.New()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	r.hub, err = NewHub(r.server, c, cfg, sim.Deps{
		Logger:    zerolog.Nop(),
		Metrics:   r.metrics,
		Clock:     r.clock,
		Publisher: r.events,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.server.Close() })
	return r
}

func (r *rig) join(name string) *player {
	r.t.Helper()
	c, err := codec.New()
	require.NoError(r.t, err)
	r.t.Cleanup(c.Close)
	conn := r.network.Listen(name)
	tr := transport.New(conn, transportConfig(), transport.WithClock(r.clock))
	r.t.Cleanup(func() { tr.Close() })
	rec := client.NewReconciler(r.hub.Config().Rules, r.hub.Config().TickRate, client.DefaultCorrection())
	p := &player{conn: conn, transport: tr, driver: client.NewDriver(tr, c, r.sconn.LocalAddr(), rec, zerolog.Nop())}
	r.clients = append(r.clients, p)
	require.NoError(r.t, p.driver.Handshake())
	return p
}

// flush services every transport and hands queued datagrams over until the
// network is quiet.
func (r *rig) flush() {
	for range 4 {
		r.server.Service()
		for _, p := range r.clients {
			p.transport.Service()
		}
		for {
			moved := false
			if data, from, ok := r.sconn.TryRead(); ok {
				r.server.HandleDatagram(data, from)
				moved = true
			}
			for _, p := range r.clients {
				if data, from, ok := p.conn.TryRead(); ok {
					p.transport.HandleDatagram(data, from)
					moved = true
				}
			}
			if !moved {
				break
			}
		}
	}
}

// tick runs one lockstep round: clients predict, the server simulates and
// snapshots, clients read the results.
func (r *rig) tick() {
	r.t.Helper()
	for _, p := range r.clients {
		p.driver.Step()
	}
	r.flush()
	r.clock.now = r.clock.now.Add(50 * time.Millisecond)
	_, err := r.hub.Step()
	require.NoError(r.t, err)
	r.flush()
	for _, p := range r.clients {
		_, err := p.driver.Pump()
		require.NoError(r.t, err)
	}
	r.flush()
}

func (r *rig) owned(id uint32) []ecs.Entity {
	var out []ecs.Entity
	for e, c := range r.hub.Store().Query(ecs.Owner) {
		if c.Owner == id {
			out = append(out, e)
		}
	}
	return out
}

func TestHubHandshakeSpawnsUnitsAndSendsFullSnapshot(t *testing.T) {
	r := newRig(t, DefaultHubConfig())
	p := r.join("alice")
	r.tick()

	require.True(t, p.driver.Connected())
	id := p.driver.Reconciler().Session()
	assert.NotZero(t, id)
	assert.Len(t, r.owned(id), sim.DefaultRules().StartingUnits)
	assert.Equal(t, 1, r.hub.LastDispatch().Full)

	baseline, ok := p.driver.Reconciler().BaselineTick()
	require.True(t, ok)
	assert.Equal(t, r.hub.Tick(), baseline)
	assert.Len(t, p.driver.Reconciler().Owned(), sim.DefaultRules().StartingUnits)

	r.tick()
	assert.Equal(t, 1, r.hub.LastDispatch().Delta, "acked session gets deltas")
	acked, ok := r.hub.Registry().LastAcked(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), acked)
}

func TestHubPredictionTracksServer(t *testing.T) {
	r := newRig(t, DefaultHubConfig())
	p := r.join("alice")
	r.tick()
	require.True(t, p.driver.Connected())

	units := p.driver.Reconciler().Owned()
	require.NotEmpty(t, units)
	unit := units[0]
	start, _ := r.hub.Store().Get(unit)
	target := ecs.Vec2{X: start.Position.X + 4, Y: start.Position.Y}

	_, err := p.driver.Command(codec.Action{Kind: codec.ActionMove, Unit: unit, Point: target})
	require.NoError(t, err)
	for range 30 {
		r.tick()
		server, ok := r.hub.Store().Get(unit)
		require.True(t, ok)
		predicted, ok := p.driver.Reconciler().Predicted(unit)
		require.True(t, ok)
		assert.InDelta(t, server.Position.X, predicted.Position.X, 1e-9, "tick %d", r.hub.Tick())
		assert.InDelta(t, server.Position.Y, predicted.Position.Y, 1e-9)
	}
	final, _ := r.hub.Store().Get(unit)
	assert.Equal(t, target, final.Position)
	assert.Equal(t, uint32(1), p.driver.HighestAcked())
	assert.Empty(t, p.driver.Reconciler().Pending())
	assert.Zero(t, p.driver.Reconciler().Stats().DigestMismatch)
	assert.Equal(t, uint64(1), r.metrics.Value(telemetry.MetricCommandsAccepted))
}

func TestHubSeesOtherPlayers(t *testing.T) {
	r := newRig(t, DefaultHubConfig())
	alice := r.join("alice")
	bob := r.join("bob")
	r.tick()
	r.tick()

	rules := sim.DefaultRules()
	assert.Equal(t, 2, r.hub.Registry().Len())
	assert.Len(t, alice.driver.Reconciler().Frame(1), 2*rules.StartingUnits)
	assert.Len(t, bob.driver.Reconciler().Frame(1), 2*rules.StartingUnits)
}

func TestHubClientQuitDespawnsUnits(t *testing.T) {
	r := newRig(t, DefaultHubConfig())
	p := r.join("alice")
	r.tick()
	id := p.driver.Reconciler().Session()
	require.NotEmpty(t, r.owned(id))

	p.driver.Close()
	r.flush()
	r.tick()
	assert.Zero(t, r.hub.Registry().Len())
	assert.Empty(t, r.owned(id))
	assert.Equal(t, 1, r.hub.LastPump().Left)
}

func TestHubObservePolicyKeepsUnits(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.Policy = sim.PolicyObserve
	r := newRig(t, cfg)
	p := r.join("alice")
	r.tick()
	id := p.driver.Reconciler().Session()

	p.driver.Close()
	r.flush()
	r.tick()
	assert.Zero(t, r.hub.Registry().Len())
	assert.Len(t, r.owned(id), sim.DefaultRules().StartingUnits)
}

func TestHubIdleSessionsExpire(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.Session = session.DefaultConfig()
	cfg.Session.IdleTimeout = 200 * time.Millisecond
	r := newRig(t, cfg)
	r.join("alice")
	r.tick()
	require.Equal(t, 1, r.hub.Registry().Len())

	// the client goes silent: only the server keeps ticking
	r.clients = nil
	for range 6 {
		r.clock.now = r.clock.now.Add(50 * time.Millisecond)
		_, err := r.hub.Step()
		require.NoError(t, err)
	}
	assert.Zero(t, r.hub.Registry().Len())
	assert.Equal(t, uint64(1), r.metrics.Value(telemetry.MetricSessionsExpired))
}

func TestHubReportsGarbageAsOffense(t *testing.T) {
	r := newRig(t, DefaultHubConfig())
	p := r.join("alice")
	r.tick()
	require.NoError(t, p.transport.Send(r.sconn.LocalAddr(), transport.ChannelReliable, []byte{0xde, 0xad}))
	r.flush()
	_, err := r.hub.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, r.hub.LastPump().Offenses)
	assert.Equal(t, uint64(1), r.metrics.Value(telemetry.MetricProtocolOffenses))
	assert.Equal(t, 1, r.hub.Registry().Len(), "one offense stays under the limit")
}

func TestHubShutdownDisconnectsClients(t *testing.T) {
	r := newRig(t, DefaultHubConfig())
	p := r.join("alice")
	r.tick()
	r.hub.Shutdown()
	r.flush()
	up, err := p.driver.Pump()
	require.NoError(t, err)
	require.NotNil(t, up.Lost)
	require.NotNil(t, up.Closed)
	assert.Equal(t, codec.ReasonShutdown, up.Closed.Reason)
	assert.False(t, p.driver.Connected())
	assert.Zero(t, r.hub.Registry().Len())
}

func TestHubRejectsUnsupportedClientVersion(t *testing.T) {
	r := newRig(t, DefaultHubConfig())
	c, err := codec.New()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	conn := r.network.Listen("old-client")
	tr := transport.New(conn, transportConfig(), transport.WithClock(r.clock))
	t.Cleanup(func() { tr.Close() })
	rec := client.NewReconciler(r.hub.Config().Rules, r.hub.Config().TickRate, client.DefaultCorrection())
	p := &player{conn: conn, transport: tr, driver: client.NewDriver(tr, c, r.sconn.LocalAddr(), rec, zerolog.Nop())}
	r.clients = append(r.clients, p)

	payload, err := c.Encode(codec.Handshake{ClientVersion: codec.ProtocolVersion + 1})
	require.NoError(t, err)
	tr.Connect(r.sconn.LocalAddr())
	require.NoError(t, tr.Send(r.sconn.LocalAddr(), transport.ChannelReliable, payload))
	r.flush()
	_, err = r.hub.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, r.hub.LastPump().Offenses)
	assert.Zero(t, r.hub.LastPump().Handshakes)
	assert.Zero(t, r.hub.Registry().Len())
	assert.Len(t, r.events.OfType(lognet.EventProtocolViolation), 1)

	r.flush()
	up, err := p.driver.Pump()
	require.NoError(t, err)
	require.NotNil(t, up.Closed)
	assert.Equal(t, codec.ReasonProtocol, up.Closed.Reason)
	assert.False(t, up.Connected)
}

func TestHubFlagsBackpressureForFloodingSession(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.Session = session.DefaultConfig()
	cfg.Session.CommandCapacity = 2
	r := newRig(t, cfg)
	alice := r.join("alice")
	bob := r.join("bob")
	r.tick()
	require.True(t, alice.driver.Connected())
	require.True(t, bob.driver.Connected())

	aliceUnit := alice.driver.Reconciler().Owned()[0]
	for range 6 {
		_, err := alice.driver.Command(codec.Action{Kind: codec.ActionStop, Unit: aliceUnit})
		require.NoError(t, err)
	}
	_, err := bob.driver.Command(codec.Action{Kind: codec.ActionStop, Unit: bob.driver.Reconciler().Owned()[0]})
	require.NoError(t, err)
	r.tick()

	assert.Equal(t, 1, r.hub.LastPump().Backpressure)
	assert.Equal(t, 1, alice.driver.Backpressure())
	assert.Zero(t, bob.driver.Backpressure())
	assert.Equal(t, uint32(6), alice.driver.HighestAcked())
	assert.Equal(t, uint32(1), bob.driver.HighestAcked())

	pressure := make(map[uint32]uint64)
	for _, info := range r.hub.Registry().Sessions() {
		pressure[info.ID] = info.Backpressure
	}
	assert.Equal(t, uint64(4), pressure[alice.driver.Reconciler().Session()])
	assert.Zero(t, pressure[bob.driver.Reconciler().Session()])
	assert.Equal(t, uint64(4), r.metrics.Value(telemetry.MetricCommandBackpressure))
}

func TestHubLobbyWaitsForMinPlayers(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.MinPlayers = 2
	r := newRig(t, cfg)
	alice := r.join("alice")
	r.tick()
	r.tick()
	require.True(t, alice.driver.Connected(), "handshakes are answered in the lobby")
	aliceID := alice.driver.Reconciler().Session()
	assert.Zero(t, r.hub.Tick())
	assert.Empty(t, r.owned(aliceID))
	assert.False(t, r.hub.Loop().Started())

	bob := r.join("bob")
	r.tick()
	r.tick()
	assert.True(t, r.hub.Loop().Started())
	assert.Equal(t, uint64(2), r.hub.Tick())
	assert.Len(t, r.owned(aliceID), sim.DefaultRules().StartingUnits)
	assert.Len(t, r.owned(bob.driver.Reconciler().Session()), sim.DefaultRules().StartingUnits)
	assert.Len(t, alice.driver.Reconciler().Owned(), sim.DefaultRules().StartingUnits)
}

// stalledConn accepts reads but never completes a write until released.
type stalledConn struct {
	*transport.MemoryConn
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (c *stalledConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return c.MemoryConn.WriteTo(b, addr)
}

func TestHubTicksWhilePeerWritesStall(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	network := transport.NewMemoryNetwork(5)
	sconn := network.Listen("server")
	stalled := &stalledConn{MemoryConn: sconn, entered: make(chan struct{}), release: make(chan struct{})}
	server := transport.New(stalled, transportConfig(), transport.WithClock(clock))
	c, err := codec.New()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	hub, err := NewHub(server, c, DefaultHubConfig(), sim.Deps{Logger: zerolog.Nop(), Clock: clock})
	require.NoError(t, err)

	serviced := make(chan struct{})
	t.Cleanup(func() {
		close(stalled.release)
		<-serviced
		server.Close()
	})

	cconn := network.Listen("client")
	ctr := transport.New(cconn, transportConfig(), transport.WithClock(clock))
	t.Cleanup(func() { ctr.Close() })
	rec := client.NewReconciler(hub.Config().Rules, hub.Config().TickRate, client.DefaultCorrection())
	driver := client.NewDriver(ctr, c, sconn.LocalAddr(), rec, zerolog.Nop())
	require.NoError(t, driver.Handshake())
	ctr.Service()
	for {
		data, from, ok := sconn.TryRead()
		if !ok {
			break
		}
		server.HandleDatagram(data, from)
	}

	_, err = hub.Step()
	require.NoError(t, err)
	require.Equal(t, 1, hub.Registry().Len())
	go func() {
		defer close(serviced)
		server.Service()
	}()
	// The service goroutine is now stuck writing the handshake answer.
	<-stalled.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 40 {
			clock.now = clock.now.Add(50 * time.Millisecond)
			if _, err := hub.Step(); err != nil {
				return
			}
		}
		hub.Shutdown()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ticks stalled behind a blocked peer")
	}
	assert.Equal(t, uint64(41), hub.Tick())
	assert.Zero(t, hub.Registry().Len())
}
