package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/internal/telemetry"
	lognet "unnamed-rts/server/logging/network"
	"unnamed-rts/server/logging/sinks"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	clock   *manualClock
	network *MemoryNetwork
	sconn   *MemoryConn
	cconn   *MemoryConn
	server  *Transport
	client  *Transport
	metrics *telemetry.Registry
	events  *sinks.MemorySink
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryLimit = 20
	cfg.RetryMax = 200 * time.Millisecond
	cfg.PacketBurst = 5000
	cfg.PacketRate = 5000
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:   &manualClock{now: time.Unix(1_700_000_000, 0)},
		network: NewMemoryNetwork(7),
		metrics: telemetry.NewMetrics("transport-test"),
		events:  sinks.NewMemorySink(),
	}
	h.sconn = h.network.Listen("server")
	h.cconn = h.network.Listen("client")
	h.server = New(h.sconn, cfg, WithClock(h.clock), WithMetrics(h.metrics), WithPublisher(h.events))
	h.client = New(h.cconn, cfg, WithClock(h.clock))
	h.client.Connect(h.sconn.LocalAddr())
	t.Cleanup(func() {
		h.server.Close()
		h.client.Close()
	})
	return h
}

// deliver hands every queued datagram to its transport.
func (h *harness) deliver() {
	for {
		moved := false
		if data, from, ok := h.sconn.TryRead(); ok {
			h.server.HandleDatagram(data, from)
			moved = true
		}
		if data, from, ok := h.cconn.TryRead(); ok {
			h.client.HandleDatagram(data, from)
			moved = true
		}
		if !moved {
			return
		}
	}
}

func (h *harness) step(d time.Duration) {
	h.clock.advance(d)
	h.client.Service()
	h.server.Service()
	h.deliver()
}

func frame(protocol uint32, ch Channel, seq uint32, payload string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, protocol)
	b = append(b, packetData, uint8(ch))
	b = binary.LittleEndian.AppendUint32(b, seq)
	return append(b, payload...)
}

func payloads(ds []Delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, string(d.Payload))
	}
	return out
}

func TestReliableDeliversInOrderOverLossyNetwork(t *testing.T) {
	h := newHarness(t, testConfig())
	h.network.SetConditions(Conditions{Loss: 0.2, Duplicate: 0.1, Reorder: 0.2})

	server := h.sconn.LocalAddr()
	want := make([]string, 100)
	for i := range want {
		want[i] = strconv.Itoa(i)
		require.NoError(t, h.client.Send(server, ChannelReliable, []byte(want[i])))
	}

	var got []string
	for i := 0; i < 400 && len(got) < len(want); i++ {
		if i == 300 {
			h.network.SetConditions(Conditions{})
			h.sconn.Release()
			h.cconn.Release()
		}
		h.step(20 * time.Millisecond)
		got = append(got, payloads(h.server.Poll())...)
	}
	assert.Equal(t, want, got)
	assert.NotZero(t, h.metrics.Value(telemetry.MetricRetransmits))
	for _, ev := range h.client.Events() {
		assert.NotEqual(t, PeerLost, ev.Kind, "client lost server: %v", ev.Err())
	}
}

func TestSequencedDropsStalePayloads(t *testing.T) {
	h := newHarness(t, testConfig())
	client := h.cconn.LocalAddr()
	id := h.server.Config().ProtocolID

	h.server.HandleDatagram(frame(id, ChannelSequenced, 5, "five"), client)
	h.server.HandleDatagram(frame(id, ChannelSequenced, 3, "three"), client)
	h.server.HandleDatagram(frame(id, ChannelSequenced, 5, "five again"), client)
	h.server.HandleDatagram(frame(id, ChannelSequenced, 6, "six"), client)

	assert.Equal(t, []string{"five", "six"}, payloads(h.server.Poll()))
	assert.Equal(t, uint64(2), h.metrics.Value(telemetry.MetricSnapshotsStale))
}

func TestSequencedHandlesWraparound(t *testing.T) {
	h := newHarness(t, testConfig())
	client := h.cconn.LocalAddr()
	id := h.server.Config().ProtocolID

	h.server.HandleDatagram(frame(id, ChannelSequenced, 0xFFFFFFFE, "old"), client)
	h.server.HandleDatagram(frame(id, ChannelSequenced, 1, "wrapped"), client)
	h.server.HandleDatagram(frame(id, ChannelSequenced, 0xFFFFFFFF, "stale"), client)

	assert.Equal(t, []string{"old", "wrapped"}, payloads(h.server.Poll()))
}

func TestReliableRetriesThenReportsUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.RetryLimit = 3
	cfg.RetryBase = 10 * time.Millisecond
	cfg.RetryMax = 40 * time.Millisecond
	h := newHarness(t, cfg)

	metrics := telemetry.NewMetrics("client")
	h.client = New(h.cconn, cfg, WithClock(h.clock), WithMetrics(metrics))
	nowhere := MemoryAddr("nowhere")
	h.client.Connect(nowhere)
	require.NoError(t, h.client.Send(nowhere, ChannelReliable, []byte("hello")))

	var lost *PeerEvent
	for i := 0; i < 40 && lost == nil; i++ {
		h.clock.advance(20 * time.Millisecond)
		h.client.Service()
		for _, ev := range h.client.Events() {
			if ev.Kind == PeerLost {
				ev := ev
				lost = &ev
			}
		}
	}
	require.NotNil(t, lost)
	assert.Equal(t, LossUnreachable, lost.Reason)
	assert.True(t, eris.Is(lost.Err(), ErrPeerUnreachable))
	assert.Equal(t, uint64(3), metrics.Value(telemetry.MetricRetransmits))
	assert.Equal(t, uint64(1), metrics.Value(telemetry.MetricPeersUnreachable))

	err := h.client.Send(nowhere, ChannelReliable, []byte("again"))
	assert.True(t, eris.Is(err, ErrUnknownPeer))
}

func TestSilentPeerTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Second
	h := newHarness(t, cfg)

	require.NoError(t, h.client.Send(h.sconn.LocalAddr(), ChannelUnreliable, []byte("hi")))
	h.step(10 * time.Millisecond)
	events := h.server.Events()
	require.Len(t, events, 1)
	assert.Equal(t, PeerConnected, events[0].Kind)

	for i := 0; i < 5; i++ {
		h.step(100 * time.Millisecond)
	}
	assert.Empty(t, h.server.Events(), "keepalives hold the peer open")

	h.clock.advance(cfg.IdleTimeout + time.Millisecond)
	h.server.Service()
	events = h.server.Events()
	require.Len(t, events, 1)
	assert.Equal(t, PeerLost, events[0].Kind)
	assert.Equal(t, LossTimeout, events[0].Reason)
	assert.Empty(t, h.server.Peers())
}

func TestOffensesDisconnectPastLimit(t *testing.T) {
	cfg := testConfig()
	cfg.OffenseLimit = 2
	h := newHarness(t, cfg)
	server := h.sconn.LocalAddr()
	client := h.cconn.LocalAddr()

	require.NoError(t, h.client.Send(server, ChannelReliable, []byte("hello")))
	h.step(10 * time.Millisecond)
	h.server.Events()

	h.server.ReportOffense(client, eris.New("bad payload"))
	h.server.HandleDatagram([]byte{1, 2, 3}, client)
	assert.Empty(t, h.server.Events(), "two offenses are tolerated")

	h.server.ReportOffense(client, eris.New("bad payload"))
	events := h.server.Events()
	require.Len(t, events, 1)
	assert.Equal(t, LossProtocol, events[0].Reason)
	assert.Len(t, h.events.OfType(lognet.EventProtocolViolation), 3)
	assert.Len(t, h.events.OfType(lognet.EventPeerDisconnected), 1)

	h.deliver()
	assert.Empty(t, h.client.Events(), "disconnect waits for Service")

	h.server.Service()
	h.deliver()
	clientEvents := h.client.Events()
	require.NotEmpty(t, clientEvents)
	last := clientEvents[len(clientEvents)-1]
	assert.Equal(t, PeerLost, last.Kind)
	assert.Equal(t, LossClosed, last.Reason)
	assert.Equal(t, uint8(LossProtocol), last.Code)
}

func TestInboxBurstDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.InboxCapacity = 64
	cfg.OutboxCapacity = 1024
	h := newHarness(t, cfg)

	server := h.sconn.LocalAddr()
	for i := 0; i < 1000; i++ {
		require.NoError(t, h.client.Send(server, ChannelUnreliable, []byte(fmt.Sprint(i))))
	}
	h.step(time.Millisecond)

	got := payloads(h.server.Poll())
	require.Len(t, got, 64)
	assert.Equal(t, "936", got[0])
	assert.Equal(t, "999", got[63])
	assert.Equal(t, uint64(936), h.metrics.Value(telemetry.MetricInboxOverflow))
}

func TestForeignDatagramsAreIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	stranger := MemoryAddr("stranger")
	h.server.HandleDatagram(frame(0xBADBAD, ChannelUnreliable, 1, "x"), stranger)
	h.server.HandleDatagram([]byte{0}, stranger)
	assert.Empty(t, h.server.Events())
	assert.Empty(t, h.server.Peers())
}

func TestKeepaliveMeasuresRTT(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.client.Send(h.sconn.LocalAddr(), ChannelUnreliable, []byte("hi")))
	h.step(time.Millisecond)
	h.step(300 * time.Millisecond)

	_, ok := h.client.RTT(h.sconn.LocalAddr())
	assert.True(t, ok)
	peers := h.server.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "client", peers[0].Addr)
}

func TestAckBitsCoverPrecedingSequences(t *testing.T) {
	r := newReliableReceiver()
	for _, seq := range []uint32{1, 2, 4, 6} {
		r.receive(seq, nil)
	}
	ack, bits := r.ackAndBits()
	assert.Equal(t, uint32(6), ack)
	// 5 missing, 4 present, 3 missing, 2 and 1 present
	assert.Equal(t, uint32(0b11010), bits)

	s := newReliableSender()
	now := time.Unix(0, 0)
	for i := 0; i < 6; i++ {
		seq := s.allocate()
		s.pending[seq] = &pendingSend{firstAt: now, attempts: 1}
	}
	samples := s.acknowledge(ack, bits, now.Add(30*time.Millisecond))
	assert.Len(t, samples, 4)
	assert.Len(t, s.pending, 2)
	assert.Contains(t, s.pending, uint32(3))
	assert.Contains(t, s.pending, uint32(5))
}

func TestSeqMoreRecentWraps(t *testing.T) {
	assert.True(t, seqMoreRecent(2, 1))
	assert.True(t, seqMoreRecent(0, 0xFFFFFFFF))
	assert.False(t, seqMoreRecent(0xFFFFFFFF, 0))
	assert.False(t, seqMoreRecent(7, 7))
}

var _ net.PacketConn = (*MemoryConn)(nil)
var _ net.PacketConn = (*WebSocketListener)(nil)
