package main

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	server "unnamed-rts/server"
	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/sim"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/internal/transport"
)

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--server", "ws://localhost:9000/ws", "--seed", "9", "--duration", "3s"}))
	server, err := cmd.Flags().GetString("server")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/ws", server)
	seed, err := cmd.Flags().GetUint64("seed")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seed)
}

func TestBotPlaysAgainstLoopbackServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	tr := transport.New(pc, transport.DefaultConfig())
	c, err := codec.New()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	metrics := telemetry.NewMetrics("bot-test")
	hub, err := server.NewHub(tr, c, server.DefaultHubConfig(), sim.Deps{Logger: zerolog.Nop(), Metrics: metrics})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return tr.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
	})

	botCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	got, err := runBot(botCtx, botOptions{
		server:     pc.LocalAddr().String(),
		orderEvery: 50 * time.Millisecond,
		seed:       3,
		protocolID: transport.DefaultConfig().ProtocolID,
		logLevel:   "warn",
	}, io.Discard)
	require.NoError(t, err)
	assert.Positive(t, got.Orders)
	assert.Positive(t, got.Snapshots)
	assert.Positive(t, got.Acked)
	assert.Zero(t, got.Backpressure)
	assert.Positive(t, metrics.Value(telemetry.MetricCommandsAccepted))

	require.Eventually(t, func() bool { return hub.Registry().Len() == 0 },
		2*time.Second, 20*time.Millisecond, "bot session left on exit")
}
