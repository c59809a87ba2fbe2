package main

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"unnamed-rts/server/internal/client"
	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/sim"
	"unnamed-rts/server/internal/transport"
	"unnamed-rts/server/logging"
)

type botOptions struct {
	server     string
	duration   time.Duration
	orderEvery time.Duration
	seed       uint64
	protocolID uint32
	logLevel   string
}

const reportEvery = 5 * time.Second

// summary is what a bot run achieved.
type summary struct {
	Orders       int
	Acked        uint32
	Snapshots    uint64
	Backpressure int
}

func dial(ctx context.Context, server string) (net.PacketConn, net.Addr, error) {
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		conn, err := transport.DialWebSocket(ctx, server)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.(interface{ RemoteAddr() net.Addr }).RemoteAddr(), nil
	}
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "resolve %s", server)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, nil, eris.Wrap(err, "open udp socket")
	}
	return conn, addr, nil
}

func runBot(ctx context.Context, opts botOptions, out io.Writer) (summary, error) {
	logger, err := logging.NewLogger(out, logging.LoggerConfig{Level: opts.logLevel, Format: "console"})
	if err != nil {
		return summary{}, err
	}
	logger = logger.With().Str("component", "bot").Logger()

	conn, serverAddr, err := dial(ctx, opts.server)
	if err != nil {
		return summary{}, err
	}
	tcfg := transport.DefaultConfig()
	tcfg.ProtocolID = opts.protocolID
	tr := transport.New(conn, tcfg, transport.WithLogger(logger))
	netCtx, stopNet := context.WithCancel(context.Background())
	defer stopNet()
	go func() {
		if err := tr.Run(netCtx); err != nil {
			logger.Error().Err(err).Msg("transport stopped")
		}
	}()

	c, err := codec.New()
	if err != nil {
		return summary{}, err
	}
	defer c.Close()
	rules := sim.DefaultRules()
	rec := client.NewReconciler(rules, 20, client.DefaultCorrection())
	driver := client.NewDriver(tr, c, serverAddr, rec, logger)
	if err := driver.Handshake(); err != nil {
		return summary{}, err
	}
	logger.Info().Str("server", serverAddr.String()).Msg("handshake sent")

	b := &bot{
		driver: driver,
		rules:  rules,
		rng:    rand.New(rand.NewPCG(opts.seed, opts.seed^0x5bd1e995)),
		logger: logger,
	}
	rate := 20
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	orders := time.NewTicker(opts.orderEvery)
	defer orders.Stop()
	report := time.NewTicker(reportEvery)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			driver.Close()
			b.report()
			return b.summary(), nil
		case <-ticker.C:
			driver.Step()
			up, err := driver.Pump()
			if err != nil {
				logger.Warn().Err(err).Msg("pump")
			}
			if up.Closed != nil {
				return b.summary(), eris.Errorf("server closed the session: %s", up.Closed.Reason)
			}
			if up.Lost != nil {
				return b.summary(), eris.Wrap(up.Lost.Err(), "lost the server")
			}
			if up.Connected && driver.TickRate() > 0 && driver.TickRate() != rate {
				rate = driver.TickRate()
				ticker.Reset(time.Second / time.Duration(rate))
			}
			b.sample()
		case <-orders.C:
			b.order()
		case <-report.C:
			b.report()
		}
	}
}

// bot issues random orders and tracks how far prediction strays from the
// server's corrections.
type bot struct {
	driver *client.Driver
	rules  sim.Rules
	rng    *rand.Rand
	logger zerolog.Logger

	orders    int
	rejected  int
	maxOffset float64
	sumOffset float64
	samples   int
}

func (b *bot) order() {
	owned := b.driver.Reconciler().Owned()
	if len(owned) == 0 {
		return
	}
	unit := owned[b.rng.IntN(len(owned))]
	point := ecs.Vec2{X: b.rng.Float64() * b.rules.WorldSize, Y: b.rng.Float64() * b.rules.WorldSize}
	cmd, err := b.driver.Command(codec.Action{Kind: codec.ActionMove, Unit: unit, Point: point})
	if err != nil {
		b.rejected++
		b.logger.Debug().Err(err).Msg("order not sent")
		return
	}
	b.orders++
	b.logger.Debug().Uint32("seq", cmd.Sequence).Uint64("tick", cmd.TickIssued).
		Float64("x", point.X).Float64("y", point.Y).Msg("move order")
}

// sample measures the display offset of predicted units: the part of a
// server correction not yet blended away.
func (b *bot) sample() {
	for _, item := range b.driver.Reconciler().Frame(1) {
		if !item.Predicted {
			continue
		}
		off := item.Position.Sub(item.Components.Position).Len()
		b.maxOffset = max(b.maxOffset, off)
		b.sumOffset += off
		b.samples++
	}
}

func (b *bot) summary() summary {
	return summary{
		Orders:       b.orders,
		Acked:        b.driver.HighestAcked(),
		Snapshots:    b.driver.Reconciler().Stats().Snapshots,
		Backpressure: b.driver.Backpressure(),
	}
}

func (b *bot) report() {
	stats := b.driver.Reconciler().Stats()
	mean := 0.0
	if b.samples > 0 {
		mean = b.sumOffset / float64(b.samples)
	}
	b.logger.Info().
		Uint64("tick", b.driver.Reconciler().Tick()).
		Int("orders", b.orders).
		Int("rejected", b.rejected).
		Uint32("acked", b.driver.HighestAcked()).
		Int("backpressure", b.driver.Backpressure()).
		Int("handshakeRetries", b.driver.HandshakeRetries()).
		Uint64("snapshots", stats.Snapshots).
		Uint64("snaps", stats.Snaps).
		Uint64("blends", stats.Blends).
		Uint64("stale", stats.Stale).
		Uint64("baselineMissing", stats.BaselineMissing).
		Uint64("digestMismatch", stats.DigestMismatch).
		Float64("maxOffset", b.maxOffset).
		Float64("meanOffset", mean).
		Msg("prediction error")
	b.maxOffset, b.sumOffset, b.samples = 0, 0, 0
}
