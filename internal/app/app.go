// Package app assembles the server process from its configuration.
package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	server "unnamed-rts/server"
	"unnamed-rts/server/internal/audit"
	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/config"
	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/net/admin"
	"unnamed-rts/server/internal/sim"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/internal/transport"
	"unnamed-rts/server/logging"
	"unnamed-rts/server/logging/sinks"
)

// Endpoints reports the addresses the process actually bound.
type Endpoints struct {
	Game      net.Addr
	WebSocket net.Addr
	Admin     net.Addr
	RunID     string
}

// Options adjust how Run starts. The zero value loads defaults and logs to
// stderr.
type Options struct {
	ConfigPath string
	Output     io.Writer
	// Ready is called once every listener is bound.
	Ready func(Endpoints)
}

const shutdownGrace = 5 * time.Second

// Run starts the server and blocks until ctx is cancelled or a component
// fails.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger, err := logging.NewLogger(out, cfg.LoggerConfig())
	if err != nil {
		return eris.Wrap(err, "build logger")
	}
	runID := uuid.New()
	logger = logger.With().Str("run_id", runID.String()).Logger()
	metrics := telemetry.NewMetrics("rts-server")

	named := []logging.NamedSink{{Name: "console", Sink: sinks.NewConsoleSink(logger)}}
	if cfg.AuditDB != "" {
		auditSink, err := audit.Open(cfg.AuditDB, runID)
		if err != nil {
			return err
		}
		named = append(named, logging.NamedSink{Name: "audit", Sink: auditSink})
	}
	if cfg.EventLog != "" {
		f, err := os.OpenFile(cfg.EventLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			for _, n := range named {
				n.Sink.Close(ctx)
			}
			return eris.Wrapf(err, "open event log %s", cfg.EventLog)
		}
		named = append(named, logging.NamedSink{Name: "event_log", Sink: sinks.NewJSON(f, time.Second)})
	}
	logCfg := logging.DefaultConfig()
	logCfg.RunID = runID.String()
	router := logging.NewRouter(logging.SystemClock{}, logCfg, logger, named, logging.WithCounters(metrics))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := router.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("close event router")
		}
	}()

	c, err := codec.New(codec.WithCompressThreshold(cfg.Snapshot.CompressThreshold))
	if err != nil {
		return eris.Wrap(err, "build codec")
	}
	defer c.Close()

	udp, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return eris.Wrapf(err, "listen udp %s", cfg.Listen)
	}
	endpoints := Endpoints{Game: udp.LocalAddr(), RunID: runID.String()}
	conns := []net.PacketConn{udp}

	var httpServers []*http.Server
	var listeners []net.Listener
	if cfg.WebSocketListen != "" {
		ws := transport.NewWebSocketListener("ws:"+cfg.WebSocketListen, logger,
			transport.WithReadLimit(cfg.Transport.MaxPacketSize))
		ln, err := net.Listen("tcp", cfg.WebSocketListen)
		if err != nil {
			udp.Close()
			return eris.Wrapf(err, "listen websocket %s", cfg.WebSocketListen)
		}
		endpoints.WebSocket = ln.Addr()
		conns = append(conns, ws)
		httpServers = append(httpServers, &http.Server{Handler: ws, ReadHeaderTimeout: 5 * time.Second})
		listeners = append(listeners, ln)
	}

	tcfg := cfg.TransportConfig()
	var conn net.PacketConn = udp
	if len(conns) > 1 {
		conn = transport.NewMultiConn(tcfg.MaxPacketSize, conns...)
	}
	tr := transport.New(conn, tcfg,
		transport.WithLogger(logger),
		transport.WithMetrics(metrics),
		transport.WithPublisher(router))

	hub, err := server.NewHub(tr, c, server.HubConfig{
		TickRate:            cfg.TickRate,
		Rules:               cfg.Rules(),
		Policy:              cfg.Policy(),
		Session:             cfg.SessionConfig(),
		CheckpointInterval:  cfg.Snapshot.CheckpointInterval,
		CheckpointRetention: cfg.Snapshot.CheckpointRetention,
		MinPlayers:          cfg.MinPlayers,
	}, sim.Deps{
		Logger:    logger,
		Metrics:   metrics,
		Clock:     logging.SystemClock{},
		Publisher: router,
	})
	if err != nil {
		tr.Close()
		return err
	}

	if cfg.AdminListen != "" {
		ln, err := net.Listen("tcp", cfg.AdminListen)
		if err != nil {
			tr.Close()
			return eris.Wrapf(err, "listen admin %s", cfg.AdminListen)
		}
		endpoints.Admin = ln.Addr()
		handler := admin.NewHandler(admin.Config{
			Sessions:    hub.Registry(),
			Peers:       tr,
			Checkpoints: hub.Journal(),
			Metrics:     metrics,
			Tick:        hub.Tick,
			TickRate:    cfg.TickRate,
			RunID:       runID.String(),
			Pprof:       cfg.AdminPprof,
			Logger:      logger,
		})
		httpServers = append(httpServers, &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second})
		listeners = append(listeners, ln)
	}

	logger.Info().
		Str("game", endpoints.Game.String()).
		Int("tickRate", cfg.TickRate).
		Str("policy", string(cfg.Policy())).
		Msg("server listening")
	if opts.Ready != nil {
		opts.Ready(endpoints)
	}

	// The transport outlives the hub so shutdown notices still go out.
	netCtx, stopNet := context.WithCancel(context.Background())
	defer stopNet()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.Run(netCtx)
	})
	g.Go(func() error {
		defer stopNet()
		err := hub.Run(gctx)
		if eris.Is(err, ecs.ErrStoreCorrupted) {
			logger.WithLevel(zerolog.FatalLevel).Err(err).Uint64("tick", hub.Tick()).Msg("entity store corrupted, shutting down")
		}
		return err
	})
	for i, srv := range httpServers {
		ln := listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrapf(err, "serve %s", ln.Addr())
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, srv := range httpServers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("http shutdown")
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Uint64("tick", hub.Tick()).Msg("server stopped")
	return err
}
