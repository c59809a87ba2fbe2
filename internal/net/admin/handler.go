// Package admin serves the operator HTTP surface: liveness, session and peer
// listings, metrics and the retained checkpoint window.
package admin

import (
	"net/http"
	"net/http/pprof"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"unnamed-rts/server/internal/journal"
	"unnamed-rts/server/internal/session"
	"unnamed-rts/server/internal/transport"
)

type Sessions interface {
	Sessions() []session.Info
}

type Peers interface {
	Peers() []transport.PeerInfo
}

type Checkpoints interface {
	Checkpoints() []journal.CheckpointInfo
	Window() (size int, oldest, newest uint64)
	PendingChanges() int
}

type Metrics interface {
	Snapshot() map[string]uint64
	Intervals() []*gometrics.IntervalMetrics
}

// Config collects the read surfaces the handler reports on. Nil members are
// served as empty listings.
type Config struct {
	Sessions    Sessions
	Peers       Peers
	Checkpoints Checkpoints
	Metrics     Metrics
	Tick        func() uint64
	TickRate    int
	RunID       string
	// Pprof mounts the runtime profiling endpoints under /debug/pprof/.
	Pprof  bool
	Logger zerolog.Logger
}

type interval struct {
	Start    time.Time          `json:"start"`
	Counters map[string]float64 `json:"counters,omitempty"`
	Gauges   map[string]float32 `json:"gauges,omitempty"`
}

// NewHandler builds the admin router.
func NewHandler(cfg Config) http.Handler {
	r := mux.NewRouter()
	logger := cfg.Logger.With().Str("component", "admin").Logger()

	writeJSON := func(w http.ResponseWriter, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.Error().Err(err).Msg("encode response")
			httpError(w, "failed to encode", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}

	if cfg.Pprof {
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		payload := struct {
			Tick     uint64               `json:"tick"`
			TickRate int                  `json:"tickRate"`
			Sessions []session.Info       `json:"sessions"`
			Peers    []transport.PeerInfo `json:"peers"`
		}{
			Tick:     tick(cfg),
			TickRate: cfg.TickRate,
			Sessions: []session.Info{},
			Peers:    []transport.PeerInfo{},
		}
		if cfg.Sessions != nil {
			payload.Sessions = cfg.Sessions.Sessions()
		}
		if cfg.Peers != nil {
			payload.Peers = cfg.Peers.Peers()
		}
		writeJSON(w, payload)
	}).Methods(http.MethodGet)

	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		payload := struct {
			RunID     string            `json:"runId,omitempty"`
			Values    map[string]uint64 `json:"values"`
			Intervals []interval        `json:"intervals"`
		}{RunID: cfg.RunID, Values: map[string]uint64{}, Intervals: []interval{}}
		if cfg.Metrics != nil {
			payload.Values = cfg.Metrics.Snapshot()
			for _, im := range cfg.Metrics.Intervals() {
				payload.Intervals = append(payload.Intervals, summarize(im))
			}
		}
		writeJSON(w, payload)
	}).Methods(http.MethodGet)

	r.HandleFunc("/checkpoints", func(w http.ResponseWriter, _ *http.Request) {
		payload := struct {
			Tick           uint64                   `json:"tick"`
			Size           int                      `json:"size"`
			OldestTick     uint64                   `json:"oldestTick"`
			NewestTick     uint64                   `json:"newestTick"`
			PendingChanges int                      `json:"pendingChanges"`
			Checkpoints    []journal.CheckpointInfo `json:"checkpoints"`
		}{Tick: tick(cfg), Checkpoints: []journal.CheckpointInfo{}}
		if cfg.Checkpoints != nil {
			payload.Size, payload.OldestTick, payload.NewestTick = cfg.Checkpoints.Window()
			payload.PendingChanges = cfg.Checkpoints.PendingChanges()
			payload.Checkpoints = cfg.Checkpoints.Checkpoints()
		}
		writeJSON(w, payload)
	}).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

func tick(cfg Config) uint64 {
	if cfg.Tick == nil {
		return 0
	}
	return cfg.Tick()
}

func summarize(im *gometrics.IntervalMetrics) interval {
	im.RLock()
	defer im.RUnlock()
	out := interval{Start: im.Interval}
	if len(im.Counters) > 0 {
		out.Counters = make(map[string]float64, len(im.Counters))
		for key, v := range im.Counters {
			if v.AggregateSample != nil {
				out.Counters[key] = v.Sum
			}
		}
	}
	if len(im.Gauges) > 0 {
		out.Gauges = make(map[string]float32, len(im.Gauges))
		for key, g := range im.Gauges {
			out.Gauges[key] = g.Value
		}
	}
	return out
}

func httpError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(map[string]string{"error": msg})
	w.Write(data)
}
