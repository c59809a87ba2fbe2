package admin

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/journal"
	"unnamed-rts/server/internal/session"
	"unnamed-rts/server/internal/telemetry"
)

func get(t *testing.T, h http.Handler, path string, into any) *httptest.ResponseRecorder {
	t.Helper()
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	if into != nil {
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), into))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	h := NewHandler(Config{Logger: zerolog.Nop()})
	resp := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", resp.Body.String())

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope", nil).Code)
}

func TestSessionsListing(t *testing.T) {
	reg := session.NewRegistry(session.DefaultConfig())
	id, _ := reg.Register(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000})
	h := NewHandler(Config{Sessions: reg, Tick: func() uint64 { return 77 }, TickRate: 20})

	var body struct {
		Tick     uint64         `json:"tick"`
		TickRate int            `json:"tickRate"`
		Sessions []session.Info `json:"sessions"`
		Peers    []any          `json:"peers"`
	}
	get(t, h, "/sessions", &body)
	assert.Equal(t, uint64(77), body.Tick)
	assert.Equal(t, 20, body.TickRate)
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, id, body.Sessions[0].ID)
	assert.Equal(t, "127.0.0.1:9000", body.Sessions[0].Addr)
	assert.True(t, body.Sessions[0].NeedsFull)
	assert.NotNil(t, body.Peers)
}

func TestMetricsListing(t *testing.T) {
	metrics := telemetry.NewMetrics("rts")
	metrics.Add(telemetry.MetricSnapshotsFull, 3)
	metrics.Store(telemetry.MetricSessions, 2)
	h := NewHandler(Config{Metrics: metrics, RunID: "run-1"})

	var body struct {
		RunID     string            `json:"runId"`
		Values    map[string]uint64 `json:"values"`
		Intervals []interval        `json:"intervals"`
	}
	get(t, h, "/metrics", &body)
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, uint64(3), body.Values[telemetry.MetricSnapshotsFull])
	assert.Equal(t, uint64(2), body.Values[telemetry.MetricSessions])
	require.NotEmpty(t, body.Intervals)
}

func TestCheckpointsListing(t *testing.T) {
	j := journal.New(5, 2)
	for _, tick := range []uint64{5, 10, 15} {
		j.RecordCheckpoint(journal.Checkpoint{Tick: tick, Rows: []ecs.Row{{}}, Digest: tick * 3})
	}
	h := NewHandler(Config{Checkpoints: j})

	var body struct {
		Size        int                      `json:"size"`
		OldestTick  uint64                   `json:"oldestTick"`
		NewestTick  uint64                   `json:"newestTick"`
		Checkpoints []journal.CheckpointInfo `json:"checkpoints"`
	}
	get(t, h, "/checkpoints", &body)
	assert.Equal(t, 2, body.Size)
	assert.Equal(t, uint64(10), body.OldestTick)
	assert.Equal(t, uint64(15), body.NewestTick)
	require.Len(t, body.Checkpoints, 2)
	assert.Equal(t, uint64(30), body.Checkpoints[0].Digest)
	assert.Equal(t, 1, body.Checkpoints[0].Entities)
}

func TestEmptyConfigServesEmptyListings(t *testing.T) {
	h := NewHandler(Config{})
	var body map[string]any
	get(t, h, "/checkpoints", &body)
	assert.Equal(t, []any{}, body["checkpoints"])
	get(t, h, "/sessions", &body)
	assert.Equal(t, []any{}, body["sessions"])
}

func TestPprofIsOptIn(t *testing.T) {
	off := NewHandler(Config{Logger: zerolog.Nop()})
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", nil).Code)

	on := NewHandler(Config{Pprof: true, Logger: zerolog.Nop()})
	resp := get(t, on, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "goroutine")
}
