package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/logging"
)

func TestSinkStoresEventsPerRun(t *testing.T) {
	run := uuid.New()
	sink, err := Open(filepath.Join(t.TempDir(), "audit", "events.db"), run)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, sink.Write(logging.Event{
		Type:     "session.joined",
		Tick:     42,
		Time:     at,
		Actor:    logging.EntityRef{ID: "7", Kind: logging.EntityKindSession},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  map[string]any{"addr": "127.0.0.1:9000"},
	}))
	require.NoError(t, sink.Write(logging.Event{
		Type:     "simulation.system_fault",
		Tick:     43,
		Severity: logging.SeverityError,
		RunID:    "other",
	}))

	rows, err := sink.Events(context.Background(), run.String())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "session.joined", rows[0].Type)
	assert.Equal(t, uint64(42), rows[0].Tick)
	assert.Equal(t, "session:7", rows[0].Actor)
	assert.Equal(t, "info", rows[0].Severity)
	assert.JSONEq(t, `{"payload":{"addr":"127.0.0.1:9000"}}`, rows[0].Payload)
	assert.True(t, at.Equal(rows[0].RecordedAt))

	other, err := sink.Events(context.Background(), "other")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "error", other[0].Severity)
}

func TestSinkRejectsWritesAfterClose(t *testing.T) {
	sink, err := Open(filepath.Join(t.TempDir(), "events.db"), uuid.New())
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))
	err = sink.Write(logging.Event{Type: "late"})
	assert.True(t, eris.Is(err, ErrClosed))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", uuid.New())
	assert.Error(t, err)
}
