package sinks_test

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/logging"
	"unnamed-rts/server/logging/sinks"
)

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closingBuffer) Close() error {
	b.closed = true
	return nil
}

func TestJSONWritesOneEventPerLine(t *testing.T) {
	var buf closingBuffer
	sink := sinks.NewJSON(&buf, 0)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(logging.Event{
		Type:     "session.joined",
		Tick:     12,
		Time:     at,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Actor:    logging.EntityRef{ID: "3", Kind: logging.EntityKindSession},
		Payload:  map[string]any{"name": "alice"},
		RunID:    "run-7",
	}))
	require.NoError(t, sink.Write(logging.Event{Type: "session.left", Tick: 13, Time: at}))

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	var lines []map[string]any
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "session.joined", lines[0]["type"])
	assert.Equal(t, "info", lines[0]["severity"])
	assert.Equal(t, "run-7", lines[0]["runId"])
	assert.Equal(t, "2024-03-01T12:00:00Z", lines[0]["time"])
	assert.Equal(t, "alice", lines[0]["payload"].(map[string]any)["name"])
	assert.NotContains(t, lines[1], "payload")

	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, buf.closed)
	require.NoError(t, sink.Close(context.Background()))
}

func TestJSONBuffersUntilClose(t *testing.T) {
	var buf closingBuffer
	sink := sinks.NewJSON(&buf, time.Hour)
	require.NoError(t, sink.Write(logging.Event{Type: "a.b", Tick: 1}))
	assert.Zero(t, buf.Len())
	require.NoError(t, sink.Close(context.Background()))
	assert.Contains(t, buf.String(), `"type":"a.b"`)
}
