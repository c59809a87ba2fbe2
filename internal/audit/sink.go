// Package audit persists operator events to a sqlite database so a run can
// be inspected after the process exits.
package audit

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"unnamed-rts/server/logging"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = eris.New("audit sink closed")

// Record is one stored event row.
type Record struct {
	ID         int64
	RunID      string
	Type       string
	Category   string
	Severity   string
	Tick       uint64
	Actor      string
	Payload    string
	RecordedAt time.Time
}

// Sink implements logging.Sink on top of a sqlite table.
type Sink struct {
	db    *sql.DB
	runID string

	mu     sync.Mutex
	insert *sql.Stmt
	closed bool
}

// Open creates or reuses the database at path. Events without a run id are
// stamped with runID.
func Open(path string, runID uuid.UUID) (*Sink, error) {
	if path == "" {
		return nil, eris.New("audit: empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, eris.Wrapf(err, "audit: create dir for %s", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: open %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	insert, err := db.Prepare(`INSERT INTO events
		(run_id, type, category, severity, tick, actor, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "audit: prepare insert")
	}
	return &Sink{db: db, runID: runID.String(), insert: insert}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			tick INTEGER NOT NULL,
			actor TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS events_run_tick ON events(run_id, tick);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return eris.Wrapf(err, "audit: init schema")
		}
	}
	return nil
}

// RunID reports the id stamped onto events that carry none.
func (s *Sink) RunID() string { return s.runID }

func (s *Sink) Write(event logging.Event) error {
	body := map[string]any{}
	if event.Payload != nil {
		body["payload"] = event.Payload
	}
	if len(event.Targets) > 0 {
		body["targets"] = event.Targets
	}
	if len(event.Extra) > 0 {
		body["extra"] = event.Extra
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrapf(err, "audit: encode %s", event.Type)
	}
	runID := event.RunID
	if runID == "" {
		runID = s.runID
	}
	at := event.Time
	if at.IsZero() {
		at = time.Now()
	}
	actor := string(event.Actor.Kind)
	if event.Actor.ID != "" {
		actor += ":" + event.Actor.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err = s.insert.Exec(runID, string(event.Type), event.Category, event.Severity.String(),
		int64(event.Tick), actor, string(payload), at.UTC().Format(time.RFC3339Nano))
	return eris.Wrapf(err, "audit: insert %s", event.Type)
}

func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.insert.Close()
	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the rows recorded for runID in insertion order.
func (s *Sink) Events(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, type, category, severity, tick, actor, payload, recorded_at
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "audit: query events")
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec  Record
			tick int64
			at   string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Type, &rec.Category, &rec.Severity, &tick, &rec.Actor, &rec.Payload, &at); err != nil {
			return nil, eris.Wrap(err, "audit: scan event")
		}
		rec.Tick = uint64(tick)
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "audit: iterate events")
}
