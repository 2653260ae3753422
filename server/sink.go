// ABOUTME: SQLite-backed event sink: subscribes to the bus and persists every
// ABOUTME: event row so execution history survives the in-memory ring.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/events"
)

const sinkSchema = `
CREATE TABLE IF NOT EXISTS events (
	execution_id TEXT    NOT NULL,
	seq          INTEGER NOT NULL,
	ts           TEXT    NOT NULL,
	type         TEXT    NOT NULL,
	payload      TEXT    NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
`

// EventSink persists execution events to SQLite. The bus ring holds a bounded
// window; the sink holds everything, so a client that gets 410 Gone from the
// SSE endpoint can still recover full history.
type EventSink struct {
	db *sql.DB
}

// NewEventSink opens (creating if needed) the database at path.
func NewEventSink(path string) (*EventSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event sink: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sinkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &EventSink{db: db}, nil
}

// Record attaches to the execution's stream from the beginning and inserts
// every event until the stream closes. It blocks for the execution's
// lifetime; callers run it in a goroutine. KeepAlive events reuse seqs and
// are not persisted.
func (s *EventSink) Record(bus *events.Bus, execID diagram.ExecutionID) error {
	sub, err := bus.SubscribeFrom(execID, 0)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", execID, err)
	}
	for evt := range sub.C {
		if evt.Type == events.KeepAlive {
			continue
		}
		if err := s.insert(evt); err != nil {
			return err
		}
	}
	return sub.Err()
}

func (s *EventSink) insert(evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode payload seq %d: %w", evt.Seq, err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO events (execution_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		string(evt.ExecutionID), evt.Seq, evt.TS.UTC().Format(time.RFC3339Nano), string(evt.Type), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert event seq %d: %w", evt.Seq, err)
	}
	return nil
}

// Events returns the execution's persisted events in seq order, starting
// after lastSeq.
func (s *EventSink) Events(ctx context.Context, execID diagram.ExecutionID, lastSeq uint64) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, type, payload FROM events WHERE execution_id = ? AND seq > ? ORDER BY seq`,
		string(execID), lastSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			evt     events.Event
			ts      string
			typ     string
			payload string
		)
		if err := rows.Scan(&evt.Seq, &ts, &typ, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.ExecutionID = execID
		evt.Type = events.Type(typ)
		if evt.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event ts %q: %w", ts, err)
		}
		if payload != "null" && payload != "" {
			if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
				return nil, fmt.Errorf("decode payload seq %d: %w", evt.Seq, err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *EventSink) Close() error {
	return s.db.Close()
}
