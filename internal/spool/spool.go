// Package spool provides a WAL-mode SQLite-backed buffer for capture events
// awaiting transport. It exists so that diagnostic events — the
// LostPerfRecordsEvent/WarningEvent class a capture emits about itself —
// survive transport backpressure and daemon restarts with at-least-once
// semantics: events are persisted on Enqueue and are not removed until the
// caller calls Ack, which the transport drives from CaptureAck responses.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. The capture
// consumer goroutine calls Enqueue while a separate transport goroutine calls
// Dequeue and Ack; all of these share one pooled connection, so they run one
// at a time rather than concurrently.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the event is returned again by the next
// Dequeue call after restart, ensuring every spooled event reaches the
// daemon even when the transport is temporarily unavailable.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/captrace/captrace/internal/events"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Spool is a WAL-mode SQLite-backed event buffer. It is safe for concurrent
// use.
type Spool struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// Open seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode (calls still serialise through the single connection).
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	// This gives a significant write-throughput improvement over FULL while
	// still guaranteeing that a committed transaction survives a process exit.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous = NORMAL: %w", err)
	}

	// Apply the schema (idempotent: CREATE TABLE IF NOT EXISTS).
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db}

	// Seed the depth counter from existing undelivered rows so that Depth()
	// reflects the correct value immediately after a restart.
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_spool WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS event_spool (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT    NOT NULL,
    sequence    INTEGER NOT NULL,
    kind        TEXT    NOT NULL,
    event_json  TEXT    NOT NULL DEFAULT '{}',
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_spool_pending
    ON event_spool (delivered, id);
`

// Enqueue persists ev under the given session and per-session sequence
// number. The event is stored with delivered = 0 and is included in
// subsequent Dequeue results until Ack is called for its ID.
func (s *Spool) Enqueue(ctx context.Context, sessionID string, sequence uint64, ev events.ClientCaptureEvent) error {
	kind, payload, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("spool: encode event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_spool (session_id, sequence, kind, event_json)
		 VALUES (?, ?, ?, ?)`,
		sessionID,
		int64(sequence),
		kind,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}

	s.depth.Add(1)
	return nil
}

// PendingEvent is an unacknowledged event returned by Dequeue. ID is the
// database primary key used to acknowledge the event via Ack. Kind and
// EventJSON are stored exactly as Enqueue wrote them, so the transport can
// forward them into a CaptureEventEnvelope without re-decoding.
type PendingEvent struct {
	ID        int64
	SessionID string
	Sequence  uint64
	Kind      string
	EventJSON []byte
}

// Dequeue returns up to n unacknowledged events in insertion order (oldest
// first). It does not mark events as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the
// database.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, kind, event_json
		 FROM   event_spool
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []PendingEvent
	for rows.Next() {
		var (
			pe       PendingEvent
			sequence int64
			payload  string
		)
		if err := rows.Scan(
			&pe.ID,
			&pe.SessionID,
			&sequence,
			&pe.Kind,
			&payload,
		); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		pe.Sequence = uint64(sequence)
		pe.EventJSON = []byte(payload)

		pending = append(pending, pe)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	return pending, nil
}

// Ack marks the events identified by ids as delivered. Acknowledged events
// are excluded from subsequent Dequeue results. Ack is idempotent: calling
// it multiple times with the same IDs is safe.
//
// The depth counter is decremented by the number of rows whose delivered
// column transitions from 0 to 1 (already-acked IDs are skipped).
func (s *Spool) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE event_spool SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) events. It reads
// from an atomic counter that is updated by Enqueue and Ack, so it never
// blocks.
func (s *Spool) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the spool after Close returns.
func (s *Spool) Close() error {
	return s.db.Close()
}
