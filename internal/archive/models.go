// Package archive provides the PostgreSQL-backed persistence layer for
// capture session metadata: which host captured what, when, with which
// options, and how it ended. The on-disk capture file container itself is a
// separate concern; the archive exists so that an operator can query
// historical sessions and their diagnostic events long after the live event
// stream has been consumed.
package archive

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a capture session as recorded in
// the archive.
type SessionStatus string

const (
	SessionRunning    SessionStatus = "RUNNING"
	SessionSuccessful SessionStatus = "SUCCESSFUL"
	SessionFailed     SessionStatus = "FAILED"
)

// Session maps to the `capture_sessions` table.
//
// Options carries the JSON-encoded CaptureOptions the session ran with; it
// round-trips without modification. StoppedAt is nil while the session is
// still running.
type Session struct {
	SessionID        string          `json:"session_id"`
	Hostname         string          `json:"hostname"`
	TargetPID        uint32          `json:"target_pid"`
	ExecutablePath   string          `json:"executable_path,omitempty"`
	ProducerName     string          `json:"producer_name,omitempty"`
	ClientVersion    string          `json:"client_version,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	StoppedAt        *time.Time      `json:"stopped_at,omitempty"`
	Status           SessionStatus   `json:"status"`
	Options          json.RawMessage `json:"options,omitempty"`
	EventsTotal      int64           `json:"events_total"`
	LostRecordsTotal int64           `json:"lost_records_total"`
}

// Diagnostic maps to the `diagnostics` table: one row per diagnostic-class
// event (warnings, lost-records, out-of-order discards) a session reported
// about itself.
//
// Event carries the raw JSONB payload from the database. It round-trips
// without modification: bytes written to the DB are returned verbatim on
// read.
type Diagnostic struct {
	DiagnosticID string          `json:"diagnostic_id"`
	SessionID    string          `json:"session_id"`
	TimestampNS  int64           `json:"timestamp_ns"`
	Kind         string          `json:"kind"`
	Event        json.RawMessage `json:"event,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// SessionQuery carries the filter and pagination parameters for
// QuerySessions.
//
// From and To are mandatory and bracket the started_at column. Limit
// defaults to 100 when ≤ 0. A nil Status means no status filter is applied.
// An empty Hostname matches all hosts.
type SessionQuery struct {
	Hostname string
	Status   *SessionStatus
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
