package audit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/captrace/captrace/internal/config"
)

// captureStartedPayload and captureFinishedPayload are the JSON shapes
// recorded for capture lifecycle transitions. They carry enough of
// CaptureOptions to reconstruct "what was this capture configured to do"
// from the audit trail alone, without cross-referencing the archive.
type captureStartedPayload struct {
	Event           string                `json:"event"`
	CaptureID       uuid.UUID             `json:"capture_id"`
	TargetPID       uint32                `json:"target_pid"`
	Options         config.CaptureOptions `json:"options"`
	ClockBootNS     uint64                `json:"clock_boot_ns"`
	ClockRealtimeNS uint64                `json:"clock_realtime_ns"`
}

type captureFinishedPayload struct {
	Event         string    `json:"event"`
	CaptureID     uuid.UUID `json:"capture_id"`
	Status        string    `json:"status"`
	DurationNS    uint64    `json:"duration_ns"`
	EventsEmitted uint64    `json:"events_emitted"`
	Reason        string    `json:"reason,omitempty"`
}

type configRejectedPayload struct {
	Event     string    `json:"event"`
	CaptureID uuid.UUID `json:"capture_id"`
	Reason    string    `json:"reason"`
}

// LogCaptureStarted appends a CaptureStarted entry to the hash-chained log,
// recording the resolved options a capture actually ran with (spec.md §6
// CaptureStarted, §7 "every capture's configuration is reconstructable from
// the audit trail alone").
func (l *Logger) LogCaptureStarted(id uuid.UUID, targetPID uint32, opts config.CaptureOptions, clockBootNS, clockRealtimeNS uint64) (Entry, error) {
	return l.appendJSON(captureStartedPayload{
		Event:           "capture_started",
		CaptureID:       id,
		TargetPID:       targetPID,
		Options:         opts,
		ClockBootNS:     clockBootNS,
		ClockRealtimeNS: clockRealtimeNS,
	})
}

// LogCaptureFinished appends a CaptureFinished entry, recording whether the
// capture ended because the caller stopped it, the target exited, or an
// unrecoverable error occurred.
func (l *Logger) LogCaptureFinished(id uuid.UUID, status string, durationNS, eventsEmitted uint64, reason string) (Entry, error) {
	return l.appendJSON(captureFinishedPayload{
		Event:         "capture_finished",
		CaptureID:     id,
		Status:        status,
		DurationNS:    durationNS,
		EventsEmitted: eventsEmitted,
		Reason:        reason,
	})
}

// LogConfigRejected appends an entry for a CaptureOptions RPC request that
// failed validation before any capture resources were allocated (spec.md §7
// "Configuration rejections").
func (l *Logger) LogConfigRejected(id uuid.UUID, reason string) (Entry, error) {
	return l.appendJSON(configRejectedPayload{
		Event:     "config_rejected",
		CaptureID: id,
		Reason:    reason,
	})
}

func (l *Logger) appendJSON(v any) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal capture payload: %w", err)
	}
	return l.Append(raw)
}
