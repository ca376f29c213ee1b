package spool_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/spool"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// makeWarning returns a minimal diagnostic event for use in tests.
func makeWarning(ts uint64, msg string) events.ClientCaptureEvent {
	return events.WarningEvent{TimestampNS: ts, Message: msg}
}

// openMemSpool opens an in-memory Spool and registers t.Cleanup to close it,
// ensuring the database is closed even when tests fail.
func openMemSpool(t *testing.T) *spool.Spool {
	t.Helper()
	s, err := spool.Open(":memory:")
	if err != nil {
		t.Fatalf("spool.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestOpen_InMemory_EmptyDepth(t *testing.T) {
	s := openMemSpool(t)
	if d := s.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.db")

	s, err := spool.Open(path)
	if err != nil {
		t.Fatalf("spool.Open(%q): %v", path, err)
	}
	_ = s.Close()
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

func TestEnqueue_IncreasesDepth(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "sess-1", 1, makeWarning(100, "ring overrun")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if d := s.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestEnqueue_MultipleEvents_DepthAccumulates(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(ctx, "sess-1", uint64(i), makeWarning(uint64(i), fmt.Sprintf("w-%d", i))); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if d := s.Depth(); d != 5 {
		t.Errorf("Depth = %d after 5 enqueues, want 5", d)
	}
}

// ---------------------------------------------------------------------------
// Dequeue
// ---------------------------------------------------------------------------

func TestDequeue_ReturnsEventsInInsertionOrder(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	evs := []events.ClientCaptureEvent{
		events.WarningEvent{TimestampNS: 1, Message: "first"},
		events.LostPerfRecordsEvent{TID: 7, StartTimestampNS: 2, EndTimestampNS: 3},
		events.OutOfOrderEventsDiscardedEvent{StartTimestampNS: 4, EndTimestampNS: 5, NumDiscarded: 1},
	}
	for i, e := range evs {
		if err := s.Enqueue(ctx, "sess-1", uint64(i), e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	pending, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d events, want 3", len(pending))
	}

	wantKinds := []string{"WarningEvent", "LostPerfRecordsEvent", "OutOfOrderEventsDiscardedEvent"}
	for i, pe := range pending {
		if pe.Kind != wantKinds[i] {
			t.Errorf("event[%d].Kind = %q, want %q", i, pe.Kind, wantKinds[i])
		}
		if pe.Sequence != uint64(i) {
			t.Errorf("event[%d].Sequence = %d, want %d", i, pe.Sequence, i)
		}
		if pe.SessionID != "sess-1" {
			t.Errorf("event[%d].SessionID = %q, want sess-1", i, pe.SessionID)
		}
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = s.Enqueue(ctx, "sess-1", uint64(i), makeWarning(uint64(i), "w"))
	}

	pending, err := s.Dequeue(ctx, 4)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("Dequeue returned %d events, want 4", len(pending))
	}
}

func TestDequeue_ZeroLimit_ReturnsNil(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()
	_ = s.Enqueue(ctx, "sess-1", 0, makeWarning(0, "w"))

	pending, err := s.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue(0): %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Dequeue(0) returned %d events, want 0", len(pending))
	}
}

func TestDequeue_PayloadRoundTrips(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	orig := events.LostPerfRecordsEvent{TID: 42, StartTimestampNS: 100, EndTimestampNS: 200}
	_ = s.Enqueue(ctx, "sess-1", 9, orig)

	pending, err := s.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Dequeue returned %d events, want 1", len(pending))
	}

	decoded, err := events.Decode(pending[0].Kind, pending[0].EventJSON)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(events.LostPerfRecordsEvent)
	if !ok {
		t.Fatalf("decoded type = %T, want LostPerfRecordsEvent", decoded)
	}
	if got != orig {
		t.Errorf("decoded event = %+v, want %+v", got, orig)
	}
}

// ---------------------------------------------------------------------------
// Ack
// ---------------------------------------------------------------------------

func TestAck_MarksEventDelivered(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, "sess-1", 0, makeWarning(1, "w"))

	pending, err := s.Dequeue(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Dequeue: err=%v, got %d events", err, len(pending))
	}

	if err := s.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Depth should reach zero.
	if d := s.Depth(); d != 0 {
		t.Errorf("Depth = %d after Ack, want 0", d)
	}

	// A subsequent Dequeue should return nothing.
	pending2, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(pending2) != 0 {
		t.Errorf("second Dequeue returned %d events after Ack, want 0", len(pending2))
	}
}

func TestAck_Idempotent(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, "sess-1", 0, makeWarning(1, "w"))
	pending, _ := s.Dequeue(ctx, 1)

	// Ack twice — must not return an error or corrupt the depth counter.
	if err := s.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := s.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("second (duplicate) Ack: %v", err)
	}

	if d := s.Depth(); d != 0 {
		t.Errorf("Depth = %d after duplicate Ack, want 0", d)
	}
}

func TestAck_EmptyIDs_IsNoop(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	if err := s.Ack(ctx, nil); err != nil {
		t.Errorf("Ack(nil): unexpected error: %v", err)
	}
	if err := s.Ack(ctx, []int64{}); err != nil {
		t.Errorf("Ack([]): unexpected error: %v", err)
	}
}

func TestAck_PartialAck_LeavesPendingEvents(t *testing.T) {
	s := openMemSpool(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = s.Enqueue(ctx, "sess-1", uint64(i), makeWarning(uint64(i), "w"))
	}

	pending, _ := s.Dequeue(ctx, 10)
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending events, got %d", len(pending))
	}

	// Ack only the first event.
	if err := s.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := s.Depth(); d != 2 {
		t.Errorf("Depth = %d after partial Ack, want 2", d)
	}

	remaining, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after partial Ack: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("Dequeue returned %d events, want 2", len(remaining))
	}
}

// ---------------------------------------------------------------------------
// Crash recovery
// ---------------------------------------------------------------------------

func TestCrashRecovery_UnacknowledgedEventsRedelivered(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "spool.db")
	ctx := context.Background()

	// Phase 1 — enqueue two events; ack only the first (simulating a crash
	// that occurs before the second event is acknowledged).
	func() {
		s, err := spool.Open(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer s.Close()

		_ = s.Enqueue(ctx, "sess-1", 0, makeWarning(1, "acked"))
		_ = s.Enqueue(ctx, "sess-1", 1, makeWarning(2, "pending"))

		pending, err := s.Dequeue(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("phase 1 Dequeue: err=%v, got %d events", err, len(pending))
		}
		// Ack only the first.
		_ = s.Ack(ctx, []int64{pending[0].ID})
	}()

	// Phase 2 — reopen the database (simulating a restart after the crash).
	s2, err := spool.Open(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()

	if d := s2.Depth(); d != 1 {
		t.Errorf("after restart Depth = %d, want 1 (one unacknowledged event)", d)
	}

	pending, err := s2.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after restart: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("after restart got %d events, want 1", len(pending))
	}
	if pending[0].Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", pending[0].Sequence)
	}
}

func TestCrashRecovery_AllAcked_EmptyOnRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "spool.db")
	ctx := context.Background()

	func() {
		s, err := spool.Open(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer s.Close()

		_ = s.Enqueue(ctx, "sess-1", 0, makeWarning(1, "w1"))
		_ = s.Enqueue(ctx, "sess-1", 1, makeWarning(2, "w2"))

		pending, _ := s.Dequeue(ctx, 10)
		ids := make([]int64, len(pending))
		for i, pe := range pending {
			ids[i] = pe.ID
		}
		_ = s.Ack(ctx, ids)
	}()

	s2, err := spool.Open(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()

	if d := s2.Depth(); d != 0 {
		t.Errorf("after restart Depth = %d, want 0 (all acked)", d)
	}
}
