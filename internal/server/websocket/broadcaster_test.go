package websocket_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	ws "github.com/captrace/captrace/internal/server/websocket"
)

func newTestBroadcaster() *ws.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ws.NewBroadcaster(logger, 16)
}

func testEvent(seq uint64) ws.EventData {
	return ws.EventData{
		SessionID: "sess-uuid",
		Sequence:  seq,
		Kind:      "CallstackSample",
		Event:     json.RawMessage(`{"TID":42,"TimestampNS":1000}`),
	}
}

// TestBroadcasterRegisterUnregister verifies that Register/Unregister work and
// that ClientCount tracks the number of connected clients.
func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	// Send channel should be closed after unregister.
	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	_ = c2
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

// TestBroadcasterBroadcast verifies that Broadcast delivers the message to all
// registered clients with correct JSON structure.
func TestBroadcasterBroadcast(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	msg := ws.EventMessage{
		Type: "capture_event",
		Data: testEvent(7),
	}

	bc.Broadcast(msg)

	// Both clients should receive the message within a short timeout.
	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got ws.EventMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "capture_event" {
				t.Errorf("got type %q, want %q", got.Type, "capture_event")
			}
			if got.Data.SessionID != "sess-uuid" {
				t.Errorf("got session_id %q, want %q", got.Data.SessionID, "sess-uuid")
			}
			if got.Data.Sequence != 7 {
				t.Errorf("got sequence %d, want 7", got.Data.Sequence)
			}
			if got.Data.Kind != "CallstackSample" {
				t.Errorf("got kind %q, want CallstackSample", got.Data.Kind)
			}
		case <-deadline:
			t.Fatal("timeout waiting for broadcast message")
		}
	}
}

// TestBroadcasterPublishReachesSubscribers verifies that Publish delivers the
// EventData to anonymous subscribers as well as registered clients.
func TestBroadcasterPublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bc.Subscribe(ctx)
	c := bc.Register("c1")
	defer bc.Unregister("c1")

	bc.Publish(testEvent(3))

	select {
	case d := <-sub:
		if d.Sequence != 3 {
			t.Errorf("subscriber got sequence %d, want 3", d.Sequence)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for subscriber delivery")
	}

	select {
	case raw := <-c.Send():
		var got ws.EventMessage
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Data.Sequence != 3 {
			t.Errorf("client got sequence %d, want 3", got.Data.Sequence)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for client delivery")
	}
}

// TestBroadcasterDropsWhenBufferFull verifies that a slow client's send buffer
// fills up and subsequent messages are dropped (Dropped counter is incremented).
func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := ws.NewBroadcaster(logger, 2) // tiny buffer

	c := bc.Register("slow-client")
	defer bc.Unregister("slow-client")

	msg := ws.EventMessage{Type: "capture_event", Data: testEvent(0)}

	// Fill the buffer (2 slots).
	bc.Broadcast(msg)
	bc.Broadcast(msg)

	// This one should be dropped.
	bc.Broadcast(msg)

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

// TestBroadcasterUnregisterNonexistent verifies that unregistering an unknown
// client ID is a no-op and does not panic.
func TestBroadcasterUnregisterNonexistent(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	// Should not panic.
	bc.Unregister("does-not-exist")
}

// TestBroadcastEmptyRoom verifies that broadcasting with no clients registered
// does not panic or block.
func TestBroadcastEmptyRoom(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	// Should not panic or block.
	bc.Broadcast(ws.EventMessage{Type: "capture_event", Data: testEvent(0)})
}

// TestBroadcasterCloseShutsDownCleanly verifies that Close closes every
// client and subscriber channel and turns later calls into no-ops.
func TestBroadcasterCloseShutsDownCleanly(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	c := bc.Register("c1")
	sub := bc.Subscribe(context.Background())

	bc.Close()

	if _, ok := <-c.Send(); ok {
		t.Error("client channel still open after Close")
	}
	if _, ok := <-sub; ok {
		t.Error("subscriber channel still open after Close")
	}

	// Publishing after Close must not panic.
	bc.Publish(testEvent(1))

	if ch := bc.Subscribe(context.Background()); ch == nil {
		t.Error("Subscribe after Close returned nil channel")
	} else if _, ok := <-ch; ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}
