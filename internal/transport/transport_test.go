package transport_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/proto/capturepb"
	"github.com/captrace/captrace/internal/spool"
	"github.com/captrace/captrace/internal/transport"
)

// ---------------------------------------------------------------------------
// Mock gRPC server
// ---------------------------------------------------------------------------

// mockCaptureServer is a minimal CaptureServiceServer for tests. It records
// every received envelope and acks each one.
//
// When closeFirstStreamAfterNEvents > 0 the FIRST stream handler returns
// io.EOF (no ack) after receiving that many envelopes within a single stream
// invocation. Subsequent stream invocations always ack every envelope
// normally. This allows tests to simulate a transient server error without
// causing an infinite reconnect loop.
type mockCaptureServer struct {
	capturepb.UnimplementedCaptureServiceServer

	mu        sync.Mutex
	envelopes []*capturepb.CaptureEventEnvelope

	// closeFirstStreamAfterNEvents causes the first StreamCaptureEvents
	// invocation to return io.EOF (without an ack) after receiving this many
	// envelopes per stream. Zero means never force-close.
	closeFirstStreamAfterNEvents int

	// firstStreamClosed is set to true after the first forced close.
	firstStreamClosed atomic.Bool
}

func (s *mockCaptureServer) RegisterCapture(_ context.Context, _ *capturepb.CaptureRegistration) (*capturepb.CaptureAck, error) {
	return &capturepb.CaptureAck{
		Ok:         true,
		ProducerId: "test-producer-id",
	}, nil
}

func (s *mockCaptureServer) StreamCaptureEvents(stream capturepb.CaptureService_StreamCaptureEventsServer) error {
	perStreamCount := 0

	for {
		env, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.envelopes = append(s.envelopes, env)
		s.mu.Unlock()

		perStreamCount++

		// Force-close ONLY the first stream invocation, and only after
		// receiving the configured number of per-stream envelopes.
		if s.closeFirstStreamAfterNEvents > 0 &&
			perStreamCount >= s.closeFirstStreamAfterNEvents &&
			s.firstStreamClosed.CompareAndSwap(false, true) {
			// Return without sending an ack so the client has to retry.
			return io.EOF
		}

		// Normal case: send ack.
		if sendErr := stream.Send(&capturepb.CaptureAck{Ok: true}); sendErr != nil {
			return sendErr
		}
	}
}

// recordedSequences returns the Sequence of each received envelope in order.
func (s *mockCaptureServer) recordedSequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := make([]uint64, len(s.envelopes))
	for i, e := range s.envelopes {
		seqs[i] = e.Sequence
	}
	return seqs
}

// recordedCount returns the total number of envelopes received so far.
func (s *mockCaptureServer) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envelopes)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// startInsecureServer starts an in-process gRPC server (no TLS) on a random
// OS-assigned port and registers svc. The server is stopped when t completes.
func startInsecureServer(t *testing.T, svc capturepb.CaptureServiceServer) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gs := grpc.NewServer()
	capturepb.RegisterCaptureServiceServer(gs, svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gs.Serve(lis)
	}()
	t.Cleanup(func() {
		gs.Stop()
		<-done
	})

	return lis.Addr().String()
}

func newInsecureClient(addr string, sp transport.Spooler, logger *slog.Logger) *transport.Client {
	return transport.New(transport.Config{
		ServerAddr:     addr,
		SessionID:      "sess-test",
		TargetPID:      1234,
		ProducerName:   "test-producer",
		ClientVersion:  "v0.0.0-test",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Insecure:       true,
	}, sp, logger)
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMemSpool(t *testing.T) *spool.Spool {
	t.Helper()
	sp, err := spool.Open(":memory:")
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { _ = sp.Close() })
	return sp
}

func enqueueN(t *testing.T, sp *spool.Spool, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := events.WarningEvent{TimestampNS: uint64(i), Message: fmt.Sprintf("w-%d", i)}
		if err := sp.Enqueue(ctx, "sess-test", uint64(i+1), ev); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
}

// waitFor polls cond every 5ms until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestClient_SpoolDrainOnConnect(t *testing.T) {
	svc := &mockCaptureServer{}
	addr := startInsecureServer(t, svc)

	sp := openMemSpool(t)
	enqueueN(t, sp, 3)

	c := newInsecureClient(addr, sp, noopLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !waitFor(t, 3*time.Second, func() bool { return svc.recordedCount() == 3 }) {
		t.Fatalf("server received %d envelopes, want 3", svc.recordedCount())
	}

	// Spooled envelopes arrive in insertion order with their stored
	// sequence numbers.
	seqs := svc.recordedSequences()
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Errorf("envelope[%d].Sequence = %d, want %d", i, seq, i+1)
		}
	}

	// Every acked event is retired from the spool.
	if !waitFor(t, 3*time.Second, func() bool { return sp.Depth() == 0 }) {
		t.Errorf("spool depth = %d after drain, want 0", sp.Depth())
	}
}

func TestClient_EventsSentTotalCountsAckedEvents(t *testing.T) {
	svc := &mockCaptureServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil, noopLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	// Wait for the connection before sending live events.
	if !waitFor(t, 3*time.Second, func() bool { return c.ProducerID() != "" }) {
		t.Fatal("client never registered")
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		ev := events.CallstackSample{TID: uint32(i), TimestampNS: uint64(i)}
		if err := c.Send(ctx, ev); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	if !waitFor(t, 3*time.Second, func() bool { return c.EventsSentTotal() == 4 }) {
		t.Errorf("EventsSentTotal = %d, want 4", c.EventsSentTotal())
	}
}

func TestClient_SpoolDepthReflectsUndeliveredRows(t *testing.T) {
	sp := openMemSpool(t)
	enqueueN(t, sp, 5)

	// Not started: depth reads straight through to the spool.
	c := newInsecureClient("127.0.0.1:1", sp, noopLogger())
	if d := c.SpoolDepth(); d != 5 {
		t.Errorf("SpoolDepth = %d, want 5", d)
	}

	// No spool configured: always zero.
	c2 := newInsecureClient("127.0.0.1:1", nil, noopLogger())
	if d := c2.SpoolDepth(); d != 0 {
		t.Errorf("SpoolDepth (no spool) = %d, want 0", d)
	}
}

func TestClient_StreamErrorTriggersReconnect(t *testing.T) {
	svc := &mockCaptureServer{closeFirstStreamAfterNEvents: 1}
	addr := startInsecureServer(t, svc)

	sp := openMemSpool(t)
	enqueueN(t, sp, 2)

	c := newInsecureClient(addr, sp, noopLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	// The first stream dies after one envelope without acking it; the
	// reconnect must re-deliver both spooled events.
	if !waitFor(t, 5*time.Second, func() bool { return sp.Depth() == 0 }) {
		t.Fatalf("spool depth = %d, want 0 after reconnect drain", sp.Depth())
	}
	if c.ReconnectTotal() == 0 {
		t.Error("ReconnectTotal = 0, want ≥ 1")
	}
}

func TestClient_NoSpool_LiveEventsDelivered(t *testing.T) {
	svc := &mockCaptureServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil, noopLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !waitFor(t, 3*time.Second, func() bool { return c.ProducerID() != "" }) {
		t.Fatal("client never registered")
	}

	if err := c.Send(context.Background(), events.WarningEvent{Message: "live"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !waitFor(t, 3*time.Second, func() bool { return svc.recordedCount() == 1 }) {
		t.Fatalf("server received %d envelopes, want 1", svc.recordedCount())
	}

	svc.mu.Lock()
	env := svc.envelopes[0]
	svc.mu.Unlock()
	if env.Kind != "WarningEvent" {
		t.Errorf("envelope Kind = %q, want WarningEvent", env.Kind)
	}
	if env.SessionId != "sess-test" {
		t.Errorf("envelope SessionId = %q, want sess-test", env.SessionId)
	}
}

func TestClient_StopIsIdempotent(t *testing.T) {
	svc := &mockCaptureServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil, noopLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Stop()
	c.Stop() // must not panic or deadlock
}

func TestClient_ProducerIDSetAfterRegister(t *testing.T) {
	svc := &mockCaptureServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil, noopLogger())

	if got := c.ProducerID(); got != "" {
		t.Errorf("ProducerID before Start = %q, want empty", got)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !waitFor(t, 3*time.Second, func() bool { return c.ProducerID() == "test-producer-id" }) {
		t.Errorf("ProducerID = %q, want test-producer-id", c.ProducerID())
	}
}

func TestClient_StartRejectsMissingConfig(t *testing.T) {
	c := transport.New(transport.Config{Insecure: true}, nil, noopLogger())
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start accepted a config without ServerAddr")
	}

	c2 := transport.New(transport.Config{ServerAddr: "127.0.0.1:1", Insecure: true}, nil, noopLogger())
	if err := c2.Start(context.Background()); err == nil {
		t.Error("Start accepted a config without SessionID")
	}
}

func TestClient_StartRejectsBadCertPaths(t *testing.T) {
	c := transport.New(transport.Config{
		ServerAddr: "127.0.0.1:1",
		SessionID:  "sess-test",
		CertPath:   "/nonexistent/client.crt",
		KeyPath:    "/nonexistent/client.key",
		CAPath:     "/nonexistent/ca.crt",
	}, nil, noopLogger())

	if err := c.Start(context.Background()); err == nil {
		t.Error("Start accepted unreadable TLS credential paths")
	}
}

func TestClient_SpoolDrainOrdering_MultiBatch(t *testing.T) {
	svc := &mockCaptureServer{}
	addr := startInsecureServer(t, svc)

	sp := openMemSpool(t)
	// More than one drainBatchSize (50) worth of events.
	enqueueN(t, sp, 120)

	c := newInsecureClient(addr, sp, noopLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !waitFor(t, 10*time.Second, func() bool { return svc.recordedCount() == 120 }) {
		t.Fatalf("server received %d envelopes, want 120", svc.recordedCount())
	}

	seqs := svc.recordedSequences()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("envelopes out of order at %d: %d after %d", i, seqs[i], seqs[i-1])
		}
	}
}

// Client.Send must satisfy the shape events.SinkFunc expects so a capture
// session can be pointed straight at the transport.
func TestClient_UsableAsSink(t *testing.T) {
	svc := &mockCaptureServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil, noopLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !waitFor(t, 3*time.Second, func() bool { return c.ProducerID() != "" }) {
		t.Fatal("client never registered")
	}

	var sink events.Sink = events.SinkFunc(func(ev events.ClientCaptureEvent) {
		_ = c.Send(context.Background(), ev)
	})
	sink.Emit(events.ClockResolutionEvent{ClockResolutionNS: 1})

	if !waitFor(t, 3*time.Second, func() bool { return svc.recordedCount() == 1 }) {
		t.Errorf("server received %d envelopes, want 1", svc.recordedCount())
	}
}
