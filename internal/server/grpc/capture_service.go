package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/captrace/captrace/internal/archive"
	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/proto/capturepb"
	ws "github.com/captrace/captrace/internal/server/websocket"
)

// Store is the subset of the archive layer used by CaptureService. Declaring
// a local interface (rather than importing the concrete type) makes the
// service trivially testable with a stub.
type Store interface {
	// UpsertSession inserts or refreshes a capture session record. Reconnects
	// re-register the same session_id; the archive keeps the original
	// started_at row authoritative.
	UpsertSession(ctx context.Context, s archive.Session) error
	// FinishSession records the terminal state and summary counters.
	FinishSession(ctx context.Context, sessionID string, st archive.SessionStatus, stoppedAt time.Time, eventsTotal, lostRecordsTotal int64) error
	// BatchInsertDiagnostics persists one diagnostic event (batched).
	BatchInsertDiagnostics(ctx context.Context, d archive.Diagnostic) error
}

// Broadcaster is the subset of the websocket.Broadcaster interface used by
// CaptureService.
type Broadcaster interface {
	Publish(d ws.EventData)
}

// CaptureService implements capturepb.CaptureServiceServer. It validates
// incoming envelopes, persists session metadata and diagnostic events to
// PostgreSQL, and publishes every envelope to the WebSocket broadcaster for
// real-time viewer delivery.
type CaptureService struct {
	capturepb.UnimplementedCaptureServiceServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger

	// mu guards producers and counters.
	mu sync.Mutex
	// producers maps (session_id, producer_name) to the producer_id assigned
	// on first registration, so reconnecting producers keep their identity.
	producers map[producerKey]string
	// counters accumulates per-session totals written back to the archive
	// when the session's CaptureFinished envelope arrives.
	counters map[string]*sessionCounters
}

type producerKey struct {
	sessionID    string
	producerName string
}

type sessionCounters struct {
	events      int64
	lostRecords int64
}

// NewCaptureService creates a CaptureService.
//
//   - store must be an open, ready-to-use archive.Archive (or a test stub).
//   - broadcaster must be a running websocket.Broadcaster (or a test stub).
//   - logger is used for structured per-envelope logging.
func NewCaptureService(store Store, broadcaster Broadcaster, logger *slog.Logger) *CaptureService {
	return &CaptureService{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		producers:   make(map[producerKey]string),
		counters:    make(map[string]*sessionCounters),
	}
}

// RegisterCapture implements capturepb.CaptureServiceServer.RegisterCapture.
//
// It upserts a session record in the archive, deriving the hostname from the
// mTLS client-certificate CN when available, falling back to the producer
// name in the request, and returns the producer_id the client must treat as
// its identity for the rest of the capture. Re-registration with the same
// (session_id, producer_name) pair returns the same producer_id so that
// reconnects keep correlating.
func (s *CaptureService) RegisterCapture(ctx context.Context, req *capturepb.CaptureRegistration) (*capturepb.CaptureAck, error) {
	sessionID := req.GetSessionId()
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "register_capture: session_id %q is not a UUID", sessionID)
	}
	if req.GetProducerName() == "" {
		return nil, status.Error(codes.InvalidArgument, "register_capture: producer_name must not be empty")
	}

	// Prefer the CN embedded in the client certificate over the
	// self-reported producer name so that identity is tied to the PKI, not
	// the client's claim.
	hostname := req.GetProducerName()
	if cn, ok := PeerCNFromContext(ctx); ok {
		hostname = cn
	}

	now := time.Now().UTC()
	sess := archive.Session{
		SessionID:     sessionID,
		Hostname:      hostname,
		TargetPID:     req.GetTargetPid(),
		ProducerName:  req.GetProducerName(),
		ClientVersion: req.GetClientVersion(),
		StartedAt:     now,
		Status:        archive.SessionRunning,
	}
	if err := s.store.UpsertSession(ctx, sess); err != nil {
		s.logger.Error("register_capture: upsert session failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register_capture: store: %v", err)
	}

	producerID := s.producerID(sessionID, req.GetProducerName())

	s.logger.Info("capture registered",
		slog.String("session_id", sessionID),
		slog.String("hostname", hostname),
		slog.String("producer_name", req.GetProducerName()),
		slog.String("producer_id", producerID),
		slog.Uint64("target_pid", uint64(req.GetTargetPid())),
	)

	return &capturepb.CaptureAck{
		Ok:         true,
		ProducerId: producerID,
	}, nil
}

// producerID returns the stable producer_id for (sessionID, producerName),
// allocating one on first use.
func (s *CaptureService) producerID(sessionID, producerName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := producerKey{sessionID, producerName}
	if id, ok := s.producers[key]; ok {
		return id
	}
	id := uuid.NewString()
	s.producers[key] = id
	return id
}

// StreamCaptureEvents implements the bidirectional envelope stream.
//
// The method reads CaptureEventEnvelope messages from the client stream
// until EOF or context cancellation. For each valid envelope it:
//  1. Validates required fields and that the payload decodes as the named
//     ClientCaptureEvent kind.
//  2. Persists diagnostic-class events via store.BatchInsertDiagnostics
//     (batched, non-blocking) and folds counters for the session summary.
//  3. Publishes the envelope to the WebSocket broadcaster using a
//     non-blocking send so slow or disconnected viewers cannot stall this
//     goroutine.
//  4. Sends an ack back to the client, which drives its spool retirement.
//
// Invalid envelopes receive an error ack and are not persisted.
func (s *CaptureService) StreamCaptureEvents(stream capturepb.CaptureService_StreamCaptureEventsServer) error {
	ctx := stream.Context()

	for {
		env, err := stream.Recv()
		if err != nil {
			// io.EOF is the canonical end-of-stream signal from the gRPC
			// runtime. Context cancellation and deadline exceeded are also
			// normal closure (client restart, timeout). All other errors are
			// genuine transport failures and are returned so that the caller
			// can observe and log them.
			if err == io.EOF ||
				err == context.Canceled ||
				err == context.DeadlineExceeded ||
				status.Code(err) == codes.Canceled ||
				status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("stream_capture_events: stream closed", slog.Any("reason", err))
				return nil
			}
			s.logger.Error("stream_capture_events: transport error", slog.Any("error", err))
			return err
		}

		ev, validationErr := s.validateEnvelope(env)
		if validationErr != nil {
			s.logger.Warn("stream_capture_events: invalid envelope rejected",
				slog.String("session_id", env.GetSessionId()),
				slog.Uint64("sequence", env.GetSequence()),
				slog.String("reason", validationErr.Error()),
			)
			if sendErr := stream.Send(errorAck(validationErr)); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := s.handleEvent(ctx, env, ev); err != nil {
			s.logger.Error("stream_capture_events: persist failed",
				slog.String("session_id", env.GetSessionId()),
				slog.String("kind", env.GetKind()),
				slog.Any("error", err),
			)
			if sendErr := stream.Send(errorAck(err)); sendErr != nil {
				return sendErr
			}
			continue
		}

		// Fan the envelope to all connected WebSocket viewers. This is a
		// non-blocking call: a stalled viewer never blocks this goroutine.
		s.broadcaster.Publish(ws.EventData{
			SessionID: env.GetSessionId(),
			Sequence:  env.GetSequence(),
			Kind:      env.GetKind(),
			Event:     json.RawMessage(env.GetEventJson()),
		})

		if sendErr := stream.Send(&capturepb.CaptureAck{Ok: true}); sendErr != nil {
			return sendErr
		}
	}
}

// validateEnvelope checks the envelope's required fields and decodes the
// payload into its typed event.
//
// Validation rules:
//   - session_id must be a UUID.
//   - kind must name a known ClientCaptureEvent variant.
//   - event_json must decode as that variant.
func (s *CaptureService) validateEnvelope(env *capturepb.CaptureEventEnvelope) (events.ClientCaptureEvent, error) {
	if _, err := uuid.Parse(env.GetSessionId()); err != nil {
		return nil, fmt.Errorf("session_id %q is not a UUID", env.GetSessionId())
	}
	if env.GetKind() == "" {
		return nil, fmt.Errorf("kind is required")
	}
	ev, err := events.Decode(env.GetKind(), env.GetEventJson())
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// handleEvent persists what the archive wants out of ev and folds the
// session counters.
func (s *CaptureService) handleEvent(ctx context.Context, env *capturepb.CaptureEventEnvelope, ev events.ClientCaptureEvent) error {
	sessionID := env.GetSessionId()

	s.mu.Lock()
	c, ok := s.counters[sessionID]
	if !ok {
		c = &sessionCounters{}
		s.counters[sessionID] = c
	}
	c.events++
	s.mu.Unlock()

	switch e := ev.(type) {
	case events.LostPerfRecordsEvent:
		s.mu.Lock()
		c.lostRecords++
		s.mu.Unlock()
		return s.insertDiagnostic(ctx, env, int64(e.StartTimestampNS))

	case events.OutOfOrderEventsDiscardedEvent:
		return s.insertDiagnostic(ctx, env, int64(e.StartTimestampNS))

	case events.WarningEvent:
		return s.insertDiagnostic(ctx, env, int64(e.TimestampNS))

	case events.CaptureFinished:
		st := archive.SessionSuccessful
		if e.Status == events.CaptureFailed {
			st = archive.SessionFailed
		}
		s.mu.Lock()
		eventsTotal, lostTotal := c.events, c.lostRecords
		delete(s.counters, sessionID)
		s.mu.Unlock()
		if err := s.store.FinishSession(ctx, sessionID, st, time.Now().UTC(), eventsTotal, lostTotal); err != nil {
			return err
		}
		s.logger.Info("capture finished",
			slog.String("session_id", sessionID),
			slog.String("status", string(st)),
			slog.Int64("events_total", eventsTotal),
			slog.Int64("lost_records_total", lostTotal),
		)
		return nil

	default:
		// Everything else flows through to the broadcaster only; the archive
		// stores session metadata and diagnostics, not the event stream
		// itself (the capture file container is out of scope).
		return nil
	}
}

// insertDiagnostic persists one diagnostic-class envelope.
func (s *CaptureService) insertDiagnostic(ctx context.Context, env *capturepb.CaptureEventEnvelope, timestampNS int64) error {
	return s.store.BatchInsertDiagnostics(ctx, archive.Diagnostic{
		DiagnosticID: uuid.NewString(),
		SessionID:    env.GetSessionId(),
		TimestampNS:  timestampNS,
		Kind:         env.GetKind(),
		Event:        json.RawMessage(env.GetEventJson()),
		ReceivedAt:   time.Now().UTC(),
	})
}

// errorAck builds a rejection ack containing the reason.
func errorAck(err error) *capturepb.CaptureAck {
	return &capturepb.CaptureAck{
		Ok:    false,
		Error: err.Error(),
	}
}

// Ensure Broadcaster is satisfied by the concrete websocket type at compile
// time.
var _ Broadcaster = (*ws.Broadcaster)(nil)
