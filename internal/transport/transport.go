// Package transport implements the gRPC client side of the CaptureService:
// it ships a capture session's ClientCaptureEvent stream from the capturing
// host to a capture server over a persistent bidirectional stream.
//
// # Overview
//
// Client connects to the capture server using mutual TLS (mTLS): the
// capturing host presents a client certificate to prove its identity, and it
// verifies the server's certificate against a trusted CA.
//
// Once connected, the client:
//  1. Calls RegisterCapture to exchange session metadata and receive a
//     server-assigned producer_id.
//  2. Opens the StreamCaptureEvents bidirectional stream and first drains any
//     events spooled while disconnected (oldest first), retiring each spool
//     row only after the server acks its envelope.
//  3. Forwards live events from Send, counting server acks in the background.
//
// # Reconnection
//
// If the connection drops for any reason, Client reconnects automatically
// using exponential backoff: each successive failure grows the wait interval
// up to MaxBackoff. On a successful connection the backoff resets to
// InitialBackoff so that a transient fault is not penalised on the next
// failure.
//
// # Usage
//
//	c := transport.New(transport.Config{
//	    ServerAddr: "captures.example.com:4443",
//	    CertPath:   "/etc/captrace/host.crt",
//	    KeyPath:    "/etc/captrace/host.key",
//	    CAPath:     "/etc/captrace/ca.crt",
//	    SessionID:  session.ID().String(),
//	}, sp, logger)
//
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
//
//	err = c.Send(ctx, ev)
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/proto/capturepb"
	"github.com/captrace/captrace/internal/spool"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second

	// drainBatchSize is the number of events dequeued per iteration in
	// drainSpool.
	drainBatchSize = 50

	// liveChanCap is the capacity of the buffered channel used to forward
	// live envelopes from Send to the stream goroutine.
	liveChanCap = 256
)

// Spooler is the subset of [spool.Spool] used by Client. It is satisfied by
// *spool.Spool and can be stubbed in unit tests.
type Spooler interface {
	// Dequeue returns up to n unacknowledged events in insertion order.
	Dequeue(ctx context.Context, n int) ([]spool.PendingEvent, error)
	// Ack marks events as delivered. Idempotent.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the count of pending (unacknowledged) events.
	Depth() int
}

// Config holds the configuration for the capture transport client.
type Config struct {
	// ServerAddr is the "host:port" of the capture server's gRPC endpoint.
	// Required.
	ServerAddr string

	// CertPath is the path to the PEM-encoded client TLS certificate.
	// Required when Insecure is false.
	CertPath string

	// KeyPath is the path to the PEM-encoded client TLS private key.
	// Required when Insecure is false.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the capture server's TLS certificate. Required when Insecure is false.
	CAPath string

	// ServerName overrides the TLS server name for SNI verification. When
	// empty the hostname portion of ServerAddr is used. Ignored when
	// Insecure is true.
	ServerName string

	// SessionID identifies the capture session every envelope belongs to.
	// Required.
	SessionID string

	// TargetPID is the pid of the profiled process, sent in RegisterCapture.
	TargetPID uint32

	// ProducerName is the logical producer name sent in RegisterCapture
	// (e.g. "kernel-tracing"). Defaults to the OS hostname when empty.
	ProducerName string

	// ClientVersion is the human-readable version string sent during
	// registration.
	ClientVersion string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to
	// 2 minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long the client waits for the RegisterCapture
	// RPC to complete on each connection attempt. Defaults to 30 seconds
	// when zero.
	DialTimeout time.Duration

	// Insecure disables TLS entirely. Use only in tests; never in
	// production.
	Insecure bool
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ProducerName == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		c.ProducerName = h
	}
}

// Client streams CaptureEventEnvelopes to the capture server via a
// mTLS-protected gRPC bidirectional stream, maintaining the connection with
// exponential-backoff reconnection. It is safe for concurrent use: Send may
// be called from any goroutine while the internal run loop manages the
// stream.
//
// Use [New] to construct a Client. Call [Client.Start] once to begin the
// connection loop. Call [Client.Stop] to shut down cleanly.
type Client struct {
	cfg    Config
	spool  Spooler
	logger *slog.Logger

	// creds is loaded once in Start and reused on every reconnect.
	creds credentials.TransportCredentials

	// liveCh carries envelopes from Send to the run-loop goroutine.
	liveCh chan *capturepb.CaptureEventEnvelope

	// sequence numbers every envelope this client produces, spooled or live.
	sequence atomic.Uint64

	// producerID is set after each successful RegisterCapture call.
	// Protected by prodMu so that both the run loop (writer) and callers
	// (readers) can access it safely.
	prodMu     sync.RWMutex
	producerID string

	// cancel terminates the connection loop; set by Start.
	cancel   context.CancelFunc
	stopOnce sync.Once

	// wg tracks the run goroutine so Stop can wait for it.
	wg sync.WaitGroup

	// Counters.
	eventsSentTotal atomic.Int64
	reconnectTotal  atomic.Int64
}

// New creates a new Client but does not start it. Call [Client.Start] to
// begin the connection loop.
//
//   - cfg must have ServerAddr and SessionID set; CertPath/KeyPath/CAPath
//     are required unless cfg.Insecure is true (testing only).
//   - sp is the local event spool; it is drained on each reconnect. May be
//     nil, in which case draining is skipped.
func New(cfg Config, sp Spooler, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		spool:  sp,
		logger: logger,
		liveCh: make(chan *capturepb.CaptureEventEnvelope, liveChanCap),
	}
}

// Start validates the mTLS credentials from disk, then launches a background
// goroutine that connects to the capture server and keeps the connection
// alive.
//
// Start returns an error only if the TLS certificate files cannot be loaded
// or required config is missing. All connectivity failures (server
// unreachable, registration errors) are handled internally with
// exponential-backoff retries.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.ServerAddr == "" {
		return fmt.Errorf("transport: ServerAddr is required")
	}
	if c.cfg.SessionID == "" {
		return fmt.Errorf("transport: SessionID is required")
	}

	creds, err := c.loadTLSCredentials()
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	c.creds = creds

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(runCtx)

	return nil
}

// Send wraps ev in a CaptureEventEnvelope and forwards it to the live
// channel consumed by the stream goroutine.
//
// Send returns an error if the live channel is full (backpressure from a
// slow stream) or if ev cannot be encoded. A failed Send is not fatal when
// the caller also spools the event; the spool drain on reconnect
// re-delivers it.
func (c *Client) Send(ctx context.Context, ev events.ClientCaptureEvent) error {
	kind, payload, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	env := &capturepb.CaptureEventEnvelope{
		SessionId: c.cfg.SessionID,
		Sequence:  c.sequence.Add(1),
		Kind:      kind,
		EventJson: payload,
	}

	select {
	case c.liveCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("transport: live channel full")
	}
}

// Stop cancels the connection loop and waits for all background goroutines
// to exit. It is safe to call Stop multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.wg.Wait()
}

// EventsSentTotal returns the total number of envelopes acknowledged by the
// server since the client was created.
func (c *Client) EventsSentTotal() int64 { return c.eventsSentTotal.Load() }

// ReconnectTotal returns the total number of connection losses since the
// client was created.
func (c *Client) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// SpoolDepth delegates to the underlying Spooler.Depth. It returns 0 when
// no spool is configured.
func (c *Client) SpoolDepth() int {
	if c.spool == nil {
		return 0
	}
	return c.spool.Depth()
}

// ProducerID returns the producer_id assigned by the server during the most
// recent successful RegisterCapture call. It returns an empty string before
// the first successful registration.
func (c *Client) ProducerID() string {
	c.prodMu.RLock()
	defer c.prodMu.RUnlock()
	return c.producerID
}

// ─── Connection loop ──────────────────────────────────────────────────────────

// run iterates until ctx is cancelled. On each iteration it calls connect,
// which blocks for the lifetime of one gRPC connection. Between failed
// attempts (or after a connection is lost) it applies exponential backoff.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("transport: connecting to capture server",
			slog.String("addr", c.cfg.ServerAddr))

		wasConnected, err := c.connect(ctx)

		// If the context was cancelled while connecting, exit cleanly.
		if ctx.Err() != nil {
			return
		}

		c.reconnectTotal.Add(1)

		if wasConnected {
			// Successful connection followed by a disconnection: reset the
			// backoff so the next reconnect starts from InitialBackoff again.
			b.Reset()
		}

		if err != nil {
			c.logger.Warn("transport: connection ended",
				slog.Any("error", err),
				slog.String("addr", c.cfg.ServerAddr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			// Should not happen when MaxElapsedTime == 0, but guard anyway.
			c.logger.Error("transport: backoff exhausted; giving up")
			return
		}

		c.logger.Info("transport: will reconnect",
			slog.String("addr", c.cfg.ServerAddr),
			slog.Duration("after", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect performs one full connection lifecycle:
//  1. Dials the capture server.
//  2. Calls RegisterCapture to obtain a producer_id.
//  3. Opens the StreamCaptureEvents bidirectional stream.
//  4. Drains the local spool, then forwards live events until the stream
//     closes or ctx is cancelled.
//
// It returns (true, err) when the stream was successfully established
// before failing, or (false, err) when the dial or registration itself
// failed.
func (c *Client) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(
		c.cfg.ServerAddr,
		grpc.WithTransportCredentials(c.creds),
	)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.ServerAddr, err)
	}
	defer conn.Close()

	client := capturepb.NewCaptureServiceClient(conn)

	// RegisterCapture enforces the per-attempt dial timeout.
	regCtx, regCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	resp, err := client.RegisterCapture(regCtx, &capturepb.CaptureRegistration{
		SessionId:     c.cfg.SessionID,
		TargetPid:     c.cfg.TargetPID,
		ProducerName:  c.cfg.ProducerName,
		ClientVersion: c.cfg.ClientVersion,
	})
	regCancel()
	if err != nil {
		return false, fmt.Errorf("RegisterCapture: %w", err)
	}
	if !resp.GetOk() {
		return false, fmt.Errorf("RegisterCapture rejected: %s", resp.GetError())
	}

	c.prodMu.Lock()
	c.producerID = resp.GetProducerId()
	c.prodMu.Unlock()

	c.logger.Info("transport: capture registered",
		slog.String("producer_id", resp.GetProducerId()),
		slog.String("addr", c.cfg.ServerAddr))

	// Open the bidirectional envelope stream.
	stream, err := client.StreamCaptureEvents(ctx)
	if err != nil {
		return false, fmt.Errorf("StreamCaptureEvents: %w", err)
	}

	// Spooled events go first so that ordering within the spool is
	// preserved relative to reconnects.
	if c.spool != nil && c.spool.Depth() > 0 {
		c.logger.Info("transport: draining spool before live events",
			slog.Int("depth", c.spool.Depth()))
		if err := c.drainSpool(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("spool drain: %w", err)
		}
		c.logger.Info("transport: spool drain complete")
	}

	err = c.processLive(ctx, stream)
	if ctx.Err() != nil {
		return true, nil
	}
	return true, err
}

// drainSpool sends all pending envelopes from the spool to the server in
// FIFO order, waiting for the per-envelope ack before retiring each spool
// row. Envelopes the server rejects are left in the spool (delivered=0) so
// they are retried on the next reconnect. Any stream send/recv error
// terminates the drain and is returned to the caller.
func (c *Client) drainSpool(ctx context.Context, stream capturepb.CaptureService_StreamCaptureEventsClient) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pending, err := c.spool.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			// Spool is empty; drain complete.
			return nil
		}

		delivered := 0
		for _, pe := range pending {
			if err := stream.Send(&capturepb.CaptureEventEnvelope{
				SessionId: pe.SessionID,
				Sequence:  pe.Sequence,
				Kind:      pe.Kind,
				EventJson: pe.EventJSON,
			}); err != nil {
				return fmt.Errorf("send (spooled): %w", err)
			}

			ack, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ack (spooled): %w", err)
			}

			if ack.GetOk() {
				if ackErr := c.spool.Ack(ctx, []int64{pe.ID}); ackErr != nil {
					// Log but do not abort the drain; the event will be
					// re-delivered on the next reconnect.
					c.logger.Warn("transport: spool Ack failed",
						slog.Int64("spool_id", pe.ID),
						slog.Any("error", ackErr))
				} else {
					delivered++
					c.eventsSentTotal.Add(1)
					c.logger.Debug("transport: spooled event delivered",
						slog.String("kind", pe.Kind),
						slog.Uint64("sequence", pe.Sequence))
				}
			} else {
				c.logger.Warn("transport: server rejected spooled event",
					slog.String("kind", pe.Kind),
					slog.Uint64("sequence", pe.Sequence),
					slog.String("error", ack.GetError()))
				// Do not ack — retry on next reconnect.
			}
		}
		if delivered == 0 {
			// Only rejected or un-acked rows remain at the head of the
			// spool; leave them for the next reconnect.
			return nil
		}
	}
}

// processLive forwards live envelopes received from [Client.Send] onto the
// gRPC stream. It starts a background goroutine that reads acks and
// increments eventsSentTotal. The method returns when ctx is cancelled, the
// server closes the stream (EOF), or a send or receive error occurs.
func (c *Client) processLive(ctx context.Context, stream capturepb.CaptureService_StreamCaptureEventsClient) error {
	// Receive acks from the server in a separate goroutine so that the send
	// path is not blocked waiting for each individual ack. Per the gRPC Go
	// documentation it is safe to call Send and Recv concurrently on the
	// same stream from different goroutines.
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if ack.GetOk() {
				c.eventsSentTotal.Add(1)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case env := <-c.liveCh:
			if err := stream.Send(env); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

// ─── TLS helpers ─────────────────────────────────────────────────────────────

// loadTLSCredentials reads the client certificate+key and the CA certificate
// from the configured paths, then constructs gRPC transport credentials for
// mTLS. The ServerName is derived from the host component of ServerAddr so
// that the TLS handshake verifies the server's certificate CN/SAN. When
// cfg.Insecure is true it returns insecure credentials (testing only).
func (c *Client) loadTLSCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w",
			c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	serverName := c.cfg.ServerName
	if serverName == "" {
		host, _, splitErr := net.SplitHostPort(c.cfg.ServerAddr)
		if splitErr != nil {
			// ServerAddr has no port; use it verbatim as the server name.
			host = c.cfg.ServerAddr
		}
		serverName = host
	}

	tlsCfg := &tls.Config{
		// Present the client certificate for mutual authentication.
		Certificates: []tls.Certificate{clientCert},

		// Verify the capture server's certificate against our CA pool.
		RootCAs: caPool,

		// ServerName must match the CN or a SAN in the server's certificate.
		ServerName: serverName,

		// Enforce TLS 1.2 minimum to match the server configuration.
		MinVersion: tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsCfg), nil
}
