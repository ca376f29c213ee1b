// Package grpc implements the capture server's gRPC ingestion surface: the
// CaptureService that capturing hosts stream their ClientCaptureEvent
// envelopes to.
//
// The Server type owns the mTLS listener bootstrap; CaptureService holds the
// RPC semantics (registration, envelope validation, persistence, WebSocket
// fan-out). They are separate so that CaptureService can be unit-tested with
// hand-rolled streams while Server is exercised with a real TLS handshake.
//
// Lifecycle
//
//	svc := grpc.NewCaptureService(ar, bc, logger)
//	srv, err := grpc.New(grpc.Config{Addr: ":4443", ...}, logger, svc)
//	err = srv.Serve(ctx)
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/captrace/captrace/internal/proto/capturepb"
)

// Config holds the listener configuration for the capture gRPC server.
type Config struct {
	// Addr is the TCP listen address (e.g. "0.0.0.0:4443"). Required for
	// Serve; ignored by ServeOnListener.
	Addr string

	// CertPath is the path to the PEM-encoded server certificate. Required.
	CertPath string

	// KeyPath is the path to the PEM-encoded server private key. Required.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// client certificates (mTLS). Required.
	CAPath string
}

// Server wraps a grpc.Server with the capture server's mTLS configuration
// and context-cancellation-driven graceful stop.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	grpcServer *grpc.Server
}

// New builds the mTLS credentials from cfg and registers svc on a new gRPC
// server. It returns an error when any of the certificate files cannot be
// loaded or parsed.
func New(cfg Config, logger *slog.Logger, svc capturepb.CaptureServiceServer) (*Server, error) {
	serverCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("grpc: load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("grpc: read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("grpc: parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},

		// Every connecting capture host must present a certificate signed by
		// our CA; the CN identifies the host.
		ClientCAs:  caPool,
		ClientAuth: tls.RequireAndVerifyClientCert,

		MinVersion: tls.VersionTLS12,
	}

	gs := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsCfg)),
		grpc.UnaryInterceptor(peerCNUnaryInterceptor),
		grpc.StreamInterceptor(peerCNStreamInterceptor),
	)
	capturepb.RegisterCaptureServiceServer(gs, svc)

	return &Server{
		cfg:        cfg,
		logger:     logger,
		grpcServer: gs,
	}, nil
}

// Serve listens on cfg.Addr and blocks until ctx is cancelled or the
// listener fails. Cancellation triggers a graceful stop that drains
// in-flight streams.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpc: listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener is Serve with a caller-supplied listener, useful for tests
// that want an OS-assigned port.
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	s.logger.Info("grpc: capture server listening",
		slog.String("addr", lis.Addr().String()))

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpc: serve: %w", err)
	}
	return nil
}

// Stop forces an immediate stop, terminating in-flight streams. Prefer
// cancelling the Serve context for a graceful drain.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// ─── Peer-CN context plumbing ────────────────────────────────────────────────

type peerCNKey struct{}

// PeerCNFromContext returns the CommonName of the verified mTLS client
// certificate for the current RPC, as injected by the server interceptors.
// ok is false on a context that did not pass through them (or a connection
// with no verified client certificate).
func PeerCNFromContext(ctx context.Context) (cn string, ok bool) {
	cn, ok = ctx.Value(peerCNKey{}).(string)
	return cn, ok && cn != ""
}

// certCN extracts the CommonName from the mTLS client certificate attached
// to ctx. Returns an empty string when no peer info or certificate is
// available.
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}

func peerCNUnaryInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(context.WithValue(ctx, peerCNKey{}, certCN(ctx)), req)
}

func peerCNStreamInterceptor(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return handler(srv, &cnServerStream{
		ServerStream: ss,
		ctx:          context.WithValue(ss.Context(), peerCNKey{}, certCN(ss.Context())),
	})
}

// cnServerStream overrides Context() to carry the peer CN.
type cnServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *cnServerStream) Context() context.Context { return s.ctx }
