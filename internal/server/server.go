package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/opendsc/opendsc/pkg/logging"
)

const (
	// DefaultReadHeaderTimeout is the timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds response writes. Bundle streams for large
	// configurations need headroom here.
	DefaultWriteTimeout = 120 * time.Second
	// DefaultIdleTimeout is the idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second
	// DefaultShutdownGrace is how long Stop waits for in-flight requests.
	DefaultShutdownGrace = 10 * time.Second

	// maxUploadBytes caps multipart version uploads.
	maxUploadBytes = 128 << 20
	// maxBodyBytes caps plain JSON and parameter document bodies.
	maxBodyBytes = 8 << 20
)

// Config carries the listener settings for the pull server.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// TLSCertFile and TLSKeyFile enable TLS when both are set. Without
	// them the server speaks plain HTTP, which disables the node surface
	// (nodes authenticate by client certificate).
	TLSCertFile string
	TLSKeyFile  string
}

// Server is the OpenDSC pull server: the node-facing bundle surface plus the
// operator REST API, both under /api/v1. Handlers are resolved through the
// api registry at request time, so the server carries no service references
// of its own.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	metrics    *serverMetrics
	certs      *certReloader
}

// New creates a pull server for the given listener configuration.
func New(config Config) (*Server, error) {
	s := &Server{
		config:  config,
		metrics: newServerMetrics(),
	}

	if config.TLSCertFile != "" || config.TLSKeyFile != "" {
		if config.TLSCertFile == "" || config.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS requires both a certificate and a key file")
		}
		reloader, err := newCertReloader(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.certs = reloader
	}

	s.handler = s.metrics.instrument(s.routes())
	return s, nil
}

// Handler returns the fully wired HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully. It returns
// once the listener is closed and in-flight requests have drained.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	serveErr := make(chan error, 1)
	if s.certs != nil {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.certs.getCertificate,
			// Nodes present self-signed certificates; the handshake
			// accepts any client cert and the fingerprint is matched
			// against registered nodes in the handler layer.
			ClientAuth: tls.RequestClientCert,
		}
		s.certs.watch(ctx)
		logging.Info("Server", "Listening on https://%s", listener.Addr())
		go func() { serveErr <- s.httpServer.ServeTLS(listener, "", "") }()
	} else {
		logging.Warn("Server", "TLS is not configured; node endpoints require client certificates and will reject all callers")
		logging.Info("Server", "Listening on http://%s", listener.Addr())
		go func() { serveErr <- s.httpServer.Serve(listener) }()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Server", err, "Graceful shutdown did not complete")
			_ = s.httpServer.Close()
		}
		<-serveErr
		logging.Info("Server", "Server stopped")
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
