package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// shutdownTimeout bounds how long in-flight requests may drain.
const shutdownTimeout = 30 * time.Second

// httpServer holds the HTTP server instance and its listener.
type httpServer struct {
	server   *http.Server
	listener net.Listener
	mu       sync.RWMutex
}

func (s *Server) current() *httpServer {
	s.httpServerMu.RLock()
	defer s.httpServerMu.RUnlock()
	return s.httpServer
}

// Shutdown gracefully shuts down the server.
// If the server hasn't been started, this is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	hs := s.current()
	if hs == nil {
		return nil
	}

	hs.mu.RLock()
	server := hs.server
	hs.mu.RUnlock()

	return server.Shutdown(ctx)
}

// Addr returns the address the server is listening on, or "" before start.
func (s *Server) Addr() string {
	hs := s.current()
	if hs == nil {
		return ""
	}

	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.listener.Addr().String()
}

// ListenAndServe serves until ctx is cancelled, SIGINT or SIGTERM arrives,
// or Shutdown is called. Returns nil after a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	// Listen first so Addr is known for port 0.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	hs := &httpServer{
		server: &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
	}
	s.httpServerMu.Lock()
	s.httpServer = hs
	s.httpServerMu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		err := hs.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	s.logger.Info("server started", zap.String("addr", listener.Addr().String()))
	close(s.ready)

	select {
	case err := <-serveErr:
		// Shutdown was called directly, or Serve failed.
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("initiating shutdown", zap.NamedError("cause", context.Cause(ctx)))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.server.Shutdown(drainCtx); err != nil {
		s.logger.Error("shutdown failed", zap.Error(err))
		return err
	}
	<-serveErr

	s.logger.Info("server shutdown complete")
	return nil
}
