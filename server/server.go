package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/relay"
)

const shutdownTimeout = 15 * time.Second

// Server represents the relay HTTP server
type Server struct {
	httpServer *http.Server
	logger     *zerolog.Logger
}

// NewServer creates a new HTTP server
func NewServer(addr string, handler http.Handler, logger *zerolog.Logger) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Relay server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes relay sessions, waits for
// them to finish and then closes the remaining resources.
func (s *Server) Shutdown(ctx context.Context, sessions *relay.SessionManager, closers ...io.Closer) {
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer shutdownCancel()

	// Step 1: Stop accepting new connections
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if sessions != nil {
		// Step 2: Close all active WebSocket sessions
		s.logger.Info().Msg("Closing relay sessions...")
		sessions.CloseAll("Server shutting down")

		// Step 3: Wait for session handlers to return
		done := make(chan struct{})
		go func() {
			sessions.WaitForCompletion()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info().Msg("All sessions completed")
		case <-shutdownCtx.Done():
			s.logger.Warn().Msg("Shutdown timeout exceeded, forcing exit")
		}
	}

	// Step 4: Close remaining resources
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Resource closure error")
		}
	}

	s.logger.Info().Msg("Shutdown complete")
}
