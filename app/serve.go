package app

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wailbentafat/taskhub-realtime/auth"
	"github.com/wailbentafat/taskhub-realtime/config"
	"github.com/wailbentafat/taskhub-realtime/event"
	"github.com/wailbentafat/taskhub-realtime/hub"
	"github.com/wailbentafat/taskhub-realtime/logging"
	"github.com/wailbentafat/taskhub-realtime/relay"
	"github.com/wailbentafat/taskhub-realtime/server"
	"github.com/wailbentafat/taskhub-realtime/store"
)

// NewServeCommand runs the realtime client until interrupted.
func (a *App) NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Subscribe to realtime events and serve local consumers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.Serve(cmd.Context(), a.config)
		},
	}
}

// Serve builds every component from cfg, runs until ctx is cancelled or
// the relay server fails, then shuts down in reverse order.
func (a *App) Serve(ctx context.Context, cfg *config.Config) error {
	logger := a.logger

	h, err := hub.NewFromConfig(cfg.Realtime, hub.WithLogger(logging.Component(logger, "hub")))
	if err != nil {
		return fmt.Errorf("realtime: %w", err)
	}

	if a.verbose {
		h.AddListener(logListener(logging.Component(logger, "events")))
	}

	var closers []io.Closer
	var feedSource relay.FeedSource

	recorderDone := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Feed.RedisAddr != "" {
		feedLogger := logging.Component(logger, "feed")
		feed, err := store.NewFeed(cfg.Feed.RedisAddr, cfg.Feed.Size, feedLogger)
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		closers = append(closers, feed)
		feedSource = feed

		recorder := store.NewRecorder(feed, 0, feedLogger)
		h.AddListener(recorder.Listen)
		go func() {
			recorder.Run(runCtx)
			close(recorderDone)
		}()
	} else {
		close(recorderDone)
	}

	var srv *server.Server
	var sessions *relay.SessionManager
	serveErr := make(chan error, 1)

	if cfg.Relay.Addr != "" {
		relayLogger := logging.Component(logger, "relay")

		var verifier relay.Verifier
		var issue http.HandlerFunc
		if cfg.Relay.JWTSecret != "" {
			signer := auth.NewSigner(cfg.Relay.JWTSecret, auth.DefaultTTL)
			verifier = signer
			if cfg.Relay.DevTokens {
				issue = signer.HandleIssue
				relayLogger.Warn().Msg("Development token endpoint enabled")
			}
		} else {
			relayLogger.Info().Msg("WebSocket relay disabled, relay.jwt_secret not set")
		}

		sessions = relay.NewSessionManager(relayLogger)
		handler := relay.NewHandler(h, verifier, feedSource, sessions, relayLogger)
		srv = server.NewServer(cfg.Relay.Addr, handler.Routes(issue), relayLogger)
		go func() { serveErr <- srv.Start() }()
	}

	if err := h.Start(runCtx); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	logger.Info().Bool("realtime", h.Enabled()).Str("relay", cfg.Relay.Addr).Msg("Realtime client started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("relay server: %w", err)
		}
	}

	h.Stop()
	if srv != nil {
		srv.Shutdown(context.Background(), sessions)
	}
	cancel()
	<-recorderDone
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("Resource closure error")
		}
	}

	return runErr
}

// logListener logs every event at info level.
func logListener(logger *zerolog.Logger) hub.Listener {
	return func(ev event.Event) {
		logger.Info().
			Str("type", string(ev.Type)).
			Time("at", ev.Time()).
			RawJSON("data", ev.Data).
			Msg("Realtime event")
	}
}
