// Package relay re-exposes hub events to local WebSocket clients and
// serves the status and recent-event endpoints.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/event"
	"github.com/wailbentafat/taskhub-realtime/hub"
)

const defaultRecentLimit = 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventSource is the part of the hub the relay needs.
type EventSource interface {
	AddListener(fn hub.Listener) (unregister func())
	Status() hub.Status
}

// Verifier resolves a client token to a subject.
type Verifier interface {
	Verify(token string) (string, error)
}

// FeedSource serves the poll fallback and the per-type event counts.
type FeedSource interface {
	Recent(ctx context.Context, limit int) ([]event.Event, error)
	Counts(ctx context.Context) (map[event.Type]int64, error)
}

// statusResponse is the /status body. EventCounts is present only when
// the feed is enabled.
type statusResponse struct {
	hub.Status
	EventCounts map[event.Type]int64 `json:"event_counts,omitempty"`
}

// Handler serves the relay endpoints.
type Handler struct {
	source   EventSource
	verifier Verifier
	feed     FeedSource
	manager  *SessionManager
	logger   *zerolog.Logger
}

// NewHandler creates a Handler. A nil verifier disables the WebSocket
// endpoint and a nil feed disables the recent-events endpoint.
func NewHandler(source EventSource, verifier Verifier, feed FeedSource, manager *SessionManager, logger *zerolog.Logger) *Handler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Handler{
		source:   source,
		verifier: verifier,
		feed:     feed,
		manager:  manager,
		logger:   logger,
	}
}

// Routes returns the relay mux. issue, when non-nil, is mounted at /token.
func (h *Handler) Routes(issue http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/events/recent", h.HandleRecent)
	if issue != nil {
		mux.HandleFunc("/token", issue)
	}
	return mux
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		http.Error(w, "Relay disabled", http.StatusServiceUnavailable)
		return
	}
	subject, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Debug().Err(err).Msg("Relay authentication failed")
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	session := NewSession(subject, conn, h.logger)
	h.manager.Add(session)
	session.logger.Info().Msg("Relay session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	unregister := h.source.AddListener(func(ev event.Event) {
		if !session.Enqueue(ev) {
			session.logger.Warn().Str("type", string(ev.Type)).Msg("Relay client too slow, dropping event")
		}
	})

	conn.SetPongHandler(func(string) error { session.UpdateActivity(); return nil })
	go session.StartPingSender(ctx)
	go session.StartActivityChecker(ctx, func() {
		session.logger.Info().Msg("Relay session timed out")
		cancel()
	})
	go session.WritePump(ctx, func(err error) {
		session.logger.Warn().Err(err).Msg("Relay write failed")
		_ = session.Close(websocket.CloseInternalServerErr, "Failed to send message")
		cancel()
	})

	// Clients only read; incoming frames just keep the session alive.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			session.logger.Debug().Err(err).Msg("Relay read ended")
			break
		}
		session.UpdateActivity()
	}

	unregister()
	_ = session.Close(websocket.CloseNormalClosure, "")
	h.manager.Remove(session.ID)
	session.logger.Info().Msg("Relay session closed")
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Status: h.source.Status()}
	if h.feed != nil {
		counts, err := h.feed.Counts(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to read event counts")
		} else {
			resp.EventCounts = counts
		}
	}
	writeJSON(w, h.logger, resp)
}

func (h *Handler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.feed == nil {
		http.Error(w, "Feed disabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.feed.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read recent events")
		http.Error(w, "Failed to read events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, h.logger, events)
}

func writeJSON(w http.ResponseWriter, logger *zerolog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode response")
	}
}
