package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/event"
)

const (
	pingInterval     = 30 * time.Second
	activityTimeout  = 60 * time.Second
	activityInterval = 10 * time.Second
	writeWait        = 5 * time.Second
	writeRetryDelay  = 200 * time.Millisecond
	writeRetries     = 3
	sendBuffer       = 64
)

// Session is one connected relay client.
type Session struct {
	ID      string
	Subject string

	conn         *websocket.Conn
	send         chan event.Event
	lastActivity int64 // UnixNano timestamp
	mu           sync.Mutex
	logger       zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an upgraded connection for subject.
func NewSession(subject string, conn *websocket.Conn, logger *zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:           id,
		Subject:      subject,
		conn:         conn,
		send:         make(chan event.Event, sendBuffer),
		lastActivity: time.Now().UnixNano(),
		logger:       logger.With().Str("session", id).Str("subject", subject).Logger(),
		done:         make(chan struct{}),
	}
}

// Enqueue hands ev to the session writer. It never blocks; it reports
// false when the client is too slow and the event was dropped.
func (s *Session) Enqueue(ev event.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

// SafeWriteJSON serializes writes and retries transient failures a few
// times before giving up.
func (s *Session) SafeWriteJSON(ctx context.Context, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	operation := func() error {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return backoff.Permanent(err)
		}
		return s.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(writeRetryDelay), writeRetries),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		s.logger.Warn().Err(err).Dur("next", d).Msg("Retrying websocket write")
	})
}

// WritePump delivers queued events until ctx is done or a write fails.
func (s *Session) WritePump(ctx context.Context, onError func(error)) {
	for {
		select {
		case ev := <-s.send:
			if err := s.SafeWriteJSON(ctx, ev); err != nil {
				onError(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) UpdateActivity() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *Session) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *Session) StartPingSender(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug().Err(err).Msg("Ping failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) StartActivityChecker(ctx context.Context, onTimeout func()) {
	ticker := time.NewTicker(activityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(s.LastActivityTime()) > activityTimeout {
				_ = s.conn.Close()
				onTimeout()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close sends a close frame and closes the connection. Only the first
// call has any effect.
func (s *Session) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()

		werr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeWait),
		)
		if werr != nil {
			s.logger.Debug().Err(werr).Msg("Error sending close message")
		}
		err = s.conn.Close()
	})
	return err
}
