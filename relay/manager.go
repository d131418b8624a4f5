package relay

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SessionManager tracks live sessions so they can be closed on shutdown.
type SessionManager struct {
	sessions sync.Map
	wg       sync.WaitGroup
	logger   *zerolog.Logger
}

func NewSessionManager(logger *zerolog.Logger) *SessionManager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SessionManager{logger: logger}
}

// Add registers s and counts it as in flight until Remove.
func (m *SessionManager) Add(s *Session) {
	m.wg.Add(1)
	m.sessions.Store(s.ID, s)
}

// Remove forgets the session. Removing an unknown id is a no-op.
func (m *SessionManager) Remove(id string) {
	if _, loaded := m.sessions.LoadAndDelete(id); loaded {
		m.wg.Done()
	}
}

func (m *SessionManager) Count() int {
	n := 0
	m.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// WaitForCompletion blocks until every added session has been removed.
func (m *SessionManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAll sends a going-away close to every session.
func (m *SessionManager) CloseAll(reason string) {
	m.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)

		m.logger.Info().Str("session", session.ID).Str("reason", reason).Msg("Closing relay session")
		_ = session.Close(websocket.CloseGoingAway, reason)

		return true
	})
}
