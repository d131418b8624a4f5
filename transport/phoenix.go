package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/event"
)

const (
	phxJoin      = "phx_join"
	phxReply     = "phx_reply"
	phxClose     = "phx_close"
	phxError     = "phx_error"
	phxHeartbeat = "heartbeat"
	phxChanges   = "postgres_changes"

	phxProtocolVersion = "1.0.0"
	phoenixTopic       = "phoenix"

	defaultHeartbeat = 25 * time.Second
	writeWait        = 5 * time.Second
)

// phxMessage is a Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type phxChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type phxChangesPayload struct {
	Data rowChange `json:"data"`
}

// PhoenixChannel is a managed channel speaking the Phoenix channel protocol
// over WebSocket, as exposed by Postgres-backed realtime services. It joins
// one topic with INSERT filters on the observed tables.
type PhoenixChannel struct {
	endpoint         string
	apiKey           string
	channel          string
	subscribeTimeout time.Duration
	heartbeat        time.Duration
	dialer           *websocket.Dialer
	logger           *zerolog.Logger
}

// PhoenixOption configures a PhoenixChannel.
type PhoenixOption func(*PhoenixChannel)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) PhoenixOption {
	return func(p *PhoenixChannel) {
		if d > 0 {
			p.heartbeat = d
		}
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) PhoenixOption {
	return func(p *PhoenixChannel) {
		if d != nil {
			p.dialer = d
		}
	}
}

// NewPhoenixChannel creates a managed channel for the socket at endpoint.
// http and https endpoints are rewritten to ws and wss.
func NewPhoenixChannel(endpoint, apiKey, channel string, subscribeTimeout time.Duration, logger *zerolog.Logger, opts ...PhoenixOption) *PhoenixChannel {
	if subscribeTimeout <= 0 {
		subscribeTimeout = defaultSubscribeTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	p := &PhoenixChannel{
		endpoint:         endpoint,
		apiKey:           apiKey,
		channel:          channel,
		subscribeTimeout: subscribeTimeout,
		heartbeat:        defaultHeartbeat,
		dialer:           websocket.DefaultDialer,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PhoenixChannel) Name() string {
	return "websocket"
}

func (p *PhoenixChannel) topic() string {
	return "realtime:" + p.channel
}

func (p *PhoenixChannel) socketURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	q.Set("apikey", p.apiKey)
	q.Set("vsn", phxProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the socket and joins the topic in the background.
func (p *PhoenixChannel) Open(ctx context.Context, h Handlers) (Conn, error) {
	socketURL, err := p.socketURL()
	if err != nil {
		return nil, newError(p.Name(), "open", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &phoenixConn{}
	c.init(cancel)

	c.wg.Add(1)
	go p.run(connCtx, c, socketURL, h)

	return c, nil
}

func (p *PhoenixChannel) run(ctx context.Context, c *phoenixConn, socketURL string, h Handlers) {
	defer c.wg.Done()

	log := p.logger.With().Str("conn_id", c.id).Str("topic", p.topic()).Logger()

	ws, _, err := p.dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		if ctx.Err() == nil {
			h.status(StatusChannelError, newError(p.Name(), "dial", err))
		}
		return
	}
	if !c.attach(ws) {
		// Closed while dialing.
		_ = ws.Close()
		return
	}

	joinRef := c.nextRef()
	if err := c.write(phxMessage{
		Topic:   p.topic(),
		Event:   phxJoin,
		Payload: p.joinPayload(),
		Ref:     joinRef,
	}); err != nil {
		if ctx.Err() == nil {
			h.status(StatusChannelError, newError(p.Name(), "join", err))
		}
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(p.subscribeTimeout))

	subscribed := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !subscribed && isTimeout(err) {
				h.status(StatusTimedOut, newError(p.Name(), "join", err))
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.status(StatusClosed, nil)
				return
			}
			h.status(StatusChannelError, newError(p.Name(), "read", err))
			return
		}

		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Frame decode error")
			continue
		}
		if msg.Topic != p.topic() {
			continue
		}

		switch msg.Event {
		case phxReply:
			if msg.Ref != joinRef || subscribed {
				continue
			}
			var reply phxReplyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err != nil || reply.Status != "ok" {
				h.status(StatusChannelError, newError(p.Name(), "join", fmt.Errorf("join rejected: %s", msg.Payload)))
				return
			}
			subscribed = true
			_ = ws.SetReadDeadline(time.Time{})
			c.wg.Add(1)
			go p.heartbeatLoop(ctx, c, log)
			h.status(StatusSubscribed, nil)

		case phxChanges:
			if !subscribed {
				continue
			}
			var payload phxChangesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Warn().Err(err).Msg("Change payload decode error")
				continue
			}
			change := payload.Data
			if change.Type != changeInsert || !observedTables[change.Table] {
				continue
			}
			h.message(Message{
				Category:   change.Table,
				Body:       change.Record,
				ReceivedAt: time.Now(),
			})

		case phxClose:
			h.status(StatusClosed, nil)
			return

		case phxError:
			h.status(StatusChannelError, newError(p.Name(), "channel", errors.New("channel crashed")))
			return
		}
	}
}

func (p *PhoenixChannel) joinPayload() json.RawMessage {
	filters := make([]phxChangeFilter, 0, len(observedTables))
	for _, table := range []string{event.TableChatMessages, event.TableNotifications} {
		filters = append(filters, phxChangeFilter{Event: changeInsert, Schema: "public", Table: table})
	}
	payload, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": filters,
		},
		"access_token": p.apiKey,
	})
	return payload
}

func (p *PhoenixChannel) heartbeatLoop(ctx context.Context, c *phoenixConn, log zerolog.Logger) {
	defer c.wg.Done()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.write(phxMessage{
				Topic:   phoenixTopic,
				Event:   phxHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     c.nextRef(),
			})
			if err != nil {
				// The read loop sees the broken socket and reports it.
				log.Debug().Err(err).Msg("Heartbeat write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

type phoenixConn struct {
	connBase
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	ref    int
}

func (c *phoenixConn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	return true
}

func (c *phoenixConn) nextRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref++
	return strconv.Itoa(c.ref)
}

func (c *phoenixConn) write(msg phxMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return errors.New("connection closed")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *phoenixConn) Close() error {
	return c.shutdown(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		if c.ws == nil {
			return nil
		}
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return c.ws.Close()
	})
}
