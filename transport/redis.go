package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/event"
)

const (
	defaultSubscribeTimeout = 10 * time.Second
	defaultHealthCheck      = 30 * time.Second

	changeInsert = "INSERT"
)

// observedTables are the logical tables whose insertions are forwarded.
var observedTables = map[string]bool{
	event.TableChatMessages:  true,
	event.TableNotifications: true,
}

// rowChange is the document the backend publishes on the managed channel
// for every row change.
type rowChange struct {
	Type   string          `json:"type"`
	Schema string          `json:"schema,omitempty"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// decodeRowChange parses a row-change document. It reports false for
// changes the managed channel does not observe.
func decodeRowChange(payload []byte) (rowChange, bool, error) {
	var change rowChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return rowChange{}, false, fmt.Errorf("decode row change: %w", err)
	}
	if change.Type != changeInsert || !observedTables[change.Table] {
		return change, false, nil
	}
	return change, true, nil
}

// RedisChannel is a managed channel backed by Redis pub/sub. One Redis
// channel carries the row changes of every observed table.
type RedisChannel struct {
	addr             string
	channel          string
	subscribeTimeout time.Duration
	healthCheck      time.Duration
	logger           *zerolog.Logger
}

// NewRedisChannel creates a managed channel subscribing to channel on the
// Redis server at addr.
func NewRedisChannel(addr, channel string, subscribeTimeout time.Duration, logger *zerolog.Logger) *RedisChannel {
	if subscribeTimeout <= 0 {
		subscribeTimeout = defaultSubscribeTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisChannel{
		addr:             addr,
		channel:          channel,
		subscribeTimeout: subscribeTimeout,
		healthCheck:      defaultHealthCheck,
		logger:           logger,
	}
}

func (r *RedisChannel) Name() string {
	return "redis"
}

// Open subscribes to the channel. The subscription confirmation is awaited
// in the background and reported as StatusSubscribed or StatusTimedOut.
func (r *RedisChannel) Open(ctx context.Context, h Handlers) (Conn, error) {
	client := redis.NewClient(&redis.Options{Addr: r.addr})

	connCtx, cancel := context.WithCancel(ctx)
	c := &redisConn{client: client}
	c.init(cancel)
	c.pubsub = client.Subscribe(connCtx, r.channel)

	c.wg.Add(1)
	go r.run(connCtx, c, h)

	return c, nil
}

func (r *RedisChannel) run(ctx context.Context, c *redisConn, h Handlers) {
	defer c.wg.Done()

	log := r.logger.With().Str("conn_id", c.id).Str("channel", r.channel).Logger()

	// Test subscription
	if err := r.confirm(ctx, c); err != nil {
		if ctx.Err() != nil {
			return
		}
		if isTimeout(err) {
			h.status(StatusTimedOut, newError(r.Name(), "subscribe", err))
			return
		}
		h.status(StatusChannelError, newError(r.Name(), "subscribe", err))
		return
	}
	h.status(StatusSubscribed, nil)

	// The read loop owns the connection. go-redis would silently redial a
	// broken connection; any read error is reported instead so that the
	// controller schedules the reconnect. An idle connection is pinged
	// once per healthCheck and dropped if the pong does not arrive.
	pingPending := false
	for {
		msg, err := c.pubsub.ReceiveTimeout(ctx, r.healthCheck)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if isTimeout(err) && !pingPending {
				if err := c.pubsub.Ping(ctx); err != nil {
					h.status(StatusChannelError, newError(r.Name(), "ping", err))
					return
				}
				pingPending = true
				continue
			}
			h.status(StatusChannelError, newError(r.Name(), "read", err))
			return
		}
		pingPending = false

		switch m := msg.(type) {
		case *redis.Message:
			change, observed, err := decodeRowChange([]byte(m.Payload))
			if err != nil {
				log.Warn().Err(err).Msg("Row change decode error")
				continue
			}
			if !observed {
				continue
			}

			h.message(Message{
				Category:   change.Table,
				Body:       change.Record,
				ReceivedAt: time.Now(),
			})
		case *redis.Subscription:
			if m.Kind == "unsubscribe" && m.Channel == r.channel {
				h.status(StatusClosed, nil)
				return
			}
		case *redis.Pong:
		default:
			log.Debug().Str("reply", fmt.Sprintf("%T", msg)).Msg("Unexpected pubsub reply")
		}
	}
}

// confirm waits for the server to acknowledge the SUBSCRIBE.
func (r *RedisChannel) confirm(ctx context.Context, c *redisConn) error {
	deadline := time.Now().Add(r.subscribeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		msg, err := c.pubsub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			return err
		}
		if sub, ok := msg.(*redis.Subscription); ok && sub.Kind == "subscribe" && sub.Channel == r.channel {
			return nil
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type redisConn struct {
	connBase
	client *redis.Client
	pubsub *redis.PubSub
}

// Close cleans up resources
func (c *redisConn) Close() error {
	return c.shutdown(func() error {
		return errors.Join(c.pubsub.Close(), c.client.Close())
	})
}
