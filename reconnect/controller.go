// Package reconnect owns the lifecycle of a single push subscription:
// opening the transport, reacting to its status, and scheduling reconnect
// attempts until told to stop.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/transport"
)

// State of a subscription.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrRetriesExhausted is logged when the policy gives up.
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("subscription already started")
)

// Controller drives one transport subscription.
type Controller struct {
	transport transport.Transport
	policy    Policy
	channel   string
	onMessage func(transport.Message)
	onState   func(State)
	after     func(time.Duration) <-chan time.Time
	now       func() time.Time
	logger    *zerolog.Logger

	state       atomic.Int32
	retryCount  atomic.Int64
	connectedAt atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStateHook registers fn to be called on every state transition. The
// transition to Connected is reported from the transport goroutine.
func WithStateHook(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithDelayFunc replaces time.After for reconnect delays.
func WithDelayFunc(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Controller) {
		if after != nil {
			c.after = after
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithChannel sets the channel identifier used in logs and status.
func WithChannel(name string) Option {
	return func(c *Controller) { c.channel = name }
}

// New creates a Controller. onMessage receives every raw payload from the
// live connection, in transport order.
func New(t transport.Transport, p Policy, onMessage func(transport.Message), opts ...Option) *Controller {
	nop := zerolog.Nop()
	c := &Controller{
		transport: t,
		policy:    p,
		channel:   t.Name(),
		onMessage: onMessage,
		after:     time.After,
		now:       time.Now,
		logger:    &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// RetryCount returns the number of reconnect attempts since the last
// successful connection.
func (c *Controller) RetryCount() int {
	return int(c.retryCount.Load())
}

// ConnectedAt returns when the current or last connection was established.
func (c *Controller) ConnectedAt() time.Time {
	ms := c.connectedAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Channel returns the channel identifier.
func (c *Controller) Channel() string {
	return c.channel
}

// Start begins connecting in the background. It does not wait for the
// connection to be established.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, c.done)
	return nil
}

// Stop tears the subscription down: it cancels any pending reconnect,
// closes the live connection and waits for the controller goroutine to
// exit. Once Stop returns no transport is opened again. Safe to call more
// than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug().Str("channel", c.channel).Stringer("state", s).Msg("Subscription state changed")
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateIdle)

	b := c.policy.NewBackOff()

	for {
		c.setState(StateConnecting)
		if err := c.attempt(ctx, b); err != nil && ctx.Err() == nil {
			c.logger.Warn().
				Err(err).
				Str("channel", c.channel).
				Int("retry_count", c.RetryCount()).
				Msg("Subscription lost")
		}
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.setState(StateFailed)
			c.logger.Error().
				Err(ErrRetriesExhausted).
				Str("channel", c.channel).
				Int("retry_count", c.RetryCount()).
				Msg("Giving up on subscription")
			<-ctx.Done()
			return
		}

		c.setState(StateReconnecting)
		c.logger.Info().
			Str("channel", c.channel).
			Int("retry_count", c.RetryCount()).
			Dur("delay", delay).
			Msg("Scheduling reconnect")

		select {
		case <-ctx.Done():
			return
		case <-c.after(delay):
		}
		c.retryCount.Add(1)
	}
}

type statusUpdate struct {
	status transport.Status
	err    error
}

// attempt opens one connection and blocks until it is lost or ctx ends.
// The connection is always closed before attempt returns.
//
// SUBSCRIBED is applied inside OnStatus, on the transport goroutine, so the
// controller is Connected before the transport delivers its first message.
// b is only touched there while the connection is live; the controller
// goroutine resumes using it after Close has waited for the transport.
func (c *Controller) attempt(ctx context.Context, b backoff.BackOff) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	statuses := make(chan statusUpdate, 1)
	handlers := transport.Handlers{
		OnMessage: c.onMessage,
		OnStatus: func(s transport.Status, err error) {
			if s == transport.StatusSubscribed {
				if attemptCtx.Err() == nil {
					c.markConnected(b)
				}
				return
			}
			select {
			case statuses <- statusUpdate{status: s, err: err}:
			case <-attemptCtx.Done():
			}
		},
	}

	conn, err := c.transport.Open(attemptCtx, handlers)
	if err != nil {
		return err
	}
	log := c.logger.With().Str("channel", c.channel).Str("conn_id", conn.ID()).Logger()
	defer func() {
		// Unblock a pending OnStatus before waiting on the reader.
		cancel()
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("Connection close error")
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case u := <-statuses:
		if u.err != nil {
			return u.err
		}
		return fmt.Errorf("subscription %s", u.status)
	}
}

// markConnected resets the retry schedule and records the connection time.
func (c *Controller) markConnected(b backoff.BackOff) {
	b.Reset()
	c.retryCount.Store(0)
	c.connectedAt.Store(c.now().UnixMilli())
	c.setState(StateConnected)
	c.logger.Info().
		Str("channel", c.channel).
		Str("transport", c.transport.Name()).
		Msg("Subscribed")
}
