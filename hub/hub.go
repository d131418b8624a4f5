// Package hub fans realtime events out to in-process listeners. A Hub owns
// the application's single push subscription; listeners register with it
// and never talk to the transport themselves.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/config"
	"github.com/wailbentafat/taskhub-realtime/event"
	"github.com/wailbentafat/taskhub-realtime/reconnect"
	"github.com/wailbentafat/taskhub-realtime/transport"
)

// HandlerError describes a listener that panicked during dispatch.
type HandlerError struct {
	ListenerID uint64
	EventType  event.Type
	Value      any
}

// Error implements the error interface
func (e *HandlerError) Error() string {
	return fmt.Sprintf("listener %d panicked on %s: %v", e.ListenerID, e.EventType, e.Value)
}

// Status is a point-in-time view of the hub.
type Status struct {
	Enabled    bool   `json:"enabled"`
	Connected  bool   `json:"connected"`
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
	Listeners  int    `json:"listeners"`
	Transport  string `json:"transport,omitempty"`
	Channel    string `json:"channel,omitempty"`
}

// Hub is the fan-out broadcaster.
type Hub struct {
	controller *reconnect.Controller
	transport  transport.Transport
	normalizer *event.Normalizer
	registry   *registry
	logger     *zerolog.Logger

	controllerOpts []reconnect.Option

	stopOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *event.Normalizer) Option {
	return func(h *Hub) {
		if n != nil {
			h.normalizer = n
		}
	}
}

// WithControllerOptions passes options through to the reconnect controller.
func WithControllerOptions(opts ...reconnect.Option) Option {
	return func(h *Hub) {
		h.controllerOpts = append(h.controllerOpts, opts...)
	}
}

// New creates a hub subscribing through t with reconnect policy p.
func New(t transport.Transport, p reconnect.Policy, opts ...Option) *Hub {
	h := newHub(opts...)
	h.transport = t
	controllerOpts := append([]reconnect.Option{reconnect.WithLogger(h.logger)}, h.controllerOpts...)
	h.controller = reconnect.New(t, p, h.handle, controllerOpts...)
	return h
}

// NewDisabled creates a hub that never connects. Listeners may register
// but receive nothing and IsConnected is always false.
func NewDisabled(opts ...Option) *Hub {
	return newHub(opts...)
}

// NewFromConfig builds a hub from configuration. Missing connection
// settings yield a disabled hub rather than an error.
func NewFromConfig(cfg config.Realtime, opts ...Option) (*Hub, error) {
	h := newHub(opts...)

	t, err := transport.FromConfig(cfg, h.logger)
	if errors.Is(err, config.ErrMissing) {
		h.logger.Info().Err(err).Msg("Realtime disabled")
		return NewDisabled(opts...), nil
	}
	if err != nil {
		return nil, err
	}

	var policy reconnect.Policy = reconnect.Constant{Interval: cfg.Retry.Interval}
	channel := "stream"
	if cfg.Transport == config.TransportChannel {
		policy = reconnect.Exponential{
			Initial:    cfg.Retry.InitialDelay,
			MaxRetries: cfg.Retry.MaxRetries,
			MaxDelay:   cfg.Retry.MaxDelay,
		}
		channel = cfg.Channel.Name
	}

	opts = append(opts[:len(opts):len(opts)], WithControllerOptions(reconnect.WithChannel(channel)))
	return New(t, policy, opts...), nil
}

func newHub(opts ...Option) *Hub {
	nop := zerolog.Nop()
	h := &Hub{
		normalizer: event.NewNormalizer(),
		registry:   newRegistry(),
		logger:     &nop,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Enabled reports whether the hub has a transport.
func (h *Hub) Enabled() bool {
	return h.controller != nil
}

// Start opens the subscription in the background. On a disabled hub it
// does nothing.
func (h *Hub) Start(ctx context.Context) error {
	if h.controller == nil {
		return nil
	}
	return h.controller.Start(ctx)
}

// Stop closes the subscription and cancels any pending reconnect. Safe to
// call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.controller != nil {
			h.controller.Stop()
		}
		h.logger.Info().Int("listeners", h.registry.len()).Msg("Realtime hub shut down")
	})
}

// IsConnected reports whether the subscription is currently established.
func (h *Hub) IsConnected() bool {
	return h.controller != nil && h.controller.State() == reconnect.StateConnected
}

// ListenerCount returns the number of registered listeners.
func (h *Hub) ListenerCount() int {
	return h.registry.len()
}

// Status returns a snapshot of the hub state.
func (h *Hub) Status() Status {
	s := Status{
		Enabled:   h.Enabled(),
		State:     reconnect.StateIdle.String(),
		Listeners: h.registry.len(),
	}
	if h.controller != nil {
		state := h.controller.State()
		s.Connected = state == reconnect.StateConnected
		s.State = state.String()
		s.RetryCount = h.controller.RetryCount()
		s.Transport = h.transport.Name()
		s.Channel = h.controller.Channel()
	}
	return s
}

// AddListener registers fn for every subsequent event. The returned func
// removes exactly this registration; calling it again does nothing.
func (h *Hub) AddListener(fn Listener) (unregister func()) {
	if fn == nil {
		return func() {}
	}

	e := h.registry.add(fn)
	h.logger.Debug().
		Uint64("listener_id", e.id).
		Int("total_listeners", h.registry.len()).
		Msg("Listener registered")

	return func() {
		if h.registry.remove(e) {
			h.logger.Debug().
				Uint64("listener_id", e.id).
				Int("total_listeners", h.registry.len()).
				Msg("Listener unregistered")
		}
	}
}

// On registers fn for events of the given types only.
func (h *Hub) On(fn Listener, types ...event.Type) (unregister func()) {
	if fn == nil {
		return func() {}
	}
	return h.AddListener(func(ev event.Event) {
		if ev.Is(types...) {
			fn(ev)
		}
	})
}

// handle normalizes a raw transport payload and dispatches it.
func (h *Hub) handle(msg transport.Message) {
	var (
		ev  event.Event
		err error
	)
	if msg.Category != "" {
		ev, err = h.normalizer.Change(msg.Category, msg.Body)
	} else {
		ev, err = h.normalizer.Named(msg.Name, msg.Body)
	}
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("category", msg.Category).
			Str("name", msg.Name).
			Time("received_at", msg.ReceivedAt).
			Msg("Dropping realtime payload")
		return
	}
	h.dispatch(ev)
}

// dispatch delivers ev synchronously to every active listener.
func (h *Hub) dispatch(ev event.Event) {
	subs := h.registry.snapshot()
	for _, e := range subs {
		if !e.active.Load() {
			continue
		}
		h.invoke(e, ev)
	}

	h.logger.Debug().
		Str("event_type", string(ev.Type)).
		Int("listeners", len(subs)).
		Msg("Event dispatched")
}

func (h *Hub) invoke(e *entry, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := &HandlerError{ListenerID: e.id, EventType: ev.Type, Value: r}
			h.logger.Error().Err(err).Msg("Listener failed")
		}
	}()
	e.fn(ev)
}
