package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/taskhub-realtime/config"
	"github.com/wailbentafat/taskhub-realtime/event"
	"github.com/wailbentafat/taskhub-realtime/reconnect"
	"github.com/wailbentafat/taskhub-realtime/transport"
	"github.com/wailbentafat/taskhub-realtime/transport/transporttest"
)

// collector is a listener that records what it receives.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) listen(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func testEvent(t event.Type) event.Event {
	return event.Event{Type: t, Data: json.RawMessage(`{}`), Timestamp: time.Now().UnixMilli()}
}

func startHub(t *testing.T, ft *transporttest.Transport) *Hub {
	t.Helper()
	h := New(ft, reconnect.DefaultExponential())
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)
	require.Eventually(t, h.IsConnected, 2*time.Second, time.Millisecond)
	return h
}

func TestHub_FanOutToAllListeners(t *testing.T) {
	h := NewDisabled()

	const n = 10
	collectors := make([]*collector, n)
	for i := range collectors {
		collectors[i] = &collector{}
		h.AddListener(collectors[i].listen)
	}
	assert.Equal(t, n, h.ListenerCount())

	h.dispatch(testEvent(event.TaskCreated))

	for i, c := range collectors {
		assert.Len(t, c.Events(), 1, "listener %d", i)
	}
}

func TestHub_UnregisterRemovesOnlyThatListener(t *testing.T) {
	h := NewDisabled()
	a, b := &collector{}, &collector{}

	unregisterA := h.AddListener(a.listen)
	h.AddListener(b.listen)

	unregisterA()
	unregisterA() // idempotent

	h.dispatch(testEvent(event.TaskUpdated))

	assert.Empty(t, a.Events())
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, 1, h.ListenerCount())
}

func TestHub_SameFunctionTwiceIsTwoRegistrations(t *testing.T) {
	h := NewDisabled()
	c := &collector{}

	unregister := h.AddListener(c.listen)
	h.AddListener(c.listen)

	h.dispatch(testEvent(event.TeamUpdated))
	assert.Len(t, c.Events(), 2)

	unregister()
	h.dispatch(testEvent(event.TeamUpdated))
	assert.Len(t, c.Events(), 3)
}

func TestHub_UnregisterDuringDispatch(t *testing.T) {
	h := NewDisabled()
	victim, bystander := &collector{}, &collector{}

	var unregisterVictim func()
	h.AddListener(func(event.Event) { unregisterVictim() })
	unregisterVictim = h.AddListener(victim.listen)
	h.AddListener(bystander.listen)

	h.dispatch(testEvent(event.ChatMessage))

	assert.Empty(t, victim.Events(), "removed listener must not see the event in flight")
	assert.Len(t, bystander.Events(), 1)
}

func TestHub_SelfUnregisterDuringDispatch(t *testing.T) {
	h := NewDisabled()
	var calls atomic.Int32

	var unregister func()
	unregister = h.AddListener(func(event.Event) {
		calls.Add(1)
		unregister()
	})
	other := &collector{}
	h.AddListener(other.listen)

	h.dispatch(testEvent(event.ChatMessage))
	h.dispatch(testEvent(event.ChatMessage))

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, other.Events(), 2)
}

func TestHub_AddDuringDispatchStartsWithNextEvent(t *testing.T) {
	h := NewDisabled()
	late := &collector{}

	var once sync.Once
	h.AddListener(func(event.Event) {
		once.Do(func() { h.AddListener(late.listen) })
	})

	h.dispatch(testEvent(event.UserUpdated))
	assert.Empty(t, late.Events())

	h.dispatch(testEvent(event.UserUpdated))
	assert.Len(t, late.Events(), 1)
}

func TestHub_PanickingListenerIsIsolated(t *testing.T) {
	h := NewDisabled()
	before, after := &collector{}, &collector{}

	h.AddListener(before.listen)
	h.AddListener(func(ev event.Event) {
		if ev.Type == event.TaskDeleted {
			panic("boom")
		}
	})
	h.AddListener(after.listen)

	h.dispatch(testEvent(event.TaskDeleted))
	h.dispatch(testEvent(event.TaskCreated))

	assert.Len(t, before.Events(), 2)
	assert.Len(t, after.Events(), 2)
	assert.Equal(t, event.TaskCreated, after.Events()[1].Type)
}

func TestHub_On(t *testing.T) {
	h := NewDisabled()
	c := &collector{}

	h.On(c.listen, event.ChatMessage, event.NotificationReceived)

	h.dispatch(testEvent(event.ChatMessage))
	h.dispatch(testEvent(event.TaskUpdated))
	h.dispatch(testEvent(event.NotificationReceived))

	got := c.Events()
	require.Len(t, got, 2)
	assert.Equal(t, event.ChatMessage, got[0].Type)
	assert.Equal(t, event.NotificationReceived, got[1].Type)
}

func TestHub_NilListener(t *testing.T) {
	h := NewDisabled()

	h.AddListener(nil)()
	h.On(nil)()
	assert.Equal(t, 0, h.ListenerCount())
}

func TestHub_DisabledFromConfig(t *testing.T) {
	h, err := NewFromConfig(config.Realtime{Transport: config.TransportStream})
	require.NoError(t, err)

	assert.False(t, h.Enabled())
	require.NoError(t, h.Start(context.Background()))
	assert.False(t, h.IsConnected())
	assert.Equal(t, "idle", h.Status().State)
	h.Stop()
	h.Stop()
}

func TestHub_InvalidConfig(t *testing.T) {
	_, err := NewFromConfig(config.Realtime{Transport: "smoke-signals"})
	assert.Error(t, err)
}

func TestHub_FromConfigSelectsTransport(t *testing.T) {
	h, err := NewFromConfig(config.Realtime{
		Transport: config.TransportStream,
		Stream:    config.Stream{URL: "http://127.0.0.1:1/events", Token: "t"},
		Retry:     config.Retry{Interval: time.Second},
	})
	require.NoError(t, err)

	assert.True(t, h.Enabled())
	assert.Equal(t, "stream", h.Status().Transport)
}

func TestHub_SingleSubscriptionForManyListeners(t *testing.T) {
	ft := transporttest.New(transporttest.Subscribe)
	h := startHub(t, ft)

	for i := 0; i < 25; i++ {
		h.AddListener(func(event.Event) {})
	}

	assert.Equal(t, 1, ft.Opens())
	assert.Equal(t, 1, ft.Live())
}

func TestHub_ChatMessageScenario(t *testing.T) {
	ft := transporttest.New(transporttest.Subscribe)
	openedAt := time.Now().UnixMilli()
	h := startHub(t, ft)

	c := &collector{}
	h.AddListener(c.listen)

	ft.Last().Message(transport.Message{Name: "chat_message", Body: []byte(`{"id":1,"text":"hi"}`)})

	got := c.Events()
	require.Len(t, got, 1)
	assert.Equal(t, event.ChatMessage, got[0].Type)
	assert.JSONEq(t, `{"id":1,"text":"hi"}`, string(got[0].Data))
	assert.GreaterOrEqual(t, got[0].Timestamp, openedAt)
	assert.GreaterOrEqual(t, got[0].Timestamp, h.controller.ConnectedAt().UnixMilli())
}

func TestHub_ManagedChannelMapping(t *testing.T) {
	ft := transporttest.New(transporttest.Subscribe)
	h := startHub(t, ft)

	c := &collector{}
	h.AddListener(c.listen)

	conn := ft.Last()
	conn.Message(transport.Message{Category: "chat_messages", Body: []byte(`{"id":1}`)})
	conn.Message(transport.Message{Category: "notifications", Body: []byte(`{"id":2}`)})
	conn.Message(transport.Message{Category: "tasks", Body: []byte(`{"id":3}`)})

	got := c.Events()
	require.Len(t, got, 2)
	assert.Equal(t, event.ChatMessage, got[0].Type)
	assert.Equal(t, event.NotificationReceived, got[1].Type)
}

func TestHub_MalformedPayloadDropped(t *testing.T) {
	ft := transporttest.New(transporttest.Subscribe)
	h := startHub(t, ft)

	c := &collector{}
	h.AddListener(c.listen)

	conn := ft.Last()
	conn.Message(transport.Message{Name: "task_updated", Body: []byte(`{not json`)})
	conn.Message(transport.Message{Name: "task_updated", Body: []byte(`{"id":"t-1"}`)})

	got := c.Events()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"id":"t-1"}`, string(got[0].Data))
	assert.True(t, h.IsConnected(), "a bad payload does not drop the connection")
}

func TestHub_DropLogCarriesReceiveTime(t *testing.T) {
	var buf syncBuffer
	logger := zerolog.New(&buf)
	ft := transporttest.New(transporttest.Subscribe)
	h := New(ft, reconnect.DefaultExponential(), WithLogger(&logger))
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()
	require.Eventually(t, h.IsConnected, 2*time.Second, time.Millisecond)

	receivedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ft.Last().Message(transport.Message{Name: "task_updated", Body: []byte(`{not json`), ReceivedAt: receivedAt})

	assert.Contains(t, buf.String(), `"message":"Dropping realtime payload"`)
	assert.Contains(t, buf.String(), `"received_at":"2026-03-01T12:00:00Z"`)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHub_DuplicatesAreDelivered(t *testing.T) {
	ft := transporttest.New(transporttest.Subscribe)
	h := startHub(t, ft)

	c := &collector{}
	h.AddListener(c.listen)

	msg := transport.Message{Name: "user_deleted", Body: []byte(`{"id":"u-1"}`)}
	ft.Last().Message(msg)
	ft.Last().Message(msg)

	assert.Len(t, c.Events(), 2)
}

func TestHub_IsConnectedTracksController(t *testing.T) {
	ft := transporttest.New(transporttest.Subscribe, transporttest.Silent)
	h := New(ft, reconnect.DefaultExponential(),
		WithControllerOptions(reconnect.WithDelayFunc(func(time.Duration) <-chan time.Time {
			ch := make(chan time.Time, 1)
			ch <- time.Now()
			return ch
		})))

	assert.False(t, h.IsConnected())
	require.NoError(t, h.Start(context.Background()))
	require.Eventually(t, h.IsConnected, 2*time.Second, time.Millisecond)

	ft.Last().Status(transport.StatusChannelError, nil)
	require.Eventually(t, func() bool { return ft.Opens() == 2 }, 2*time.Second, time.Millisecond)
	assert.False(t, h.IsConnected())

	status := h.Status()
	assert.True(t, status.Enabled)
	assert.Equal(t, "connecting", status.State)
	assert.Equal(t, "fake", status.Transport)

	h.Stop()
	assert.False(t, h.IsConnected())
	assert.Equal(t, 0, ft.Live())
}

func TestHub_ConnectedWhenFirstEventArrives(t *testing.T) {
	for i := 0; i < 50; i++ {
		ft := transporttest.New(func(conn *transporttest.Conn) {
			conn.Status(transport.StatusSubscribed, nil)
			conn.Message(transport.Message{Category: "chat_messages", Body: []byte(`{"id":1}`)})
		})
		h := New(ft, reconnect.DefaultExponential())

		type observation struct {
			connected   bool
			timestamp   int64
			connectedAt int64
		}
		seen := make(chan observation, 1)
		h.AddListener(func(ev event.Event) {
			seen <- observation{
				connected:   h.IsConnected(),
				timestamp:   ev.Timestamp,
				connectedAt: h.controller.ConnectedAt().UnixMilli(),
			}
		})

		require.NoError(t, h.Start(context.Background()))
		select {
		case o := <-seen:
			assert.True(t, o.connected, "event delivered before IsConnected")
			assert.GreaterOrEqual(t, o.timestamp, o.connectedAt)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
		h.Stop()
	}
}
