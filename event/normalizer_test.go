package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNormalizer_Change(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	n := NewNormalizerWithClock(fixedClock(at))

	tests := []struct {
		name  string
		table string
		want  Type
	}{
		{name: "chat messages", table: TableChatMessages, want: ChatMessage},
		{name: "notifications", table: TableNotifications, want: NotificationReceived},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Change(tt.table, []byte(`{"id":7}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
			assert.JSONEq(t, `{"id":7}`, string(ev.Data))
			assert.Equal(t, at.UnixMilli(), ev.Timestamp)
		})
	}
}

func TestNormalizer_ChangeUnknownTable(t *testing.T) {
	n := NewNormalizer()

	_, err := n.Change("tasks", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

func TestNormalizer_NamedUsesNameVerbatim(t *testing.T) {
	n := NewNormalizer()

	ev, err := n.Named("task_updated", []byte(`{"id":"t-1","status":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, TaskUpdated, ev.Type)
	assert.JSONEq(t, `{"id":"t-1","status":"done"}`, string(ev.Data))
}

func TestNormalizer_MalformedBodyDropped(t *testing.T) {
	n := NewNormalizer()

	_, err := n.Named("chat_message", []byte(`{"id":1,`))
	assert.True(t, errors.Is(err, ErrMalformedPayload))

	// A malformed body does not poison later well-formed ones.
	ev, err := n.Named("chat_message", []byte(`{"id":1,"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, ChatMessage, ev.Type)
}

func TestNormalizer_EmptyName(t *testing.T) {
	n := NewNormalizer()

	_, err := n.Named("", []byte(`{}`))
	assert.ErrorIs(t, err, ErrEmptyType)
}

func TestNormalizer_TimestampIgnoresPayload(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	n := NewNormalizerWithClock(fixedClock(at))

	ev, err := n.Named("team_updated", []byte(`{"timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), ev.Timestamp)
	assert.Equal(t, at, ev.Time())
}

func TestNormalizer_DataIsCopied(t *testing.T) {
	n := NewNormalizer()
	body := []byte(`{"a":1}`)

	ev, err := n.Named("user_updated", body)
	require.NoError(t, err)

	body[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(ev.Data))
}

func TestIsStreamType(t *testing.T) {
	assert.Len(t, StreamTypes, 9)
	for _, st := range StreamTypes {
		assert.True(t, IsStreamType(string(st)), st)
	}
	assert.False(t, IsStreamType("message"))
	assert.False(t, IsStreamType("notification_received"))
}
