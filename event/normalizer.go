package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedPayload is returned for bodies that are not valid JSON.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownCategory is returned for row changes on tables that have no
	// event type mapping.
	ErrUnknownCategory = errors.New("unknown change category")

	// ErrEmptyType is returned when a named event has no name.
	ErrEmptyType = errors.New("empty event type")
)

// Logical tables observed on the managed channel.
const (
	TableChatMessages  = "chat_messages"
	TableNotifications = "notifications"
)

var tableTypes = map[string]Type{
	TableChatMessages:  ChatMessage,
	TableNotifications: NotificationReceived,
}

// Normalizer converts transport payloads into Events. Timestamps are always
// taken from its clock at normalization time.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer returns a Normalizer using time.Now.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerWithClock returns a Normalizer that reads time from now.
func NewNormalizerWithClock(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Change maps a row insertion on table to an Event carrying record.
func (n *Normalizer) Change(table string, record []byte) (Event, error) {
	t, ok := tableTypes[table]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownCategory, table)
	}
	return n.build(t, record)
}

// Named maps a named stream event to an Event. The name is used verbatim.
func (n *Normalizer) Named(name string, body []byte) (Event, error) {
	if name == "" {
		return Event{}, ErrEmptyType
	}
	return n.build(Type(name), body)
}

func (n *Normalizer) build(t Type, body []byte) (Event, error) {
	if !json.Valid(body) {
		return Event{}, fmt.Errorf("%w: %s event", ErrMalformedPayload, t)
	}
	data := make(json.RawMessage, len(body))
	copy(data, body)
	return Event{
		Type:      t,
		Data:      data,
		Timestamp: n.now().UnixMilli(),
	}, nil
}
