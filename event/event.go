// Package event defines the canonical realtime event delivered to listeners
// and the normalizer that builds it from transport payloads.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the category of a realtime event.
type Type string

// Event types produced by the managed channel.
const (
	ChatMessage          Type = "chat_message"
	NotificationReceived Type = "notification_received"
)

// Event types produced by the event stream.
const (
	UserUpdated     Type = "user_updated"
	UserDeleted     Type = "user_deleted"
	TaskCreated     Type = "task_created"
	TaskUpdated     Type = "task_updated"
	TaskDeleted     Type = "task_deleted"
	SurveySubmitted Type = "survey_submitted"
	ReportSubmitted Type = "report_submitted"
	TeamUpdated     Type = "team_updated"
)

// StreamTypes lists the named events the event stream forwards. Anything
// else arriving on the stream is ignored by the transport.
var StreamTypes = []Type{
	UserUpdated,
	UserDeleted,
	TaskCreated,
	TaskUpdated,
	TaskDeleted,
	SurveySubmitted,
	ReportSubmitted,
	ChatMessage,
	TeamUpdated,
}

// IsStreamType reports whether name is one of StreamTypes.
func IsStreamType(name string) bool {
	for _, t := range StreamTypes {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Event is the canonical shape every listener receives.
type Event struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
}

// Time returns Timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Is reports whether the event has one of the given types.
func (e Event) Is(types ...Type) bool {
	for _, t := range types {
		if e.Type == t {
			return true
		}
	}
	return false
}
