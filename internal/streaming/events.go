package streaming

import (
	"encoding/json"
	"time"

	"github.com/loomworks/deepresearch/internal/models"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventStarted      EventType = "started"
	EventStageEntered EventType = "stage_entered"
	EventStageExited  EventType = "stage_exited"
	EventToken        EventType = "token"
	EventCompleted    EventType = "completed"
	EventCancelled    EventType = "cancelled"
	EventError        EventType = "error"
)

// Terminal reports whether t ends a session's event stream. Exactly one
// terminal event is emitted per session, always last.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventCancelled || t == EventError
}

// Event is one entry in a session's ordered, append-only event sequence.
// Seq is assigned by the manager at publish time and is monotonic per
// session.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Query     string    `json:"query,omitempty"`
	Content   string    `json:"content,omitempty"` // token pass-through
	Message   string    `json:"message,omitempty"` // error detail

	// Completion payload
	Report     string            `json:"report,omitempty"`
	Citations  []models.Citation `json:"citations,omitempty"`
	Iterations int               `json:"iterations,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
