package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published on the event stream.
const (
	EventSessionCreated     = "session_created"
	EventSessionAssigned    = "session_assigned"
	EventSessionTransferred = "session_transferred"
	EventSessionClosed      = "session_closed"

	EventAssignmentOffered  = "assignment_offered"
	EventAssignmentAccepted = "assignment_accepted"
	EventAssignmentDeclined = "assignment_declined"
	EventAssignmentExpired  = "assignment_expired"
)

type ChatMessageEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type TypingEvent struct {
	Type       string    `json:"type"`
	SessionID  uuid.UUID `json:"session_id"`
	SenderName string    `json:"sender_name"`
	UserType   string    `json:"user_type"`
	IsTyping   bool      `json:"is_typing"`
	Timestamp  time.Time `json:"timestamp"`
}

type ConnectionStatusEvent struct {
	Type             string                 `json:"type"`
	SessionID        uuid.UUID              `json:"session_id"`
	ConnectionStatus map[string]interface{} `json:"connection_status"`
	Timestamp        time.Time              `json:"timestamp"`
}

type SessionEvent struct {
	Type         string        `json:"type"`
	SessionID    uuid.UUID     `json:"session_id"`
	DepartmentID uuid.UUID     `json:"department_id"`
	AgentID      *uuid.UUID    `json:"agent_id,omitempty"`
	Status       SessionStatus `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
}

type AssignmentEvent struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	AgentID   uuid.UUID `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// InboundMessage is a message posted into a session by another service.
type InboundMessage struct {
	SessionID  uuid.UUID  `json:"session_id"`
	SenderID   *uuid.UUID `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Content    string     `json:"content"`
}

// EventPublisher hands events to the event stream. Failures are reported to
// the caller but never undo the state change that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, interface{}) error { return nil }
