package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Frame types carried over the realtime channel.
const (
	FrameMessage             = "message"
	FrameTyping              = "typing"
	FrameSystemMessage       = "system_message"
	FrameAgentAssigned       = "agent_assigned"
	FrameIncomingAssignment  = "incoming_assignment"
	FrameNewAssignment       = "new_assignment"
	FrameAssignmentCancelled = "assignment_cancelled"
	FrameQueueStatus         = "queue_status"
	FrameChatClosed          = "chat_closed"
	FrameRouteClosed         = "route_closed"
	FrameStatusUpdate        = "status_update"
	FrameStatusUpdated       = "status_updated"
	FrameConnected           = "connected"
	FrameUserJoined          = "user_joined"
	FrameUserLeft            = "user_left"
	FramePing                = "ping"
	FramePong                = "pong"
	FrameError               = "error"
)

// Frame is the JSON envelope for every realtime message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewFrame wraps payload into a successful frame of the given type.
func NewFrame(frameType string, payload interface{}) Frame {
	f := Frame{Type: frameType, Success: true}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			f.Data = data
		}
	}
	return f
}

func ErrorFrame(msg string) Frame {
	return Frame{Type: FrameError, Success: false, Error: msg}
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

type MessagePayload struct {
	MessageID       uuid.UUID  `json:"message_id"`
	SessionID       uuid.UUID  `json:"chat_session_id"`
	SenderID        *uuid.UUID `json:"sender_id,omitempty"`
	SenderName      string     `json:"sender_name"`
	Content         string     `json:"content"`
	IsSystemMessage bool       `json:"is_system_message"`
	Timestamp       time.Time  `json:"timestamp"`
}

func NewMessagePayload(m *Message) MessagePayload {
	return MessagePayload{
		MessageID:       m.ID,
		SessionID:       m.SessionID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		Content:         m.Content,
		IsSystemMessage: m.IsSystemMessage,
		Timestamp:       m.CreatedAt,
	}
}

type TypingPayload struct {
	SessionID  uuid.UUID `json:"chat_session_id"`
	SenderName string    `json:"sender_name"`
	IsTyping   bool      `json:"is_typing"`
	Timestamp  time.Time `json:"timestamp"`
}

type SystemMessagePayload struct {
	SessionID       uuid.UUID `json:"chat_session_id"`
	Content         string    `json:"content"`
	IsSystemMessage bool      `json:"is_system_message"`
}

type AgentAssignedPayload struct {
	SessionID uuid.UUID `json:"chat_session_id"`
	AgentID   uuid.UUID `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Message   string    `json:"message"`
}

type IncomingAssignmentPayload struct {
	SessionID      uuid.UUID `json:"chat_session_id"`
	CustomerName   string    `json:"customer_name"`
	CustomerEmail  string    `json:"customer_email"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Deadline       time.Time `json:"deadline"`
	Message        string    `json:"message"`
}

type NewAssignmentPayload struct {
	SessionID     uuid.UUID `json:"chat_session_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
}

type AssignmentCancelledPayload struct {
	SessionID uuid.UUID `json:"chat_session_id"`
	Reason    string    `json:"reason"`
}

type QueueStatusPayload struct {
	QueueStatus
	Message string `json:"message"`
}

type ChatClosedPayload struct {
	SessionID uuid.UUID `json:"chat_session_id"`
	Message   string    `json:"message"`
}

type RouteClosedPayload struct {
	SessionID uuid.UUID `json:"chat_session_id"`
	Reason    string    `json:"reason"`
}

type StatusUpdatePayload struct {
	Status AgentStatus `json:"status"`
}

type ConnectedPayload struct {
	SessionID *uuid.UUID `json:"chat_session_id,omitempty"`
	AgentID   *uuid.UUID `json:"agent_id,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

type ParticipantPayload struct {
	SessionID  uuid.UUID `json:"chat_session_id"`
	SenderName string    `json:"sender_name"`
}

// ClientMessage is what a participant sends over its chat channel.
type ClientMessage struct {
	Type      string      `json:"type"`
	Content   string      `json:"content,omitempty"`
	IsTyping  *bool       `json:"is_typing,omitempty"`
	Status    AgentStatus `json:"status,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

type CreateSessionRequest struct {
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	DepartmentID  *uuid.UUID `json:"department_id"`
}

type PostMessageRequest struct {
	SenderID        *uuid.UUID `json:"sender_id"`
	SenderName      string     `json:"sender_name"`
	Content         string     `json:"content"`
	IsSystemMessage bool       `json:"is_system_message"`
}

type TransferRequest struct {
	TargetDepartmentID uuid.UUID `json:"target_department_id"`
	Reason             string    `json:"reason"`
}

type SetAgentStatusRequest struct {
	Status AgentStatus `json:"status"`
}

type CreateReviewRequest struct {
	SessionID uuid.UUID `json:"chat_session_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
}
