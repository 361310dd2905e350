package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionWaiting     SessionStatus = "waiting"
	SessionActive      SessionStatus = "active"
	SessionTransferred SessionStatus = "transferred"
	SessionClosed      SessionStatus = "closed"
)

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentOffline:
		return true
	}
	return false
}

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// ChatSession is one customer-to-support conversation. AssignedAgentID is set
// if and only if Status is active; ClosedAt is set if and only if Status is closed.
type ChatSession struct {
	ID              uuid.UUID     `json:"id"`
	CustomerName    string        `json:"customer_name"`
	CustomerEmail   string        `json:"customer_email"`
	DepartmentID    uuid.UUID     `json:"department_id"`
	AssignedAgentID *uuid.UUID    `json:"assigned_agent_id"`
	Status          SessionStatus `json:"status"`
	TransferredFrom *uuid.UUID    `json:"transferred_from"`
	// HandledBy is the last agent the session was assigned to. It survives closure.
	HandledBy       *uuid.UUID    `json:"handled_by"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ClosedAt        *time.Time    `json:"closed_at"`
	// Version increases on every committed transition; stores drop stale writes.
	Version         int64         `json:"version"`
}

// Clone returns a deep copy so snapshots can be handed out without sharing pointers.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.AssignedAgentID != nil {
		id := *s.AssignedAgentID
		c.AssignedAgentID = &id
	}
	if s.TransferredFrom != nil {
		id := *s.TransferredFrom
		c.TransferredFrom = &id
	}
	if s.HandledBy != nil {
		id := *s.HandledBy
		c.HandledBy = &id
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

type Message struct {
	ID              uuid.UUID  `json:"id"`
	SessionID       uuid.UUID  `json:"chat_session_id"`
	SenderID        *uuid.UUID `json:"sender_id"`
	SenderName      string     `json:"sender_name"`
	Content         string     `json:"content"`
	IsSystemMessage bool       `json:"is_system_message"`
	CreatedAt       time.Time  `json:"created_at"`
}

type Department struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	IsActive       bool      `json:"is_active"`
	IsCustomerCare bool      `json:"is_customer_care"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type User struct {
	ID           uuid.UUID   `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	FullName     string      `json:"full_name"`
	Role         Role        `json:"role"`
	DepartmentID *uuid.UUID  `json:"department_id"`
	IsActive     bool        `json:"is_active"`
	AgentStatus  AgentStatus `json:"agent_status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DisplayName prefers the full name and falls back to the username.
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

func (u *User) InDepartment(id uuid.UUID) bool {
	return u.DepartmentID != nil && *u.DepartmentID == id
}

type Review struct {
	ID            uuid.UUID  `json:"id"`
	SessionID     uuid.UUID  `json:"chat_session_id"`
	Rating        int        `json:"rating"`
	Comment       string     `json:"comment"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	AgentID       *uuid.UUID `json:"agent_id"`
	DepartmentID  uuid.UUID  `json:"department_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// QueueStatus is a derived view of a waiting session's place in its department queue.
type QueueStatus struct {
	SessionID            uuid.UUID     `json:"chat_session_id"`
	Position             int           `json:"position"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes"`
	Status               SessionStatus `json:"status"`
	AgentsAvailable      int           `json:"agents_available"`
	AgentsBusy           int           `json:"agents_busy"`
}

// ReviewStats aggregates the ratings matched by a review filter.
type ReviewStats struct {
	Total     int         `json:"total"`
	Average   float64     `json:"average"`
	Histogram map[int]int `json:"histogram"`
}
