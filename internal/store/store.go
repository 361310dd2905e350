// Package store declares the persistence collaborators used by the chat
// components. Implementations: memory.Store (dev and tests) and
// postgres.Store.
package store

import (
	"context"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

type SessionFilter struct {
	Status       domain.SessionStatus
	DepartmentID *uuid.UUID
	AgentID      *uuid.UUID
	Offset       int
	Limit        int
}

type UserFilter struct {
	Role         domain.Role
	DepartmentID *uuid.UUID
	AgentStatus  domain.AgentStatus
	Offset       int
	Limit        int
}

type ReviewFilter struct {
	DepartmentID *uuid.UUID
	AgentID      *uuid.UUID
	MinRating    int
	MaxRating    int
	Offset       int
	Limit        int
}

type Sessions interface {
	CreateSession(ctx context.Context, s *domain.ChatSession) error
	// SaveSession persists s unless the stored version is already newer.
	SaveSession(ctx context.Context, s *domain.ChatSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]domain.ChatSession, error)
}

type Messages interface {
	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]domain.Message, error)
}

type Departments interface {
	CreateDepartment(ctx context.Context, d *domain.Department) error
	UpdateDepartment(ctx context.Context, d *domain.Department) error
	DeleteDepartment(ctx context.Context, id uuid.UUID) error
	GetDepartment(ctx context.Context, id uuid.UUID) (*domain.Department, error)
	ListDepartments(ctx context.Context, activeOnly bool) ([]domain.Department, error)
	// CustomerCareDepartment returns the active default-routing department.
	CustomerCareDepartment(ctx context.Context) (*domain.Department, error)
}

type Users interface {
	CreateUser(ctx context.Context, u *domain.User) error
	UpdateUser(ctx context.Context, u *domain.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]domain.User, error)
	SetAgentStatus(ctx context.Context, id uuid.UUID, status domain.AgentStatus) error
}

type Reviews interface {
	CreateReview(ctx context.Context, r *domain.Review) error
	GetReview(ctx context.Context, id uuid.UUID) (*domain.Review, error)
	GetReviewBySession(ctx context.Context, sessionID uuid.UUID) (*domain.Review, error)
	ListReviews(ctx context.Context, f ReviewFilter) ([]domain.Review, error)
}

type Store interface {
	Sessions
	Messages
	Departments
	Users
	Reviews
	Close() error
}

// DefaultLimit bounds list queries that do not specify one.
const DefaultLimit = 100

func NormalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = DefaultLimit
	}
	return offset, limit
}
