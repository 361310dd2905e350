// Package memory is an in-process store.Store used for development without a
// database and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"livechat/internal/domain"
	"livechat/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]*domain.ChatSession
	messages    map[uuid.UUID][]domain.Message
	departments map[uuid.UUID]*domain.Department
	users       map[uuid.UUID]*domain.User
	reviews     map[uuid.UUID]*domain.Review
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions:    make(map[uuid.UUID]*domain.ChatSession),
		messages:    make(map[uuid.UUID][]domain.Message),
		departments: make(map[uuid.UUID]*domain.Department),
		users:       make(map[uuid.UUID]*domain.User),
		reviews:     make(map[uuid.UUID]*domain.Review),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateSession(_ context.Context, cs *domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[cs.ID]; exists {
		return domain.Conflictf("session %s already exists", cs.ID)
	}
	s.sessions[cs.ID] = cs.Clone()
	return nil
}

func (s *Store) SaveSession(_ context.Context, cs *domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[cs.ID]
	if !ok {
		return domain.NotFoundf("session %s", cs.ID)
	}
	if current.Version >= cs.Version {
		return nil
	}
	s.sessions[cs.ID] = cs.Clone()
	return nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, domain.NotFoundf("session %s", id)
	}
	return cs.Clone(), nil
}

func (s *Store) ListSessions(_ context.Context, f store.SessionFilter) ([]domain.ChatSession, error) {
	s.mu.RLock()
	result := make([]domain.ChatSession, 0)
	for _, cs := range s.sessions {
		if f.Status != "" && cs.Status != f.Status {
			continue
		}
		if f.DepartmentID != nil && cs.DepartmentID != *f.DepartmentID {
			continue
		}
		if f.AgentID != nil && (cs.AssignedAgentID == nil || *cs.AssignedAgentID != *f.AgentID) {
			continue
		}
		result = append(result, *cs.Clone())
	}
	s.mu.RUnlock()

	// newest first
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	offset, limit := store.NormalizePage(f.Offset, f.Limit)
	return page(result, offset, limit), nil
}

func (s *Store) AppendMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[m.SessionID]; !ok {
		return domain.NotFoundf("session %s", m.SessionID)
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	return nil
}

func (s *Store) ListMessages(_ context.Context, sessionID uuid.UUID, offset, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, limit = store.NormalizePage(offset, limit)
	msgs := s.messages[sessionID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return page(out, offset, limit), nil
}

func (s *Store) CreateDepartment(_ context.Context, d *domain.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.departments {
		if existing.Name == d.Name {
			return domain.Conflictf("department %q already exists", d.Name)
		}
	}
	if d.IsCustomerCare {
		s.clearCustomerCareLocked(d.ID)
	}
	cp := *d
	s.departments[d.ID] = &cp
	return nil
}

func (s *Store) UpdateDepartment(_ context.Context, d *domain.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.departments[d.ID]; !ok {
		return domain.NotFoundf("department %s", d.ID)
	}
	if d.IsCustomerCare {
		s.clearCustomerCareLocked(d.ID)
	}
	cp := *d
	s.departments[d.ID] = &cp
	return nil
}

// clearCustomerCareLocked keeps at most one department flagged as customer care.
func (s *Store) clearCustomerCareLocked(except uuid.UUID) {
	for id, d := range s.departments {
		if id != except && d.IsCustomerCare {
			d.IsCustomerCare = false
		}
	}
}

func (s *Store) DeleteDepartment(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.departments[id]; !ok {
		return domain.NotFoundf("department %s", id)
	}
	delete(s.departments, id)
	return nil
}

func (s *Store) GetDepartment(_ context.Context, id uuid.UUID) (*domain.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.departments[id]
	if !ok {
		return nil, domain.NotFoundf("department %s", id)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDepartments(_ context.Context, activeOnly bool) ([]domain.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Department, 0, len(s.departments))
	for _, d := range s.departments {
		if activeOnly && !d.IsActive {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CustomerCareDepartment(_ context.Context) (*domain.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.departments {
		if d.IsCustomerCare && d.IsActive {
			cp := *d
			return &cp, nil
		}
	}
	return nil, domain.NotFoundf("customer care department not configured")
}

func (s *Store) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return domain.Conflictf("user %q already exists", u.Username)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) UpdateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return domain.NotFoundf("user %s", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return domain.NotFoundf("user %s", id)
	}
	delete(s.users, id)
	return nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.NotFoundf("user %s", id)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) ListUsers(_ context.Context, f store.UserFilter) ([]domain.User, error) {
	s.mu.RLock()
	out := make([]domain.User, 0)
	for _, u := range s.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.DepartmentID != nil && !u.InDepartment(*f.DepartmentID) {
			continue
		}
		if f.AgentStatus != "" && u.AgentStatus != f.AgentStatus {
			continue
		}
		out = append(out, *u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	offset, limit := store.NormalizePage(f.Offset, f.Limit)
	return page(out, offset, limit), nil
}

func (s *Store) SetAgentStatus(_ context.Context, id uuid.UUID, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.NotFoundf("user %s", id)
	}
	u.AgentStatus = status
	return nil
}

func (s *Store) CreateReview(_ context.Context, r *domain.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reviews {
		if existing.SessionID == r.SessionID {
			return domain.Conflictf("review already submitted for session %s", r.SessionID)
		}
	}
	cp := *r
	s.reviews[r.ID] = &cp
	return nil
}

func (s *Store) GetReview(_ context.Context, id uuid.UUID) (*domain.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviews[id]
	if !ok {
		return nil, domain.NotFoundf("review %s", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetReviewBySession(_ context.Context, sessionID uuid.UUID) (*domain.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reviews {
		if r.SessionID == sessionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.NotFoundf("review for session %s", sessionID)
}

func (s *Store) ListReviews(_ context.Context, f store.ReviewFilter) ([]domain.Review, error) {
	s.mu.RLock()
	out := make([]domain.Review, 0)
	for _, r := range s.reviews {
		if f.DepartmentID != nil && r.DepartmentID != *f.DepartmentID {
			continue
		}
		if f.AgentID != nil && (r.AgentID == nil || *r.AgentID != *f.AgentID) {
			continue
		}
		if f.MinRating > 0 && r.Rating < f.MinRating {
			continue
		}
		if f.MaxRating > 0 && r.Rating > f.MaxRating {
			continue
		}
		out = append(out, *r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	offset, limit := store.NormalizePage(f.Offset, f.Limit)
	return page(out, offset, limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
