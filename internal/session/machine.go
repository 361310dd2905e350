// Package session owns the chat-session lifecycle.
//
// Every session has its own mutual-exclusion domain: transitions on one
// session are serialized, unrelated sessions proceed independently. Reads are
// served from the latest committed snapshot without locking. Snapshots are
// persisted after the lock is released; the store drops writes whose version
// is not newer than what it holds.
package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livechat/internal/domain"
	"livechat/internal/store"

	"github.com/google/uuid"
)

type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[domain.ChatSession]
	// seq is the admission order, used to break created_at ties in the queue.
	seq uint64
}

// Transition describes the effect of one mutating operation.
type Transition struct {
	Before  *domain.ChatSession
	After   *domain.ChatSession
	Changed bool
}

type Machine struct {
	sessions    store.Sessions
	departments store.Departments
	now         func() time.Time

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	seq     uint64
}

func NewMachine(sessions store.Sessions, departments store.Departments) *Machine {
	return &Machine{
		sessions:    sessions,
		departments: departments,
		now:         func() time.Time { return time.Now().UTC() },
		entries:     make(map[uuid.UUID]*entry),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Load registers every open session from the store, oldest first.
func (m *Machine) Load(ctx context.Context) (int, error) {
	var open []domain.ChatSession
	for _, status := range []domain.SessionStatus{domain.SessionWaiting, domain.SessionActive} {
		for offset := 0; ; {
			batch, err := m.sessions.ListSessions(ctx, store.SessionFilter{Status: status, Offset: offset, Limit: 1000})
			if err != nil {
				return 0, fmt.Errorf("session load: %w", err)
			}
			open = append(open, batch...)
			if len(batch) < 1000 {
				break
			}
			offset += len(batch)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	for i := range open {
		m.register(open[i].Clone())
	}
	return len(open), nil
}

func (m *Machine) register(s *domain.ChatSession) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[s.ID]; ok {
		return e
	}
	m.seq++
	e := &entry{seq: m.seq}
	e.snap.Store(s)
	m.entries[s.ID] = e
	return e
}

func (m *Machine) lookup(id uuid.UUID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// entry returns the in-memory entry, pulling the session from the store if
// needed. Closed sessions read from the store are not indexed again.
func (m *Machine) entry(ctx context.Context, id uuid.UUID) (*entry, error) {
	if e, ok := m.lookup(id); ok {
		return e, nil
	}
	s, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == domain.SessionClosed {
		e := &entry{}
		e.snap.Store(s)
		return e, nil
	}
	return m.register(s), nil
}

// evict drops a session from the index. Only closed sessions whose final
// snapshot reached the store are evicted.
func (m *Machine) evict(id uuid.UUID) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Indexed reports how many sessions are held in memory.
func (m *Machine) Indexed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Create opens a new waiting session. The department resolves to the given id
// or to the customer-care default when none is given.
func (m *Machine) Create(ctx context.Context, req domain.CreateSessionRequest) (*domain.ChatSession, error) {
	name := strings.TrimSpace(req.CustomerName)
	email := strings.TrimSpace(req.CustomerEmail)
	if name == "" {
		return nil, domain.Validationf("customer name is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.Validationf("a valid customer email is required")
	}

	var (
		dept *domain.Department
		err  error
	)
	if req.DepartmentID != nil {
		dept, err = m.departments.GetDepartment(ctx, *req.DepartmentID)
	} else {
		dept, err = m.departments.CustomerCareDepartment(ctx)
	}
	if err != nil {
		return nil, domain.Validationf("department could not be resolved: %v", err)
	}
	if !dept.IsActive {
		return nil, domain.Validationf("department %s is not active", dept.Name)
	}

	now := m.now()
	s := &domain.ChatSession{
		ID:            uuid.New(),
		CustomerName:  name,
		CustomerEmail: email,
		DepartmentID:  dept.ID,
		Status:        domain.SessionWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	m.register(s)
	return s.Clone(), nil
}

// Get returns the latest committed snapshot.
func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.snap.Load().Clone(), nil
}

// Peek returns the in-memory snapshot without consulting the store.
func (m *Machine) Peek(id uuid.UUID) (*domain.ChatSession, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return e.snap.Load().Clone(), true
}

// Assign moves a waiting session to active with agentID. This is the
// compare-and-set every claim and accept goes through.
func (m *Machine) Assign(ctx context.Context, id, agentID uuid.UUID) (Transition, error) {
	return m.mutate(ctx, id, func(s *domain.ChatSession) (*domain.ChatSession, error) {
		if s.Status != domain.SessionWaiting {
			return nil, domain.Conflictf("chat session already claimed or not available")
		}
		s.AssignedAgentID = &agentID
		handler := agentID
		s.HandledBy = &handler
		s.Status = domain.SessionActive
		return s, nil
	})
}

// Close ends the session. Closing a closed session is a no-op. Once the
// closed snapshot is persisted the session leaves the in-memory index.
func (m *Machine) Close(ctx context.Context, id uuid.UUID) (Transition, error) {
	tr, persisted, err := m.apply(ctx, id, func(s *domain.ChatSession) (*domain.ChatSession, error) {
		if s.Status == domain.SessionClosed {
			return nil, nil
		}
		now := m.now()
		s.Status = domain.SessionClosed
		s.AssignedAgentID = nil
		s.ClosedAt = &now
		return s, nil
	})
	if persisted {
		m.evict(id)
	}
	return tr, err
}

// Requeue moves an active session to the waiting queue of target, recording
// the department it came from.
func (m *Machine) Requeue(ctx context.Context, id, target uuid.UUID) (Transition, error) {
	return m.mutate(ctx, id, func(s *domain.ChatSession) (*domain.ChatSession, error) {
		if s.Status != domain.SessionActive {
			return nil, domain.Conflictf("only active chat sessions can be transferred (status %s)", s.Status)
		}
		from := s.DepartmentID
		// transferred is momentary; only transferred_from survives the requeue.
		s.Status = domain.SessionTransferred
		s.TransferredFrom = &from
		s.DepartmentID = target
		s.AssignedAgentID = nil
		s.Status = domain.SessionWaiting
		return s, nil
	})
}

func (m *Machine) mutate(ctx context.Context, id uuid.UUID, fn func(*domain.ChatSession) (*domain.ChatSession, error)) (Transition, error) {
	tr, _, err := m.apply(ctx, id, fn)
	return tr, err
}

// apply runs fn under the session lock and persists the result. It reports
// whether a changed snapshot was saved.
func (m *Machine) apply(ctx context.Context, id uuid.UUID, fn func(*domain.ChatSession) (*domain.ChatSession, error)) (Transition, bool, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return Transition{}, false, err
	}

	e.mu.Lock()
	before := e.snap.Load()
	next, err := fn(before.Clone())
	if err != nil || next == nil {
		e.mu.Unlock()
		return Transition{Before: before.Clone(), After: before.Clone()}, false, err
	}
	next.Version = before.Version + 1
	next.UpdatedAt = m.now()
	if err := CheckInvariants(next); err != nil {
		e.mu.Unlock()
		return Transition{}, false, err
	}
	e.snap.Store(next)
	e.mu.Unlock()

	persisted := true
	if err := m.sessions.SaveSession(ctx, next); err != nil {
		log.Printf("Failed to persist session %s v%d: %v", next.ID, next.Version, err)
		persisted = false
	}
	return Transition{Before: before.Clone(), After: next.Clone(), Changed: true}, persisted, nil
}

// Waiting lists the department's waiting sessions in queue order.
func (m *Machine) Waiting(departmentID uuid.UUID) []*domain.ChatSession {
	type item struct {
		s   *domain.ChatSession
		seq uint64
	}
	m.mu.RLock()
	items := make([]item, 0)
	for _, e := range m.entries {
		s := e.snap.Load()
		if s.Status == domain.SessionWaiting && s.DepartmentID == departmentID {
			items = append(items, item{s: s, seq: e.seq})
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].s.CreatedAt.Equal(items[j].s.CreatedAt) {
			return items[i].s.CreatedAt.Before(items[j].s.CreatedAt)
		}
		return items[i].seq < items[j].seq
	})
	out := make([]*domain.ChatSession, len(items))
	for i, it := range items {
		out[i] = it.s.Clone()
	}
	return out
}

// Position is the 1-based place of a waiting session in its department queue,
// or 0 when the session is not waiting.
func (m *Machine) Position(id uuid.UUID) int {
	e, ok := m.lookup(id)
	if !ok {
		return 0
	}
	s := e.snap.Load()
	if s.Status != domain.SessionWaiting {
		return 0
	}
	for i, w := range m.Waiting(s.DepartmentID) {
		if w.ID == id {
			return i + 1
		}
	}
	return 0
}

// ActiveFor returns the sessions currently assigned to agentID.
func (m *Machine) ActiveFor(agentID uuid.UUID) []*domain.ChatSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ChatSession
	for _, e := range m.entries {
		s := e.snap.Load()
		if s.Status == domain.SessionActive && s.AssignedAgentID != nil && *s.AssignedAgentID == agentID {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Departments returns every department that currently has waiting sessions.
func (m *Machine) Departments() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, e := range m.entries {
		s := e.snap.Load()
		if s.Status != domain.SessionWaiting {
			continue
		}
		if _, ok := seen[s.DepartmentID]; !ok {
			seen[s.DepartmentID] = struct{}{}
			out = append(out, s.DepartmentID)
		}
	}
	return out
}

// CheckInvariants validates the status-dependent fields of a session.
func CheckInvariants(s *domain.ChatSession) error {
	switch s.Status {
	case domain.SessionWaiting, domain.SessionActive, domain.SessionTransferred, domain.SessionClosed:
	default:
		return fmt.Errorf("session %s: unknown status %q", s.ID, s.Status)
	}
	if (s.AssignedAgentID != nil) != (s.Status == domain.SessionActive) {
		return fmt.Errorf("session %s: assigned agent must be set exactly when active (status %s)", s.ID, s.Status)
	}
	if (s.ClosedAt != nil) != (s.Status == domain.SessionClosed) {
		return fmt.Errorf("session %s: closed_at must be set exactly when closed (status %s)", s.ID, s.Status)
	}
	return nil
}
