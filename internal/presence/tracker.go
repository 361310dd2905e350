// Package presence tracks agent availability and the sessions each agent is
// handling. Agents are single-conversation: an agent holding any session is
// never offered or handed another one.
package presence

import (
	"sync"
	"time"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

// Agent is a read-only snapshot of one tracked agent.
type Agent struct {
	ID             uuid.UUID          `json:"id"`
	Name           string             `json:"name"`
	DepartmentID   *uuid.UUID         `json:"department_id"`
	Status         domain.AgentStatus `json:"status"`
	ActiveSessions int                `json:"active_sessions"`
	// PendingOffer is the session currently offered to the agent, or uuid.Nil.
	PendingOffer   uuid.UUID `json:"pending_offer"`
	AvailableSince time.Time `json:"available_since"`
}

type agentState struct {
	id             uuid.UUID
	name           string
	departmentID   *uuid.UUID
	status         domain.AgentStatus
	sessions       map[uuid.UUID]struct{}
	offer          uuid.UUID
	availableSince time.Time
}

func (a *agentState) snapshot() Agent {
	return Agent{
		ID:             a.id,
		Name:           a.name,
		DepartmentID:   a.departmentID,
		Status:         a.status,
		ActiveSessions: len(a.sessions),
		PendingOffer:   a.offer,
		AvailableSince: a.availableSince,
	}
}

func (a *agentState) idle() bool {
	return a.status == domain.AgentAvailable && len(a.sessions) == 0 && a.offer == uuid.Nil
}

func (a *agentState) inDepartment(id uuid.UUID) bool {
	return a.departmentID != nil && *a.departmentID == id
}

type Tracker struct {
	mu       sync.Mutex
	agents   map[uuid.UUID]*agentState
	now      func() time.Time
	onChange func(Agent)
}

func NewTracker() *Tracker {
	return &Tracker{
		agents: make(map[uuid.UUID]*agentState),
		now:    time.Now,
	}
}

// OnChange registers a callback invoked, outside the tracker lock, after every
// status change. It must not call back into the tracker synchronously.
func (t *Tracker) OnChange(fn func(Agent)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// SetClock replaces the time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Tracker) notify(fn func(Agent), changed []Agent) {
	if fn == nil {
		return
	}
	for _, a := range changed {
		fn(a)
	}
}

// Register adds or refreshes an agent from its user record. The status of an
// already tracked agent is kept.
func (t *Tracker) Register(u domain.User) Agent {
	t.mu.Lock()
	a, ok := t.agents[u.ID]
	if !ok {
		status := u.AgentStatus
		if !status.Valid() {
			status = domain.AgentOffline
		}
		a = &agentState{id: u.ID, status: status, sessions: make(map[uuid.UUID]struct{})}
		if status == domain.AgentAvailable {
			a.availableSince = t.now()
		}
		t.agents[u.ID] = a
	}
	a.name = u.DisplayName()
	a.departmentID = u.DepartmentID
	snap := a.snapshot()
	t.mu.Unlock()
	return snap
}

func (t *Tracker) Remove(id uuid.UUID) {
	t.mu.Lock()
	delete(t.agents, id)
	t.mu.Unlock()
}

func (t *Tracker) Get(id uuid.UUID) (Agent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.snapshot(), true
}

// List returns all tracked agents of a department.
func (t *Tracker) List(departmentID uuid.UUID) []Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Agent
	for _, a := range t.agents {
		if a.inDepartment(departmentID) {
			out = append(out, a.snapshot())
		}
	}
	return out
}

// SetStatus is the agent's manual toggle. An agent holding a session that
// asks to be available stays busy; Release makes it available once free.
func (t *Tracker) SetStatus(id uuid.UUID, status domain.AgentStatus) (Agent, error) {
	if !status.Valid() {
		return Agent{}, domain.Validationf("unknown agent status %q", status)
	}
	t.mu.Lock()
	a, ok := t.agents[id]
	if !ok {
		t.mu.Unlock()
		return Agent{}, domain.NotFoundf("agent %s is not tracked", id)
	}
	if status == domain.AgentAvailable && len(a.sessions) > 0 {
		status = domain.AgentBusy
	}
	changed := a.status != status
	t.setStatusLocked(a, status)
	snap := a.snapshot()
	fn := t.onChange
	t.mu.Unlock()

	if changed {
		t.notify(fn, []Agent{snap})
	}
	return snap, nil
}

// CompareAndSetStatus changes the status only if it currently equals from.
func (t *Tracker) CompareAndSetStatus(id uuid.UUID, from, to domain.AgentStatus) bool {
	t.mu.Lock()
	a, ok := t.agents[id]
	if !ok || a.status != from {
		t.mu.Unlock()
		return false
	}
	t.setStatusLocked(a, to)
	snap := a.snapshot()
	fn := t.onChange
	t.mu.Unlock()

	if from != to {
		t.notify(fn, []Agent{snap})
	}
	return true
}

func (t *Tracker) setStatusLocked(a *agentState, status domain.AgentStatus) {
	if status == domain.AgentAvailable && a.status != domain.AgentAvailable {
		a.availableSince = t.now()
	}
	a.status = status
}

// ReserveIdle picks the most recently available idle agent of the department
// and marks sessionID as offered to it, in one step.
func (t *Tracker) ReserveIdle(departmentID, sessionID uuid.UUID) (Agent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *agentState
	for _, a := range t.agents {
		if !a.inDepartment(departmentID) || !a.idle() {
			continue
		}
		if best == nil || a.availableSince.After(best.availableSince) ||
			(a.availableSince.Equal(best.availableSince) && a.id.String() < best.id.String()) {
			best = a
		}
	}
	if best == nil {
		return Agent{}, false
	}
	best.offer = sessionID
	return best.snapshot(), true
}

// ClearOffer drops the pending offer if it still refers to sessionID.
func (t *Tracker) ClearOffer(id, sessionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[id]
	if !ok || a.offer != sessionID {
		return false
	}
	a.offer = uuid.Nil
	return true
}

// Acquire books sessionID on the agent. It fails with a conflict when the
// agent already handles another session.
func (t *Tracker) Acquire(id, sessionID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[id]
	if !ok {
		return domain.NotFoundf("agent %s is not tracked", id)
	}
	if _, held := a.sessions[sessionID]; held {
		return domain.Conflictf("agent already handles chat session %s", sessionID)
	}
	if len(a.sessions) > 0 {
		return domain.Conflictf("agent already has an active chat, close it before taking another")
	}
	a.sessions[sessionID] = struct{}{}
	return nil
}

// Abort undoes an Acquire whose session transition did not commit.
func (t *Tracker) Abort(id, sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.agents[id]; ok {
		delete(a.sessions, sessionID)
	}
}

// MarkBusy records a committed assignment.
func (t *Tracker) MarkBusy(id uuid.UUID) {
	t.mu.Lock()
	a, ok := t.agents[id]
	if !ok || a.status == domain.AgentBusy {
		t.mu.Unlock()
		return
	}
	t.setStatusLocked(a, domain.AgentBusy)
	snap := a.snapshot()
	fn := t.onChange
	t.mu.Unlock()
	t.notify(fn, []Agent{snap})
}

// Release frees sessionID. A busy agent left without sessions becomes available.
func (t *Tracker) Release(id, sessionID uuid.UUID) (Agent, bool) {
	t.mu.Lock()
	a, ok := t.agents[id]
	if !ok {
		t.mu.Unlock()
		return Agent{}, false
	}
	delete(a.sessions, sessionID)
	changed := false
	if len(a.sessions) == 0 && a.status == domain.AgentBusy {
		t.setStatusLocked(a, domain.AgentAvailable)
		changed = true
	}
	snap := a.snapshot()
	fn := t.onChange
	t.mu.Unlock()

	if changed {
		t.notify(fn, []Agent{snap})
	}
	return snap, true
}

// Counts returns the number of available and busy agents in a department.
func (t *Tracker) Counts(departmentID uuid.UUID) (available, busy int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.agents {
		if !a.inDepartment(departmentID) {
			continue
		}
		switch {
		case a.status == domain.AgentBusy:
			busy++
		case a.status == domain.AgentAvailable && len(a.sessions) > 0:
			busy++
		case a.status == domain.AgentAvailable:
			available++
		}
	}
	return available, busy
}
