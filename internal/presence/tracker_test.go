package presence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

func newAgent(dept uuid.UUID, status domain.AgentStatus) domain.User {
	return domain.User{
		ID:           uuid.New(),
		Username:     "agent-" + uuid.NewString()[:8],
		Role:         domain.RoleAgent,
		DepartmentID: &dept,
		IsActive:     true,
		AgentStatus:  status,
	}
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestReserveIdlePicksMostRecentlyAvailable(t *testing.T) {
	tr := NewTracker()
	tr.SetClock(steppingClock())
	dept := uuid.New()

	first := tr.Register(newAgent(dept, domain.AgentAvailable))
	second := tr.Register(newAgent(dept, domain.AgentAvailable))
	tr.Register(newAgent(uuid.New(), domain.AgentAvailable))

	got, ok := tr.ReserveIdle(dept, uuid.New())
	if !ok {
		t.Fatalf("expected an idle agent")
	}
	if got.ID != second.ID {
		t.Fatalf("expected most recently available agent %s, got %s", second.ID, got.ID)
	}

	// the reserved agent is no longer idle
	next, ok := tr.ReserveIdle(dept, uuid.New())
	if !ok || next.ID != first.ID {
		t.Fatalf("expected second reservation to go to %s, got %+v (ok=%v)", first.ID, next, ok)
	}
	if _, ok := tr.ReserveIdle(dept, uuid.New()); ok {
		t.Fatalf("expected no idle agent left")
	}
}

func TestClearOfferOnlyMatchingSession(t *testing.T) {
	tr := NewTracker()
	dept := uuid.New()
	a := tr.Register(newAgent(dept, domain.AgentAvailable))
	sid := uuid.New()
	if _, ok := tr.ReserveIdle(dept, sid); !ok {
		t.Fatalf("expected reservation")
	}
	if tr.ClearOffer(a.ID, uuid.New()) {
		t.Fatalf("clearing a different session must fail")
	}
	if !tr.ClearOffer(a.ID, sid) {
		t.Fatalf("clearing the offered session must succeed")
	}
	if got, _ := tr.Get(a.ID); got.PendingOffer != uuid.Nil {
		t.Fatalf("offer still pending: %s", got.PendingOffer)
	}
}

func TestAcquireIsSingleConversation(t *testing.T) {
	tr := NewTracker()
	a := tr.Register(newAgent(uuid.New(), domain.AgentAvailable))

	s1, s2 := uuid.New(), uuid.New()
	if err := tr.Acquire(a.ID, s1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := tr.Acquire(a.ID, s2); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	tr.MarkBusy(a.ID)
	if got, _ := tr.Get(a.ID); got.Status != domain.AgentBusy || got.ActiveSessions != 1 {
		t.Fatalf("unexpected state after assignment: %+v", got)
	}

	got, _ := tr.Release(a.ID, s1)
	if got.Status != domain.AgentAvailable || got.ActiveSessions != 0 {
		t.Fatalf("release should make the agent available again: %+v", got)
	}
	if err := tr.Acquire(a.ID, s2); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestConcurrentAcquireAllowsOneSession(t *testing.T) {
	tr := NewTracker()
	a := tr.Register(newAgent(uuid.New(), domain.AgentAvailable))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Acquire(a.ID, uuid.New()); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one acquire to succeed, got %d", success)
	}
}

func TestReleaseKeepsOfflineAgentOffline(t *testing.T) {
	tr := NewTracker()
	a := tr.Register(newAgent(uuid.New(), domain.AgentOffline))
	sid := uuid.New()
	if err := tr.Acquire(a.ID, sid); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := tr.SetStatus(a.ID, domain.AgentOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := tr.Release(a.ID, sid)
	if got.Status != domain.AgentOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}
}

func TestCountsAndOnChange(t *testing.T) {
	tr := NewTracker()
	dept := uuid.New()
	var changes []Agent
	tr.OnChange(func(a Agent) { changes = append(changes, a) })

	a := tr.Register(newAgent(dept, domain.AgentAvailable))
	b := tr.Register(newAgent(dept, domain.AgentOffline))
	tr.Register(newAgent(dept, domain.AgentBusy))

	if _, err := tr.SetStatus(b.ID, domain.AgentAvailable); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if !tr.CompareAndSetStatus(a.ID, domain.AgentAvailable, domain.AgentOffline) {
		t.Fatalf("compare-and-set from available should succeed")
	}
	if tr.CompareAndSetStatus(a.ID, domain.AgentAvailable, domain.AgentBusy) {
		t.Fatalf("compare-and-set from a stale status must fail")
	}

	available, busy := tr.Counts(dept)
	if available != 1 || busy != 1 {
		t.Fatalf("expected 1 available and 1 busy, got %d/%d", available, busy)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 change notifications, got %d", len(changes))
	}

	if _, err := tr.SetStatus(a.ID, "away"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := tr.SetStatus(uuid.New(), domain.AgentBusy); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAvailableWhileHoldingSessionCountsAsBusy(t *testing.T) {
	tr := NewTracker()
	dept := uuid.New()
	a := tr.Register(newAgent(dept, domain.AgentOffline))
	sid := uuid.New()
	if err := tr.Acquire(a.ID, sid); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got, err := tr.SetStatus(a.ID, domain.AgentAvailable)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got.Status != domain.AgentBusy {
		t.Fatalf("expected busy while holding a session, got %s", got.Status)
	}
	if available, busy := tr.Counts(dept); available != 0 || busy != 1 {
		t.Fatalf("expected 0 available and 1 busy, got %d/%d", available, busy)
	}

	got, _ = tr.Release(a.ID, sid)
	if got.Status != domain.AgentAvailable {
		t.Fatalf("expected available after release, got %s", got.Status)
	}
	if available, busy := tr.Counts(dept); available != 1 || busy != 0 {
		t.Fatalf("expected 1 available and 0 busy, got %d/%d", available, busy)
	}
}
