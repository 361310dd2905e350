package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livechat/internal/domain"
	"livechat/internal/store/memory"

	"github.com/google/uuid"
)

type fixture struct {
	m     *Machine
	st    *memory.Store
	care  *domain.Department
	sales *domain.Department
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	care := &domain.Department{ID: uuid.New(), Name: "Customer Care", IsActive: true, IsCustomerCare: true}
	sales := &domain.Department{ID: uuid.New(), Name: "Sales", IsActive: true}
	for _, d := range []*domain.Department{care, sales} {
		if err := st.CreateDepartment(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{m: NewMachine(st, st), st: st, care: care, sales: sales}
}

func (f *fixture) create(t *testing.T) *domain.ChatSession {
	t.Helper()
	cs, err := f.m.Create(context.Background(), domain.CreateSessionRequest{CustomerName: "Olivia", CustomerEmail: "olivia@example.com"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return cs
}

func TestCreateDefaultsToCustomerCare(t *testing.T) {
	f := newFixture(t)
	cs := f.create(t)
	if cs.DepartmentID != f.care.ID || cs.Status != domain.SessionWaiting || cs.AssignedAgentID != nil {
		t.Fatalf("created %+v", cs)
	}
	stored, err := f.st.GetSession(context.Background(), cs.ID)
	if err != nil || stored.Version != 1 {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inactive := &domain.Department{ID: uuid.New(), Name: "Closed desk"}
	f.st.CreateDepartment(ctx, inactive)
	missing := uuid.New()

	cases := []domain.CreateSessionRequest{
		{CustomerName: " ", CustomerEmail: "a@example.com"},
		{CustomerName: "Olivia", CustomerEmail: "not-an-email"},
		{CustomerName: "Olivia", CustomerEmail: "a@example.com", DepartmentID: &inactive.ID},
		{CustomerName: "Olivia", CustomerEmail: "a@example.com", DepartmentID: &missing},
	}
	for i, req := range cases {
		if _, err := f.m.Create(ctx, req); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("case %d: err = %v, want validation", i, err)
		}
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.create(t)
	agent := uuid.New()

	tr, err := f.m.Assign(ctx, cs.ID, agent)
	if err != nil || !tr.Changed {
		t.Fatalf("Assign: %v", err)
	}
	if tr.After.Status != domain.SessionActive || *tr.After.AssignedAgentID != agent || *tr.After.HandledBy != agent {
		t.Fatalf("after assign: %+v", tr.After)
	}
	if f.m.Position(cs.ID) != 0 {
		t.Fatal("active session still has a queue position")
	}

	tr, err = f.m.Requeue(ctx, cs.ID, f.sales.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if tr.After.Status != domain.SessionWaiting || tr.After.AssignedAgentID != nil ||
		tr.After.DepartmentID != f.sales.ID || *tr.After.TransferredFrom != f.care.ID {
		t.Fatalf("after requeue: %+v", tr.After)
	}

	tr, err = f.m.Close(ctx, cs.ID)
	if err != nil || !tr.Changed {
		t.Fatalf("Close: %v", err)
	}
	if tr.After.ClosedAt == nil || tr.After.AssignedAgentID != nil || tr.After.HandledBy == nil {
		t.Fatalf("after close: %+v", tr.After)
	}

	again, err := f.m.Close(ctx, cs.ID)
	if err != nil || again.Changed {
		t.Fatalf("second Close changed=%v err=%v", again.Changed, err)
	}
	if _, err := f.m.Assign(ctx, cs.ID, agent); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("assign closed: %v", err)
	}

	stored, _ := f.st.GetSession(ctx, cs.ID)
	if stored.Status != domain.SessionClosed || stored.Version != 4 {
		t.Fatalf("stored v%d %s", stored.Version, stored.Status)
	}
}

func TestRequeueRequiresActive(t *testing.T) {
	f := newFixture(t)
	cs := f.create(t)
	if _, err := f.m.Requeue(context.Background(), cs.ID, f.sales.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("requeue waiting: %v", err)
	}
}

func TestConcurrentAssignOneWinner(t *testing.T) {
	f := newFixture(t)
	cs := f.create(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.m.Assign(context.Background(), cs.ID, uuid.New()); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, domain.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d", wins.Load())
	}
}

func TestWaitingOrderBreaksTiesByAdmission(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.m.SetClock(func() time.Time { return fixed })

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		ids = append(ids, f.create(t).ID)
	}
	waiting := f.m.Waiting(f.care.ID)
	for i, s := range waiting {
		if s.ID != ids[i] {
			t.Fatalf("queue[%d] = %s, want %s", i, s.ID, ids[i])
		}
		if f.m.Position(s.ID) != i+1 {
			t.Fatalf("position of %d = %d", i, f.m.Position(s.ID))
		}
	}
	if got := f.m.Departments(); len(got) != 1 || got[0] != f.care.ID {
		t.Fatalf("departments = %v", got)
	}
}

func TestLoadRestoresOpenSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waiting := f.create(t)
	active := f.create(t)
	closed := f.create(t)
	agent := uuid.New()
	f.m.Assign(ctx, active.ID, agent)
	f.m.Close(ctx, closed.ID)

	restarted := NewMachine(f.st, f.st)
	n, err := restarted.Load(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Load = %d, %v", n, err)
	}
	if restarted.Position(waiting.ID) != 1 {
		t.Fatal("waiting session not queued after load")
	}
	if got := restarted.ActiveFor(agent); len(got) != 1 || got[0].ID != active.ID {
		t.Fatalf("ActiveFor = %v", got)
	}
	if _, ok := restarted.Peek(closed.ID); ok {
		t.Fatal("closed session loaded into memory")
	}
	if cs, err := restarted.Get(ctx, closed.ID); err != nil || cs.Status != domain.SessionClosed {
		t.Fatalf("Get closed = %+v, %v", cs, err)
	}
}

type unsavedStore struct {
	*memory.Store
}

func (unsavedStore) SaveSession(context.Context, *domain.ChatSession) error {
	return errors.New("database unavailable")
}

func TestClosedSessionsLeaveIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 50; i++ {
		ids = append(ids, f.create(t).ID)
	}
	open := f.create(t)
	for _, id := range ids {
		if _, err := f.m.Close(ctx, id); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if n := f.m.Indexed(); n != 1 {
		t.Fatalf("indexed = %d, want only the open session", n)
	}
	if w := f.m.Waiting(f.care.ID); len(w) != 1 || w[0].ID != open.ID {
		t.Fatalf("waiting = %v", w)
	}

	cs, err := f.m.Get(ctx, ids[0])
	if err != nil || cs.Status != domain.SessionClosed {
		t.Fatalf("Get closed = %+v, %v", cs, err)
	}
	if tr, err := f.m.Close(ctx, ids[0]); err != nil || tr.Changed {
		t.Fatalf("Close again changed=%v err=%v", tr.Changed, err)
	}
	if n := f.m.Indexed(); n != 1 {
		t.Fatalf("reading a closed session re-indexed it: %d", n)
	}
}

func TestUnpersistedCloseStaysIndexed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.create(t)

	m := NewMachine(unsavedStore{f.st}, f.st)
	if _, err := m.Get(ctx, cs.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := m.Close(ctx, cs.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Indexed() != 1 {
		t.Fatal("closed session evicted before it was persisted")
	}
	if snap, ok := m.Peek(cs.ID); !ok || snap.Status != domain.SessionClosed {
		t.Fatalf("Peek = %+v, %v", snap, ok)
	}
}

func TestCheckInvariants(t *testing.T) {
	agent := uuid.New()
	now := time.Now()
	cases := []struct {
		s     domain.ChatSession
		valid bool
	}{
		{domain.ChatSession{Status: domain.SessionWaiting}, true},
		{domain.ChatSession{Status: domain.SessionActive, AssignedAgentID: &agent}, true},
		{domain.ChatSession{Status: domain.SessionActive}, false},
		{domain.ChatSession{Status: domain.SessionWaiting, AssignedAgentID: &agent}, false},
		{domain.ChatSession{Status: domain.SessionClosed, ClosedAt: &now}, true},
		{domain.ChatSession{Status: domain.SessionClosed}, false},
		{domain.ChatSession{Status: "archived"}, false},
	}
	for i, c := range cases {
		err := CheckInvariants(&c.s)
		if (err == nil) != c.valid {
			t.Errorf("case %d: err = %v, valid = %v", i, err, c.valid)
		}
	}
}
