package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"livechat/internal/dispatch"
	"livechat/internal/domain"
	"livechat/internal/presence"
	"livechat/internal/relay"
	"livechat/internal/session"
	"livechat/internal/store/memory"

	"github.com/google/uuid"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []domain.Frame
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(domain.Frame))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) types() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.Type
	}
	return out, c.closed
}

type env struct {
	store    *memory.Store
	machine  *session.Machine
	presence *presence.Tracker
	relay    *relay.Relay
	disp     *dispatch.Dispatcher
	coord    *Coordinator
	billing  domain.Department
	support  domain.Department
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	billing := domain.Department{ID: uuid.New(), Name: "Billing", IsActive: true}
	support := domain.Department{ID: uuid.New(), Name: "Support", IsActive: true, IsCustomerCare: true}
	for _, d := range []*domain.Department{&billing, &support} {
		if err := st.CreateDepartment(ctx, d); err != nil {
			t.Fatalf("create department: %v", err)
		}
	}
	m := session.NewMachine(st, st)
	tr := presence.NewTracker()
	r := relay.New(16)
	d := dispatch.New(dispatch.Config{OfferTimeout: time.Minute}, m, tr, st, r, nil)
	t.Cleanup(d.Stop)
	return &env{
		store:    st,
		machine:  m,
		presence: tr,
		relay:    r,
		disp:     d,
		coord:    NewCoordinator(m, st, st, r, tr, d, nil),
		billing:  billing,
		support:  support,
	}
}

func (e *env) agent(t *testing.T, dept uuid.UUID, status domain.AgentStatus) domain.User {
	t.Helper()
	u := domain.User{
		ID:           uuid.New(),
		Username:     "agent-" + uuid.NewString()[:8],
		Email:        uuid.NewString()[:8] + "@example.com",
		Role:         domain.RoleAgent,
		DepartmentID: &dept,
		IsActive:     true,
		AgentStatus:  status,
	}
	if err := e.store.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	e.presence.Register(u)
	return u
}

func (e *env) activeSession(t *testing.T, agentID uuid.UUID) *domain.ChatSession {
	t.Helper()
	ctx := context.Background()
	s, err := e.machine.Create(ctx, domain.CreateSessionRequest{
		CustomerName:  "Mia",
		CustomerEmail: "mia@example.com",
		DepartmentID:  &e.billing.ID,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := e.disp.Claim(ctx, s.ID, agentID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestTransferRequeuesUnderTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agent(t, e.billing.ID, domain.AgentAvailable)
	target := e.agent(t, e.support.ID, domain.AgentAvailable)
	s := e.activeSession(t, a.ID)

	customer, agentConn := &fakeConn{}, &fakeConn{}
	e.relay.Subscribe(s.ID, relay.Participant{UserID: "customer", Role: relay.RoleCustomer}, customer)
	e.relay.Subscribe(s.ID, relay.Participant{UserID: a.ID.String(), Role: relay.RoleAgent}, agentConn)

	got, err := e.coord.Transfer(ctx, s.ID, domain.TransferRequest{TargetDepartmentID: e.support.ID, Reason: "needs a refund"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got.Status != domain.SessionWaiting || got.AssignedAgentID != nil {
		t.Fatalf("transferred session should be waiting without agent: %+v", got)
	}
	if got.TransferredFrom == nil || *got.TransferredFrom != e.billing.ID || got.DepartmentID != e.support.ID {
		t.Fatalf("unexpected departments after transfer: %+v", got)
	}
	if err := session.CheckInvariants(got); err != nil {
		t.Fatalf("invariant: %v", err)
	}

	msgs, err := e.store.ListMessages(ctx, s.ID, 0, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsSystemMessage || !strings.Contains(msgs[0].Content, "Billing to Support. Reason: needs a refund") {
		t.Fatalf("unexpected transfer notice: %+v", msgs)
	}

	waitFor(t, func() bool { _, closed := agentConn.types(); return closed })
	types, _ := agentConn.types()
	if len(types) != 2 || types[0] != domain.FrameSystemMessage || types[1] != domain.FrameRouteClosed {
		t.Fatalf("agent should see the notice before route_closed, got %v", types)
	}
	waitFor(t, func() bool { ty, _ := customer.types(); return len(ty) >= 1 })
	if types, closed := customer.types(); closed || types[0] != domain.FrameSystemMessage {
		t.Fatalf("customer should stay connected and see the notice, got %v closed=%v", types, closed)
	}

	if prior, _ := e.presence.Get(a.ID); prior.Status != domain.AgentAvailable || prior.ActiveSessions != 0 {
		t.Fatalf("prior agent should be released: %+v", prior)
	}
	if offer, ok := e.disp.PendingOffer(s.ID); !ok || offer.AgentID != target.ID {
		t.Fatalf("session should be offered in the target department, got %+v", offer)
	}
}

func TestTransferRequiresActiveSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, err := e.machine.Create(ctx, domain.CreateSessionRequest{CustomerName: "Noah", CustomerEmail: "noah@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req := domain.TransferRequest{TargetDepartmentID: e.billing.ID}

	if _, err := e.coord.Transfer(ctx, s.ID, req); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("transfer from waiting should conflict, got %v", err)
	}
	if _, err := e.machine.Close(ctx, s.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.coord.Transfer(ctx, s.ID, req); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("transfer from closed should conflict, got %v", err)
	}
	got, _ := e.machine.Get(ctx, s.ID)
	if got.Status != domain.SessionClosed || got.TransferredFrom != nil {
		t.Fatalf("failed transfer must leave the session unchanged: %+v", got)
	}
}

func TestTransferTargetMustBeActive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agent(t, e.billing.ID, domain.AgentAvailable)
	s := e.activeSession(t, a.ID)

	inactive := domain.Department{ID: uuid.New(), Name: "Legacy", IsActive: false}
	if err := e.store.CreateDepartment(ctx, &inactive); err != nil {
		t.Fatalf("create department: %v", err)
	}
	for _, target := range []uuid.UUID{inactive.ID, uuid.New()} {
		if _, err := e.coord.Transfer(ctx, s.ID, domain.TransferRequest{TargetDepartmentID: target}); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found for %s, got %v", target, err)
		}
	}
	got, _ := e.machine.Get(ctx, s.ID)
	if got.Status != domain.SessionActive {
		t.Fatalf("session must stay active, got %s", got.Status)
	}
}
