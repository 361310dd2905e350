package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []domain.Frame
	closed bool
	fail   bool
	block  chan struct{}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, v.(domain.Frame))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) snapshot() ([]domain.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Frame, len(c.frames))
	copy(out, c.frames)
	return out, c.closed
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

func TestDeliverPreservesStoreOrder(t *testing.T) {
	r := New(64)
	sid := uuid.New()
	customer, agent := &fakeConn{}, &fakeConn{}
	r.Subscribe(sid, Participant{UserID: "c", Role: RoleCustomer}, customer)
	r.Subscribe(sid, Participant{UserID: "a", Role: RoleAgent}, agent)

	var (
		mu     sync.Mutex
		stored []string
		wg     sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("m%d", i)
			err := r.Deliver(context.Background(), sid, func(context.Context) (domain.Frame, error) {
				mu.Lock()
				stored = append(stored, content)
				mu.Unlock()
				return domain.NewFrame(domain.FrameMessage, domain.MessagePayload{Content: content}), nil
			})
			if err != nil {
				t.Errorf("deliver: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, conn := range []*fakeConn{customer, agent} {
		conn := conn
		waitFor(t, func() bool { f, _ := conn.snapshot(); return len(f) == 20 })
		frames, _ := conn.snapshot()
		for i, f := range frames {
			var p domain.MessagePayload
			if err := f.Decode(&p); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Content != stored[i] {
				t.Fatalf("frame %d: got %q, store order has %q", i, p.Content, stored[i])
			}
		}
	}
}

func TestDeliverSkipsRelayWhenPersistFails(t *testing.T) {
	r := New(8)
	sid := uuid.New()
	conn := &fakeConn{}
	r.Subscribe(sid, Participant{UserID: "c", Role: RoleCustomer}, conn)

	boom := errors.New("db down")
	err := r.Deliver(context.Background(), sid, func(context.Context) (domain.Frame, error) {
		return domain.Frame{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	r.Broadcast(sid, domain.NewFrame(domain.FramePong, nil))
	waitFor(t, func() bool { f, _ := conn.snapshot(); return len(f) == 1 })
	frames, _ := conn.snapshot()
	if frames[0].Type != domain.FramePong {
		t.Fatalf("unexpected frame relayed: %s", frames[0].Type)
	}
}

func TestSeverClosesOnlyRole(t *testing.T) {
	r := New(8)
	sid := uuid.New()
	customer, agent := &fakeConn{}, &fakeConn{}
	r.Subscribe(sid, Participant{UserID: "c", Role: RoleCustomer}, customer)
	r.Subscribe(sid, Participant{UserID: "a", Role: RoleAgent}, agent)

	if n := r.Sever(sid, RoleAgent, domain.NewFrame(domain.FrameRouteClosed, nil)); n != 1 {
		t.Fatalf("expected one severed subscriber, got %d", n)
	}
	waitFor(t, func() bool { _, closed := agent.snapshot(); return closed })
	frames, _ := agent.snapshot()
	if len(frames) != 1 || frames[0].Type != domain.FrameRouteClosed {
		t.Fatalf("agent should get route_closed before close, got %+v", frames)
	}
	if _, closed := customer.snapshot(); closed {
		t.Fatalf("customer must stay connected")
	}
	if got := r.Participants(sid); len(got) != 1 || got[0].Role != RoleCustomer {
		t.Fatalf("unexpected participants: %+v", got)
	}
}

func TestCloseSessionFlushesTerminalFrame(t *testing.T) {
	r := New(8)
	sid := uuid.New()
	conn := &fakeConn{}
	sub := r.Subscribe(sid, Participant{UserID: "c", Role: RoleCustomer}, conn)

	r.Broadcast(sid, domain.NewFrame(domain.FrameSystemMessage, nil))
	r.CloseSession(sid, domain.NewFrame(domain.FrameChatClosed, nil))

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not finish")
	}
	frames, closed := conn.snapshot()
	if !closed || len(frames) != 2 || frames[1].Type != domain.FrameChatClosed {
		t.Fatalf("expected flushed frames then close, got %+v closed=%v", frames, closed)
	}
	if n := r.Broadcast(sid, domain.NewFrame(domain.FramePong, nil)); n != 0 {
		t.Fatalf("route should be gone, delivered to %d", n)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	r := New(1)
	sid := uuid.New()
	slow := &fakeConn{block: make(chan struct{})}
	r.Subscribe(sid, Participant{UserID: "slow", Role: RoleCustomer}, slow)

	// one frame is held by the writer, one fills the buffer
	for i := 0; i < 5; i++ {
		r.Broadcast(sid, domain.NewFrame(domain.FrameTyping, nil))
	}
	close(slow.block)
	waitFor(t, func() bool { _, closed := slow.snapshot(); return closed })
	if got := r.Participants(sid); len(got) != 0 {
		t.Fatalf("slow subscriber should be detached, got %+v", got)
	}
}

func TestInboxReplacement(t *testing.T) {
	r := New(8)
	agentID := uuid.New()
	first, second := &fakeConn{}, &fakeConn{}

	old := r.AttachInbox(agentID, Participant{UserID: agentID.String()}, first)
	cur := r.AttachInbox(agentID, Participant{UserID: agentID.String()}, second)
	waitFor(t, func() bool { _, closed := first.snapshot(); return closed })

	if r.DetachInbox(agentID, old) {
		t.Fatalf("detaching a replaced inbox must not remove the current one")
	}
	if !r.NotifyAgent(agentID, domain.NewFrame(domain.FrameIncomingAssignment, nil)) {
		t.Fatalf("notify should reach the current inbox")
	}
	waitFor(t, func() bool { f, _ := second.snapshot(); return len(f) == 1 })

	if !r.DetachInbox(agentID, cur) {
		t.Fatalf("detaching the current inbox should report true")
	}
	if r.NotifyAgent(agentID, domain.NewFrame(domain.FramePong, nil)) {
		t.Fatalf("notify without inbox should report false")
	}
}
