package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"livechat/internal/domain"
	"livechat/internal/store"

	"github.com/google/uuid"
)

func newSession(created time.Time) *domain.ChatSession {
	return &domain.ChatSession{
		ID:            uuid.New(),
		CustomerName:  "Olivia",
		CustomerEmail: "olivia@example.com",
		DepartmentID:  uuid.New(),
		Status:        domain.SessionWaiting,
		CreatedAt:     created,
		UpdatedAt:     created,
		Version:       1,
	}
}

func TestSaveSessionDropsStaleVersions(t *testing.T) {
	ctx := context.Background()
	st := New()
	cs := newSession(time.Now())
	if err := st.CreateSession(ctx, cs); err != nil {
		t.Fatal(err)
	}

	agent := uuid.New()
	v3 := cs.Clone()
	v3.Status, v3.AssignedAgentID, v3.Version = domain.SessionActive, &agent, 3
	v2 := cs.Clone()
	v2.Status, v2.Version = domain.SessionWaiting, 2

	if err := st.SaveSession(ctx, v3); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSession(ctx, v2); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetSession(ctx, cs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 || got.Status != domain.SessionActive {
		t.Fatalf("stored v%d %s, want v3 active", got.Version, got.Status)
	}
}

func TestStoredSessionsAreCopies(t *testing.T) {
	ctx := context.Background()
	st := New()
	cs := newSession(time.Now())
	st.CreateSession(ctx, cs)

	cs.CustomerName = "Mallory"
	got, _ := st.GetSession(ctx, cs.ID)
	if got.CustomerName != "Olivia" {
		t.Fatalf("store shares memory with caller")
	}
}

func TestListSessionsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	st := New()
	base := time.Now()
	dept := uuid.New()
	for i := 0; i < 5; i++ {
		cs := newSession(base.Add(time.Duration(i) * time.Second))
		cs.DepartmentID = dept
		st.CreateSession(ctx, cs)
	}
	st.CreateSession(ctx, newSession(base))

	all, _ := st.ListSessions(ctx, store.SessionFilter{DepartmentID: &dept})
	if len(all) != 5 {
		t.Fatalf("len = %d", len(all))
	}
	if !all[0].CreatedAt.After(all[4].CreatedAt) {
		t.Fatal("want newest first")
	}
	page2, _ := st.ListSessions(ctx, store.SessionFilter{DepartmentID: &dept, Offset: 3, Limit: 3})
	if len(page2) != 2 || page2[0].ID != all[3].ID {
		t.Fatalf("page = %d items", len(page2))
	}
	none, _ := st.ListSessions(ctx, store.SessionFilter{Offset: 50})
	if len(none) != 0 {
		t.Fatalf("past the end = %d", len(none))
	}
}

func TestMessagesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	st := New()
	cs := newSession(time.Now())
	st.CreateSession(ctx, cs)

	for _, c := range []string{"one", "two", "three"} {
		if err := st.AppendMessage(ctx, &domain.Message{ID: uuid.New(), SessionID: cs.ID, SenderName: "Olivia", Content: c}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _ := st.ListMessages(ctx, cs.ID, 1, 10)
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("msgs = %+v", msgs)
	}
	err := st.AppendMessage(ctx, &domain.Message{ID: uuid.New(), SessionID: uuid.New(), Content: "orphan"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("orphan message: %v", err)
	}
}

func TestSingleCustomerCareDepartment(t *testing.T) {
	ctx := context.Background()
	st := New()
	first := &domain.Department{ID: uuid.New(), Name: "Support", IsActive: true, IsCustomerCare: true}
	second := &domain.Department{ID: uuid.New(), Name: "Care", IsActive: true, IsCustomerCare: true}
	st.CreateDepartment(ctx, first)
	st.CreateDepartment(ctx, second)

	cc, err := st.CustomerCareDepartment(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cc.ID != second.ID {
		t.Fatalf("customer care = %s, want the latest flagged", cc.Name)
	}
	if err := st.CreateDepartment(ctx, &domain.Department{ID: uuid.New(), Name: "Care"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate name: %v", err)
	}
}

func TestOneReviewPerSession(t *testing.T) {
	ctx := context.Background()
	st := New()
	sid := uuid.New()
	if err := st.CreateReview(ctx, &domain.Review{ID: uuid.New(), SessionID: sid, Rating: 4}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateReview(ctx, &domain.Review{ID: uuid.New(), SessionID: sid, Rating: 5}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second review: %v", err)
	}
	r, err := st.GetReviewBySession(ctx, sid)
	if err != nil || r.Rating != 4 {
		t.Fatalf("review = %+v, %v", r, err)
	}
}
