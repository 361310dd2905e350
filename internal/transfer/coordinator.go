// Package transfer moves active chat sessions between department queues.
package transfer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"livechat/internal/domain"
	"livechat/internal/presence"
	"livechat/internal/relay"
	"livechat/internal/session"
	"livechat/internal/store"

	"github.com/google/uuid"
)

type Router interface {
	Deliver(ctx context.Context, sessionID uuid.UUID, persist func(context.Context) (domain.Frame, error)) error
	Sever(sessionID uuid.UUID, role relay.Role, f domain.Frame) int
}

type Matcher interface {
	Match(ctx context.Context, departmentID uuid.UUID) int
	PublishQueue(ctx context.Context, departmentID uuid.UUID)
}

type Releaser interface {
	Release(agentID, sessionID uuid.UUID) (presence.Agent, bool)
}

type Coordinator struct {
	sessions    *session.Machine
	departments store.Departments
	messages    store.Messages
	router      Router
	presence    Releaser
	matcher     Matcher
	publisher   domain.EventPublisher
	now         func() time.Time
}

func NewCoordinator(sessions *session.Machine, departments store.Departments, messages store.Messages, router Router, tracker Releaser, matcher Matcher, publisher domain.EventPublisher) *Coordinator {
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	return &Coordinator{
		sessions:    sessions,
		departments: departments,
		messages:    messages,
		router:      router,
		presence:    tracker,
		matcher:     matcher,
		publisher:   publisher,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Transfer requeues an active session under the target department. The
// announcement is stored and relayed before the previous agent's route is
// severed.
func (c *Coordinator) Transfer(ctx context.Context, sessionID uuid.UUID, req domain.TransferRequest) (*domain.ChatSession, error) {
	target, err := c.departments.GetDepartment(ctx, req.TargetDepartmentID)
	if err != nil {
		return nil, domain.NotFoundf("target department not found or not active")
	}
	if !target.IsActive {
		return nil, domain.NotFoundf("target department not found or not active")
	}

	tr, err := c.sessions.Requeue(ctx, sessionID, target.ID)
	if err != nil {
		return nil, err
	}
	before, after := tr.Before, tr.After

	fromName := "Unknown"
	if from, err := c.departments.GetDepartment(ctx, before.DepartmentID); err == nil {
		fromName = from.Name
	}
	content := fmt.Sprintf("Chat transferred from %s to %s.", fromName, target.Name)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		content += " Reason: " + reason
	}

	err = c.router.Deliver(ctx, sessionID, func(ctx context.Context) (domain.Frame, error) {
		msg := &domain.Message{
			ID:              uuid.New(),
			SessionID:       sessionID,
			SenderName:      "System",
			Content:         content,
			IsSystemMessage: true,
			CreatedAt:       c.now(),
		}
		if err := c.messages.AppendMessage(ctx, msg); err != nil {
			return domain.Frame{}, err
		}
		return domain.NewFrame(domain.FrameSystemMessage, domain.SystemMessagePayload{
			SessionID:       sessionID,
			Content:         content,
			IsSystemMessage: true,
		}), nil
	})
	if err != nil {
		log.Printf("Failed to store transfer notice for session %s: %v", sessionID, err)
	}

	c.router.Sever(sessionID, relay.RoleAgent, domain.NewFrame(domain.FrameRouteClosed, domain.RouteClosedPayload{
		SessionID: sessionID,
		Reason:    content,
	}))
	if before.AssignedAgentID != nil {
		c.presence.Release(*before.AssignedAgentID, sessionID)
	}

	if err := c.publisher.Publish(ctx, domain.SessionEvent{
		Type:         domain.EventSessionTransferred,
		SessionID:    sessionID,
		DepartmentID: after.DepartmentID,
		Status:       after.Status,
		Timestamp:    c.now(),
	}); err != nil {
		log.Printf("Failed to publish transfer event: %v", err)
	}
	log.Printf("Session %s transferred from %s to %s", sessionID, before.DepartmentID, after.DepartmentID)

	// the released agent may pick up the old department's next session
	c.matcher.Match(ctx, before.DepartmentID)
	c.matcher.Match(ctx, after.DepartmentID)
	c.matcher.PublishQueue(ctx, before.DepartmentID)
	c.matcher.PublishQueue(ctx, after.DepartmentID)

	return c.sessions.Get(ctx, sessionID)
}
