// Package chat composes the session machine, presence tracker, dispatcher,
// relay and transfer coordinator into the operations exposed over REST and
// the realtime channels.
package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"livechat/internal/dispatch"
	"livechat/internal/domain"
	"livechat/internal/presence"
	"livechat/internal/relay"
	"livechat/internal/session"
	"livechat/internal/store"
	"livechat/internal/transfer"

	"github.com/google/uuid"
)

type Config struct {
	Dispatch   dispatch.Config
	SendBuffer int
}

// PresenceMirror receives agent status changes for other services to read.
type PresenceMirror interface {
	SetAgentStatus(ctx context.Context, agentID uuid.UUID, departmentID *uuid.UUID, status domain.AgentStatus) error
}

type Service struct {
	store      store.Store
	sessions   *session.Machine
	presence   *presence.Tracker
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	transfers  *transfer.Coordinator
	publisher  domain.EventPublisher
	mirror     PresenceMirror
	now        func() time.Time

	statusCh chan presence.Agent
}

func NewService(cfg Config, st store.Store, publisher domain.EventPublisher, mirror PresenceMirror) *Service {
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	machine := session.NewMachine(st, st)
	tracker := presence.NewTracker()
	rl := relay.New(cfg.SendBuffer)
	disp := dispatch.New(cfg.Dispatch, machine, tracker, st, rl, publisher)

	s := &Service{
		store:      st,
		sessions:   machine,
		presence:   tracker,
		relay:      rl,
		dispatcher: disp,
		transfers:  transfer.NewCoordinator(machine, st, st, rl, tracker, disp, publisher),
		publisher:  publisher,
		mirror:     mirror,
		now:        func() time.Time { return time.Now().UTC() },
		statusCh:   make(chan presence.Agent, 1024),
	}
	tracker.OnChange(func(a presence.Agent) {
		select {
		case s.statusCh <- a:
		default:
			log.Printf("Presence sync queue full, dropping status %s for agent %s", a.Status, a.ID)
		}
	})
	return s
}

func (s *Service) Relay() *relay.Relay { return s.relay }

// Bootstrap loads open sessions and agents from the store and runs a
// matching pass over every department with waiting sessions.
func (s *Service) Bootstrap(ctx context.Context) error {
	n, err := s.sessions.Load(ctx)
	if err != nil {
		return err
	}
	var agents []uuid.UUID
	for _, role := range []domain.Role{domain.RoleAgent, domain.RoleAdmin} {
		for offset := 0; ; {
			users, err := s.store.ListUsers(ctx, store.UserFilter{Role: role, Offset: offset, Limit: 1000})
			if err != nil {
				return fmt.Errorf("bootstrap agents: %w", err)
			}
			for _, u := range users {
				if u.IsActive {
					s.presence.Register(u)
					agents = append(agents, u.ID)
				}
			}
			if len(users) < 1000 {
				break
			}
			offset += len(users)
		}
	}
	// re-book agents on the sessions they were handling
	for _, agentID := range agents {
		for _, cs := range s.sessions.ActiveFor(agentID) {
			if err := s.presence.Acquire(agentID, cs.ID); err != nil {
				log.Printf("Failed to restore session %s on agent %s: %v", cs.ID, agentID, err)
			}
		}
	}
	log.Printf("Loaded %d open chat sessions", n)
	s.dispatcher.MatchAll(ctx)
	return nil
}

// Run writes presence changes through to the store and the mirror until ctx
// is done.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.dispatcher.Stop()
			return
		case a := <-s.statusCh:
			s.syncPresence(ctx, a)
		}
	}
}

func (s *Service) syncPresence(ctx context.Context, a presence.Agent) {
	if err := s.store.SetAgentStatus(ctx, a.ID, a.Status); err != nil {
		log.Printf("Failed to persist status of agent %s: %v", a.ID, err)
	}
	if s.mirror != nil {
		if err := s.mirror.SetAgentStatus(ctx, a.ID, a.DepartmentID, a.Status); err != nil {
			log.Printf("Failed to mirror status of agent %s: %v", a.ID, err)
		}
	}
}

func (s *Service) publish(ctx context.Context, event interface{}) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish event: %v", err)
	}
}

// CreateSession opens a waiting session and tries to match it right away.
func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.ChatSession, error) {
	cs, err := s.sessions.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Printf("Chat session %s created for %s in department %s", cs.ID, cs.CustomerName, cs.DepartmentID)
	s.publish(ctx, domain.SessionEvent{
		Type:         domain.EventSessionCreated,
		SessionID:    cs.ID,
		DepartmentID: cs.DepartmentID,
		Status:       cs.Status,
		Timestamp:    s.now(),
	})
	s.dispatcher.Match(ctx, cs.DepartmentID)
	s.dispatcher.PublishQueue(ctx, cs.DepartmentID)
	return s.sessions.Get(ctx, cs.ID)
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	return s.sessions.Get(ctx, id)
}

// ListSessions reads from the store and overlays the latest in-memory
// snapshot of every session the machine knows.
func (s *Service) ListSessions(ctx context.Context, f store.SessionFilter) ([]domain.ChatSession, error) {
	list, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatSession, 0, len(list))
	for _, cs := range list {
		if snap, ok := s.sessions.Peek(cs.ID); ok {
			cs = *snap
		}
		if !matchesFilter(&cs, f) {
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}

func matchesFilter(cs *domain.ChatSession, f store.SessionFilter) bool {
	if f.Status != "" && cs.Status != f.Status {
		return false
	}
	if f.DepartmentID != nil && cs.DepartmentID != *f.DepartmentID {
		return false
	}
	if f.AgentID != nil && (cs.AssignedAgentID == nil || *cs.AssignedAgentID != *f.AgentID) {
		return false
	}
	return true
}

// Messages returns the stored history of a session in creation order.
func (s *Service) Messages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]domain.Message, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, offset, limit)
}

// PostMessage stores a message and relays it to the session's subscribers.
func (s *Service) PostMessage(ctx context.Context, sessionID uuid.UUID, req domain.PostMessageRequest) (*domain.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, domain.Validationf("message content is required")
	}
	name := strings.TrimSpace(req.SenderName)
	if name == "" {
		if !req.IsSystemMessage {
			return nil, domain.Validationf("sender name is required")
		}
		name = "System"
	}
	cs, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cs.Status == domain.SessionClosed {
		return nil, domain.Conflictf("chat session is closed")
	}

	msg := &domain.Message{
		SessionID:       sessionID,
		SenderID:        req.SenderID,
		SenderName:      name,
		Content:         content,
		IsSystemMessage: req.IsSystemMessage,
	}
	err = s.relay.Deliver(ctx, sessionID, func(ctx context.Context) (domain.Frame, error) {
		msg.ID = uuid.New()
		msg.CreatedAt = s.now()
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			return domain.Frame{}, err
		}
		return domain.NewFrame(domain.FrameMessage, domain.NewMessagePayload(msg)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("messages.Append: %w", err)
	}
	s.publish(ctx, domain.ChatMessageEvent{Type: "chat_message", Message: *msg})
	return msg, nil
}

// Typing relays a transient typing indicator to everyone on the session but
// the sender.
func (s *Service) Typing(ctx context.Context, sessionID uuid.UUID, from *relay.Subscriber, isTyping bool) {
	payload := domain.TypingPayload{
		SessionID:  sessionID,
		SenderName: from.Name,
		IsTyping:   isTyping,
		Timestamp:  s.now(),
	}
	s.relay.BroadcastExcept(sessionID, domain.NewFrame(domain.FrameTyping, payload), from)
	s.publish(ctx, domain.TypingEvent{
		Type:       "typing_indicator",
		SessionID:  sessionID,
		SenderName: from.Name,
		UserType:   string(from.Role),
		IsTyping:   isTyping,
		Timestamp:  payload.Timestamp,
	})
}

// CloseSession ends a session. Closing twice is a no-op.
func (s *Service) CloseSession(ctx context.Context, sessionID uuid.UUID) (*domain.ChatSession, error) {
	tr, err := s.sessions.Close(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !tr.Changed {
		return tr.After, nil
	}
	before, after := tr.Before, tr.After

	s.relay.CloseSession(sessionID, domain.NewFrame(domain.FrameChatClosed, domain.ChatClosedPayload{
		SessionID: sessionID,
		Message:   "Chat has been closed",
	}))
	if before.Status == domain.SessionWaiting {
		s.dispatcher.SessionLeftQueue(sessionID, "Chat session closed")
	}
	if before.AssignedAgentID != nil {
		agentID := *before.AssignedAgentID
		if a, ok := s.presence.Release(agentID, sessionID); ok {
			s.relay.NotifyAgent(agentID, domain.NewFrame(domain.FrameStatusUpdated, domain.StatusUpdatePayload{Status: a.Status}))
		}
	}
	s.publish(ctx, domain.SessionEvent{
		Type:         domain.EventSessionClosed,
		SessionID:    sessionID,
		DepartmentID: after.DepartmentID,
		AgentID:      before.AssignedAgentID,
		Status:       after.Status,
		Timestamp:    s.now(),
	})
	log.Printf("Chat session %s closed", sessionID)

	s.dispatcher.Match(ctx, after.DepartmentID)
	s.dispatcher.PublishQueue(ctx, after.DepartmentID)
	return after, nil
}

func (s *Service) Transfer(ctx context.Context, sessionID uuid.UUID, req domain.TransferRequest) (*domain.ChatSession, error) {
	return s.transfers.Transfer(ctx, sessionID, req)
}

func (s *Service) Claim(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error) {
	return s.dispatcher.Claim(ctx, sessionID, agentID)
}

func (s *Service) AcceptAssignment(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error) {
	return s.dispatcher.Accept(ctx, sessionID, agentID)
}

func (s *Service) DeclineAssignment(ctx context.Context, sessionID, agentID uuid.UUID) error {
	return s.dispatcher.Decline(ctx, sessionID, agentID)
}

func (s *Service) QueueStatus(ctx context.Context, sessionID uuid.UUID) (domain.QueueStatus, error) {
	return s.dispatcher.QueueStatus(ctx, sessionID)
}

// HandleInboundMessage posts a message received from the event stream.
func (s *Service) HandleInboundMessage(ctx context.Context, in domain.InboundMessage) error {
	_, err := s.PostMessage(ctx, in.SessionID, domain.PostMessageRequest{
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Content:    in.Content,
	})
	return err
}

// SetAgentStatus is the agent's manual availability toggle.
func (s *Service) SetAgentStatus(ctx context.Context, agentID uuid.UUID, status domain.AgentStatus) (*domain.User, error) {
	if !status.Valid() {
		return nil, domain.Validationf("unknown agent status %q", status)
	}
	u, err := s.store.GetUser(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if u.Role != domain.RoleAgent && u.Role != domain.RoleAdmin {
		return nil, domain.Forbiddenf("user %s is not an agent", u.Username)
	}
	s.presence.Register(*u)
	a, err := s.presence.SetStatus(agentID, status)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAgentStatus(ctx, agentID, a.Status); err != nil {
		return nil, err
	}
	s.dispatcher.AgentStatusChanged(ctx, agentID, a.Status)
	u.AgentStatus = a.Status
	return u, nil
}

// AgentConnected registers the agent when its inbox connection opens.
func (s *Service) AgentConnected(ctx context.Context, agentID uuid.UUID) (*domain.User, error) {
	u, err := s.store.GetUser(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if u.Role != domain.RoleAgent && u.Role != domain.RoleAdmin {
		return nil, domain.Forbiddenf("user %s is not an agent", u.Username)
	}
	a := s.presence.Register(*u)
	if a.DepartmentID != nil {
		s.dispatcher.Match(ctx, *a.DepartmentID)
	}
	return u, nil
}

func (s *Service) AgentDisconnected(ctx context.Context, agentID uuid.UUID) {
	s.dispatcher.AgentDisconnected(ctx, agentID)
}

// AvailableAgents lists the department's idle agents that are available.
func (s *Service) AvailableAgents(departmentID uuid.UUID) []presence.Agent {
	var out []presence.Agent
	for _, a := range s.presence.List(departmentID) {
		if a.Status == domain.AgentAvailable && a.ActiveSessions == 0 {
			out = append(out, a)
		}
	}
	return out
}
