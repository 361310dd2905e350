// Package dispatch matches waiting chat sessions to idle agents.
//
// A match produces a time-boxed assignment offer rather than a hard
// assignment. Accept, manual claim and the offer timer all race through the
// same two guards: the offer table (first to resolve an offer wins) and the
// session's waiting-to-active compare-and-set.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"livechat/internal/domain"
	"livechat/internal/presence"
	"livechat/internal/session"
	"livechat/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultOfferTimeout           = 10 * time.Second
	DefaultAverageHandlingMinutes = 5
)

type Config struct {
	OfferTimeout           time.Duration
	AverageHandlingMinutes int
}

// Notifier pushes frames to realtime connections.
type Notifier interface {
	NotifyAgent(agentID uuid.UUID, f domain.Frame) bool
	Broadcast(sessionID uuid.UUID, f domain.Frame) int
}

// Offer is a pending assignment proposal. It owns its countdown timer.
type Offer struct {
	SessionID     uuid.UUID
	AgentID       uuid.UUID
	DepartmentID  uuid.UUID
	CustomerName  string
	CustomerEmail string
	Deadline      time.Time

	timer *time.Timer
}

type Dispatcher struct {
	cfg       Config
	sessions  *session.Machine
	presence  *presence.Tracker
	users     store.Users
	notifier  Notifier
	publisher domain.EventPublisher
	now       func() time.Time

	mu      sync.Mutex
	offers  map[uuid.UUID]*Offer
	byAgent map[uuid.UUID]*Offer
}

func New(cfg Config, sessions *session.Machine, tracker *presence.Tracker, users store.Users, notifier Notifier, publisher domain.EventPublisher) *Dispatcher {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.AverageHandlingMinutes <= 0 {
		cfg.AverageHandlingMinutes = DefaultAverageHandlingMinutes
	}
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	return &Dispatcher{
		cfg:       cfg,
		sessions:  sessions,
		presence:  tracker,
		users:     users,
		notifier:  notifier,
		publisher: publisher,
		now:       time.Now,
		offers:    make(map[uuid.UUID]*Offer),
		byAgent:   make(map[uuid.UUID]*Offer),
	}
}

// Match offers the department's oldest un-offered waiting sessions to its
// idle agents and returns the number of offers made.
func (d *Dispatcher) Match(ctx context.Context, departmentID uuid.UUID) int {
	var made []*Offer

	d.mu.Lock()
	for _, s := range d.sessions.Waiting(departmentID) {
		if _, offered := d.offers[s.ID]; offered {
			continue
		}
		agent, ok := d.presence.ReserveIdle(departmentID, s.ID)
		if !ok {
			break
		}
		o := &Offer{
			SessionID:     s.ID,
			AgentID:       agent.ID,
			DepartmentID:  departmentID,
			CustomerName:  s.CustomerName,
			CustomerEmail: s.CustomerEmail,
			Deadline:      d.now().Add(d.cfg.OfferTimeout),
		}
		o.timer = time.AfterFunc(d.cfg.OfferTimeout, func() { d.expire(o) })
		d.offers[s.ID] = o
		d.byAgent[agent.ID] = o
		made = append(made, o)
	}
	d.mu.Unlock()

	for _, o := range made {
		payload := domain.IncomingAssignmentPayload{
			SessionID:      o.SessionID,
			CustomerName:   o.CustomerName,
			CustomerEmail:  o.CustomerEmail,
			TimeoutSeconds: int(d.cfg.OfferTimeout / time.Second),
			Deadline:       o.Deadline,
			Message:        fmt.Sprintf("New chat request from %s", o.CustomerName),
		}
		if !d.notifier.NotifyAgent(o.AgentID, domain.NewFrame(domain.FrameIncomingAssignment, payload)) {
			log.Printf("Agent %s has no inbox connection, offer for session %s will expire", o.AgentID, o.SessionID)
		}
		d.publish(ctx, domain.AssignmentEvent{Type: domain.EventAssignmentOffered, SessionID: o.SessionID, AgentID: o.AgentID, Timestamp: d.now()})
	}
	return len(made)
}

// MatchAll runs a matching pass for every department with waiting sessions.
func (d *Dispatcher) MatchAll(ctx context.Context) int {
	n := 0
	for _, dept := range d.sessions.Departments() {
		n += d.Match(ctx, dept)
	}
	return n
}

// resolveLocked removes o from the offer table. Only the first caller for a
// given offer gets true.
func (d *Dispatcher) resolveLocked(o *Offer) bool {
	if d.offers[o.SessionID] != o {
		return false
	}
	delete(d.offers, o.SessionID)
	if d.byAgent[o.AgentID] == o {
		delete(d.byAgent, o.AgentID)
	}
	o.timer.Stop()
	d.presence.ClearOffer(o.AgentID, o.SessionID)
	return true
}

// PendingOffer returns the live offer for a session.
func (d *Dispatcher) PendingOffer(sessionID uuid.UUID) (Offer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.offers[sessionID]
	if !ok {
		return Offer{}, false
	}
	return *o, true
}

// OfferFor returns the live offer addressed to an agent.
func (d *Dispatcher) OfferFor(agentID uuid.UUID) (Offer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.byAgent[agentID]
	if !ok {
		return Offer{}, false
	}
	return *o, true
}

func (d *Dispatcher) expire(o *Offer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in offer expiry for session %s: %v", o.SessionID, r)
		}
	}()

	d.mu.Lock()
	won := d.resolveLocked(o)
	d.mu.Unlock()
	if !won {
		return
	}
	log.Printf("Assignment offer for session %s to agent %s expired", o.SessionID, o.AgentID)
	ctx := context.Background()
	d.penalize(ctx, o, "Assignment offer expired")
	d.publish(ctx, domain.AssignmentEvent{Type: domain.EventAssignmentExpired, SessionID: o.SessionID, AgentID: o.AgentID, Timestamp: d.now()})
	d.Match(ctx, o.DepartmentID)
}

// penalize forces an agent who let an offer go offline, so the next matching
// pass does not hand the session straight back.
func (d *Dispatcher) penalize(ctx context.Context, o *Offer, reason string) {
	if _, err := d.presence.SetStatus(o.AgentID, domain.AgentOffline); err != nil {
		log.Printf("Failed to set agent %s offline: %v", o.AgentID, err)
	}
	d.notifier.NotifyAgent(o.AgentID, domain.NewFrame(domain.FrameAssignmentCancelled, domain.AssignmentCancelledPayload{
		SessionID: o.SessionID,
		Reason:    reason,
	}))
	d.notifier.NotifyAgent(o.AgentID, domain.NewFrame(domain.FrameStatusUpdated, domain.StatusUpdatePayload{Status: domain.AgentOffline}))
}

// Decline discards the agent's offer for the session and sets the agent
// offline. Declining an offer that is no longer live is a no-op.
func (d *Dispatcher) Decline(ctx context.Context, sessionID, agentID uuid.UUID) error {
	if _, err := d.sessions.Get(ctx, sessionID); err != nil {
		return err
	}
	d.mu.Lock()
	o, ok := d.offers[sessionID]
	if !ok || o.AgentID != agentID || !d.resolveLocked(o) {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	log.Printf("Agent %s declined session %s", agentID, sessionID)
	d.penalize(ctx, o, "Assignment declined")
	d.publish(ctx, domain.AssignmentEvent{Type: domain.EventAssignmentDeclined, SessionID: sessionID, AgentID: agentID, Timestamp: d.now()})
	d.Match(ctx, o.DepartmentID)
	return nil
}

// Accept takes the offer addressed to agentID. A missing, expired or foreign
// offer is a conflict.
func (d *Dispatcher) Accept(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error) {
	if _, err := d.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	d.mu.Lock()
	o, ok := d.offers[sessionID]
	if !ok || o.AgentID != agentID || !d.resolveLocked(o) {
		d.mu.Unlock()
		return nil, domain.Conflictf("chat session already claimed or not available")
	}
	d.mu.Unlock()

	s, err := d.assign(ctx, sessionID, agentID)
	if err != nil {
		// the session is still waiting for someone else
		d.Match(ctx, o.DepartmentID)
		return nil, err
	}
	d.publish(ctx, domain.AssignmentEvent{Type: domain.EventAssignmentAccepted, SessionID: sessionID, AgentID: agentID, Timestamp: d.now()})
	return s, nil
}

// Claim lets an agent take a waiting session of its department directly.
func (d *Dispatcher) Claim(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error) {
	u, err := d.users.GetUser(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if u.Role != domain.RoleAgent && u.Role != domain.RoleAdmin {
		return nil, domain.Forbiddenf("user %s is not an agent", u.Username)
	}
	s, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if u.Role != domain.RoleAdmin && !u.InDepartment(s.DepartmentID) {
		return nil, domain.Forbiddenf("chat session belongs to another department")
	}
	if s.Status != domain.SessionWaiting {
		return nil, domain.Conflictf("chat session already claimed or not available")
	}
	d.presence.Register(*u)
	return d.assign(ctx, sessionID, agentID)
}

func (d *Dispatcher) assign(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error) {
	if err := d.presence.Acquire(agentID, sessionID); err != nil {
		return nil, err
	}
	tr, err := d.sessions.Assign(ctx, sessionID, agentID)
	if err != nil {
		d.presence.Abort(agentID, sessionID)
		return nil, err
	}
	d.presence.MarkBusy(agentID)
	s := tr.After

	// competing offers for this session or this agent are void now
	var withdrawn []*Offer
	d.mu.Lock()
	if o, ok := d.offers[sessionID]; ok && d.resolveLocked(o) {
		withdrawn = append(withdrawn, o)
	}
	if o, ok := d.byAgent[agentID]; ok && d.resolveLocked(o) {
		withdrawn = append(withdrawn, o)
	}
	d.mu.Unlock()
	for _, o := range withdrawn {
		d.notifier.NotifyAgent(o.AgentID, domain.NewFrame(domain.FrameAssignmentCancelled, domain.AssignmentCancelledPayload{
			SessionID: o.SessionID,
			Reason:    "Chat session is no longer available",
		}))
	}

	name := agentID.String()
	if a, ok := d.presence.Get(agentID); ok && a.Name != "" {
		name = a.Name
	}
	d.notifier.Broadcast(sessionID, domain.NewFrame(domain.FrameAgentAssigned, domain.AgentAssignedPayload{
		SessionID: sessionID,
		AgentID:   agentID,
		AgentName: name,
		Message:   fmt.Sprintf("%s has joined the chat.", name),
	}))
	d.notifier.NotifyAgent(agentID, domain.NewFrame(domain.FrameNewAssignment, domain.NewAssignmentPayload{
		SessionID:     sessionID,
		CustomerName:  s.CustomerName,
		CustomerEmail: s.CustomerEmail,
	}))
	d.publish(ctx, domain.SessionEvent{
		Type:         domain.EventSessionAssigned,
		SessionID:    sessionID,
		DepartmentID: s.DepartmentID,
		AgentID:      &agentID,
		Status:       s.Status,
		Timestamp:    d.now(),
	})
	log.Printf("Session %s assigned to agent %s", sessionID, agentID)

	if len(withdrawn) > 0 {
		d.Match(ctx, s.DepartmentID)
	}
	d.PublishQueue(ctx, s.DepartmentID)
	return s, nil
}

// SessionLeftQueue withdraws a pending offer for a session that stopped
// waiting for a reason other than assignment.
func (d *Dispatcher) SessionLeftQueue(sessionID uuid.UUID, reason string) bool {
	d.mu.Lock()
	o, ok := d.offers[sessionID]
	if !ok || !d.resolveLocked(o) {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()
	d.notifier.NotifyAgent(o.AgentID, domain.NewFrame(domain.FrameAssignmentCancelled, domain.AssignmentCancelledPayload{
		SessionID: sessionID,
		Reason:    reason,
	}))
	return true
}

// AgentStatusChanged reacts to a manual status toggle. An agent leaving
// available loses its pending offer without penalty; an agent becoming
// available triggers a matching pass.
func (d *Dispatcher) AgentStatusChanged(ctx context.Context, agentID uuid.UUID, status domain.AgentStatus) {
	a, ok := d.presence.Get(agentID)
	if !ok || a.DepartmentID == nil {
		return
	}
	if status != domain.AgentAvailable {
		d.withdrawAgentOffer(agentID, "Agent status changed")
	}
	d.Match(ctx, *a.DepartmentID)
}

// AgentDisconnected handles a dropped inbox connection: the pending offer is
// withdrawn and an idle agent goes offline.
func (d *Dispatcher) AgentDisconnected(ctx context.Context, agentID uuid.UUID) {
	d.withdrawAgentOffer(agentID, "")
	a, ok := d.presence.Get(agentID)
	if !ok {
		return
	}
	if a.ActiveSessions == 0 {
		d.presence.CompareAndSetStatus(agentID, domain.AgentAvailable, domain.AgentOffline)
	}
	if a.DepartmentID != nil {
		d.Match(ctx, *a.DepartmentID)
	}
}

func (d *Dispatcher) withdrawAgentOffer(agentID uuid.UUID, reason string) {
	d.mu.Lock()
	o, ok := d.byAgent[agentID]
	if !ok || !d.resolveLocked(o) {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	if reason != "" {
		d.notifier.NotifyAgent(agentID, domain.NewFrame(domain.FrameAssignmentCancelled, domain.AssignmentCancelledPayload{
			SessionID: o.SessionID,
			Reason:    reason,
		}))
	}
}

// Stop cancels every pending offer timer.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.offers {
		d.resolveLocked(o)
	}
}

func (d *Dispatcher) publish(ctx context.Context, event interface{}) {
	if err := d.publisher.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish event: %v", err)
	}
}
