// Package relay fans frames out to the realtime connections subscribed to a
// chat session, and to agent inbox connections.
//
// Every subscriber owns one writer goroutine fed by a bounded queue, so a
// frame enqueued before another is written before it. Frames for one session
// are enqueued under the session's order lock, which makes the store order
// and the delivery order identical.
package relay

import (
	"context"
	"log"
	"sync"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

// Conn is the write side of a realtime connection.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleInbox    Role = "inbox"
)

// Participant identifies who is behind a subscription.
type Participant struct {
	UserID string `json:"user_id"`
	Name   string `json:"sender_name"`
	Role   Role   `json:"user_type"`
}

type Subscriber struct {
	Participant
	SessionID uuid.UUID

	conn Conn
	send chan domain.Frame
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSubscriber(p Participant, sessionID uuid.UUID, conn Conn, buffer int) *Subscriber {
	s := &Subscriber{
		Participant: p,
		SessionID:   sessionID,
		conn:        conn,
		send:        make(chan domain.Frame, buffer),
		done:        make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Subscriber) writeLoop() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in relay writer for %s: %v", s.UserID, r)
		}
		if err := s.conn.Close(); err != nil {
			log.Printf("Failed to close connection of %s: %v", s.UserID, err)
		}
	}()

	broken := false
	for f := range s.send {
		if broken {
			continue
		}
		if err := s.conn.WriteJSON(f); err != nil {
			log.Printf("Failed to send %s frame to %s: %v", f.Type, s.UserID, err)
			broken = true
			s.Close()
		}
	}
}

// enqueue reports whether the frame was queued. A subscriber whose queue is
// full is closed.
func (s *Subscriber) enqueue(f domain.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- f:
		return true
	default:
		log.Printf("Send buffer full for %s on session %s, dropping connection", s.UserID, s.SessionID)
		s.closed = true
		close(s.send)
		return false
	}
}

// Send queues a frame for this subscriber only.
func (s *Subscriber) Send(f domain.Frame) bool {
	return s.enqueue(f)
}

// Close stops accepting frames. Already queued frames are still written
// before the connection is closed.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Done is closed once the writer has flushed and closed the connection.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

type route struct {
	order sync.Mutex
	subs  map[*Subscriber]struct{}
}

type Relay struct {
	buffer int

	mu      sync.RWMutex
	routes  map[uuid.UUID]*route
	inboxes map[uuid.UUID]*Subscriber
}

func New(buffer int) *Relay {
	if buffer <= 0 {
		buffer = 256
	}
	return &Relay{
		buffer:  buffer,
		routes:  make(map[uuid.UUID]*route),
		inboxes: make(map[uuid.UUID]*Subscriber),
	}
}

func (r *Relay) route(sessionID uuid.UUID, create bool) *route {
	r.mu.RLock()
	rt, ok := r.routes[sessionID]
	r.mu.RUnlock()
	if ok || !create {
		return rt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok = r.routes[sessionID]; ok {
		return rt
	}
	rt = &route{subs: make(map[*Subscriber]struct{})}
	r.routes[sessionID] = rt
	return rt
}

// Subscribe attaches a connection to a session route.
func (r *Relay) Subscribe(sessionID uuid.UUID, p Participant, conn Conn) *Subscriber {
	sub := newSubscriber(p, sessionID, conn, r.buffer)
	rt := r.route(sessionID, true)
	rt.order.Lock()
	rt.subs[sub] = struct{}{}
	count := len(rt.subs)
	rt.order.Unlock()
	log.Printf("Added connection: %s (%s) to session %s. Total connections: %d", p.UserID, p.Role, sessionID, count)
	return sub
}

// Unsubscribe detaches and closes sub. It is safe to call more than once.
func (r *Relay) Unsubscribe(sub *Subscriber) {
	sub.Close()
	rt := r.route(sub.SessionID, false)
	if rt == nil {
		return
	}
	rt.order.Lock()
	_, present := rt.subs[sub]
	delete(rt.subs, sub)
	remaining := len(rt.subs)
	rt.order.Unlock()
	if !present {
		return
	}
	log.Printf("Removed connection: %s from session %s. Remaining connections: %d", sub.UserID, sub.SessionID, remaining)

	if remaining == 0 {
		r.mu.Lock()
		if cur, ok := r.routes[sub.SessionID]; ok && cur == rt {
			rt.order.Lock()
			if len(rt.subs) == 0 {
				delete(r.routes, sub.SessionID)
			}
			rt.order.Unlock()
		}
		r.mu.Unlock()
	}
}

// Deliver runs persist and relays the frame it returns to every subscriber of
// the session. Nothing is relayed when persist fails.
func (r *Relay) Deliver(ctx context.Context, sessionID uuid.UUID, persist func(context.Context) (domain.Frame, error)) error {
	rt := r.route(sessionID, true)
	rt.order.Lock()
	defer rt.order.Unlock()

	f, err := persist(ctx)
	if err != nil {
		return err
	}
	fanOut(rt, f, nil)
	return nil
}

// Broadcast relays f to every subscriber of the session and returns how many
// accepted it.
func (r *Relay) Broadcast(sessionID uuid.UUID, f domain.Frame) int {
	rt := r.route(sessionID, false)
	if rt == nil {
		return 0
	}
	rt.order.Lock()
	defer rt.order.Unlock()
	return fanOut(rt, f, nil)
}

// BroadcastExcept relays f to every subscriber of the session but skip.
func (r *Relay) BroadcastExcept(sessionID uuid.UUID, f domain.Frame, skip *Subscriber) int {
	rt := r.route(sessionID, false)
	if rt == nil {
		return 0
	}
	rt.order.Lock()
	defer rt.order.Unlock()
	return fanOut(rt, f, skip)
}

func fanOut(rt *route, f domain.Frame, skip *Subscriber) int {
	n := 0
	for sub := range rt.subs {
		if sub == skip {
			continue
		}
		if sub.enqueue(f) {
			n++
		} else {
			delete(rt.subs, sub)
		}
	}
	return n
}

// Sever sends f to the subscribers of the session with the given role, then
// closes and detaches them.
func (r *Relay) Sever(sessionID uuid.UUID, role Role, f domain.Frame) int {
	rt := r.route(sessionID, false)
	if rt == nil {
		return 0
	}
	rt.order.Lock()
	defer rt.order.Unlock()
	n := 0
	for sub := range rt.subs {
		if sub.Role != role {
			continue
		}
		sub.enqueue(f)
		sub.Close()
		delete(rt.subs, sub)
		n++
	}
	return n
}

// CloseSession sends f to every subscriber, closes them and drops the route.
func (r *Relay) CloseSession(sessionID uuid.UUID, f domain.Frame) int {
	r.mu.Lock()
	rt, ok := r.routes[sessionID]
	delete(r.routes, sessionID)
	r.mu.Unlock()
	if !ok {
		return 0
	}

	rt.order.Lock()
	defer rt.order.Unlock()
	n := 0
	for sub := range rt.subs {
		sub.enqueue(f)
		sub.Close()
		delete(rt.subs, sub)
		n++
	}
	return n
}

// Participants lists who is currently subscribed to the session.
func (r *Relay) Participants(sessionID uuid.UUID) []Participant {
	rt := r.route(sessionID, false)
	if rt == nil {
		return nil
	}
	rt.order.Lock()
	defer rt.order.Unlock()
	out := make([]Participant, 0, len(rt.subs))
	for sub := range rt.subs {
		out = append(out, sub.Participant)
	}
	return out
}

// AttachInbox registers the agent's inbox connection, replacing and closing a
// previous one.
func (r *Relay) AttachInbox(agentID uuid.UUID, p Participant, conn Conn) *Subscriber {
	p.Role = RoleInbox
	sub := newSubscriber(p, uuid.Nil, conn, r.buffer)
	r.mu.Lock()
	old := r.inboxes[agentID]
	r.inboxes[agentID] = sub
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("Agent %s inbox connected", agentID)
	return sub
}

// DetachInbox removes sub if it is still the agent's current inbox and
// reports whether it was.
func (r *Relay) DetachInbox(agentID uuid.UUID, sub *Subscriber) bool {
	sub.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inboxes[agentID] != sub {
		return false
	}
	delete(r.inboxes, agentID)
	log.Printf("Agent %s inbox disconnected", agentID)
	return true
}

// NotifyAgent sends f to the agent's inbox. It reports false when the agent
// has no inbox connection.
func (r *Relay) NotifyAgent(agentID uuid.UUID, f domain.Frame) bool {
	r.mu.RLock()
	sub := r.inboxes[agentID]
	r.mu.RUnlock()
	if sub == nil {
		return false
	}
	return sub.enqueue(f)
}

// InboxConnected reports whether the agent currently has an inbox connection.
func (r *Relay) InboxConnected(agentID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inboxes[agentID]
	return ok
}

// ActiveConnections returns the number of subscribers per session.
func (r *Relay) ActiveConnections() map[uuid.UUID]int {
	r.mu.RLock()
	routes := make(map[uuid.UUID]*route, len(r.routes))
	for id, rt := range r.routes {
		routes[id] = rt
	}
	r.mu.RUnlock()

	result := make(map[uuid.UUID]int, len(routes))
	for id, rt := range routes {
		rt.order.Lock()
		result[id] = len(rt.subs)
		rt.order.Unlock()
	}
	return result
}
