package delivery

import (
	"context"
	"log"
	"strings"
	"time"

	"livechat/internal/chat"
	"livechat/internal/domain"
	"livechat/internal/relay"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// WSManager serves the realtime endpoints: one chat connection per session
// participant and one inbox connection per agent.
type WSManager struct {
	chat      *chat.Service
	mirror    ConnectionMirror
	publisher domain.EventPublisher
}

func NewWSManager(svc *chat.Service, mirror ConnectionMirror, publisher domain.EventPublisher) *WSManager {
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	return &WSManager{chat: svc, mirror: mirror, publisher: publisher}
}

// HandleChatConnection serves /ws/chat/:session_id?sender_name=&sender_id=&role=.
func (w *WSManager) HandleChatConnection(c *websocket.Conn) {
	defer c.Close()
	ctx := context.Background()

	sessionID, err := uuid.Parse(c.Params("session_id"))
	if err != nil {
		log.Printf("Invalid session ID format: %s", c.Params("session_id"))
		w.sendErrorResponse(c, "Invalid session ID format")
		return
	}
	name := strings.TrimSpace(c.Query("sender_name"))
	if name == "" {
		w.sendErrorResponse(c, "sender_name is required")
		return
	}
	cs, err := w.chat.GetSession(ctx, sessionID)
	if err != nil {
		w.sendErrorResponse(c, err.Error())
		return
	}
	if cs.Status == domain.SessionClosed {
		w.sendErrorResponse(c, "Chat session is closed")
		return
	}

	p := relay.Participant{UserID: c.Query("sender_id"), Name: name, Role: relay.RoleCustomer}
	if c.Query("role") == string(relay.RoleAgent) {
		p.Role = relay.RoleAgent
	}
	if p.UserID == "" {
		p.UserID = name
	}
	var senderID *uuid.UUID
	if id, err := uuid.Parse(p.UserID); err == nil {
		senderID = &id
	}

	rl := w.chat.Relay()
	sub := rl.Subscribe(sessionID, p, c)
	sub.Send(domain.NewFrame(domain.FrameConnected, domain.ConnectedPayload{
		SessionID: &sessionID,
		Message:   "Connected to chat",
		Timestamp: time.Now().UTC(),
	}))
	rl.BroadcastExcept(sessionID, domain.NewFrame(domain.FrameUserJoined, domain.ParticipantPayload{
		SessionID:  sessionID,
		SenderName: name,
	}), sub)
	w.trackConnection(ctx, sessionID, p, true)
	log.Printf("WebSocket client connected: %s (%s) to session %s", name, p.Role, sessionID)

	defer func() {
		rl.Unsubscribe(sub)
		rl.BroadcastExcept(sessionID, domain.NewFrame(domain.FrameUserLeft, domain.ParticipantPayload{
			SessionID:  sessionID,
			SenderName: name,
		}), sub)
		w.trackConnection(ctx, sessionID, p, false)
		// the connection is recycled once the handler returns
		<-sub.Done()
		log.Printf("WebSocket client disconnected: %s (%s) from session %s", name, p.Role, sessionID)
	}()

	for {
		var msg domain.ClientMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}
		w.handleChatMessage(ctx, sub, sessionID, senderID, &msg)
	}
}

func (w *WSManager) handleChatMessage(ctx context.Context, sub *relay.Subscriber, sessionID uuid.UUID, senderID *uuid.UUID, msg *domain.ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic while handling %s from %s: %v", msg.Type, sub.Name, r)
		}
	}()

	switch msg.Type {
	case domain.FrameMessage:
		_, err := w.chat.PostMessage(ctx, sessionID, domain.PostMessageRequest{
			SenderID:   senderID,
			SenderName: sub.Name,
			Content:    msg.Content,
		})
		if err != nil {
			sub.Send(domain.ErrorFrame(err.Error()))
		}

	case domain.FrameTyping:
		isTyping := msg.IsTyping == nil || *msg.IsTyping
		w.chat.Typing(ctx, sessionID, sub, isTyping)
		if w.mirror != nil {
			if err := w.mirror.SetUserTyping(ctx, sessionID, sub.Name, isTyping); err != nil {
				log.Printf("Failed to set typing status in Redis: %v", err)
			}
		}

	case domain.FramePing:
		sub.Send(domain.NewFrame(domain.FramePong, map[string]interface{}{
			"timestamp": time.Now().UTC(),
		}))

	default:
		log.Printf("Unknown message type: %s from %s", msg.Type, sub.Name)
		sub.Send(domain.ErrorFrame("Unknown message type: " + msg.Type))
	}
}

// HandleAgentConnection serves /ws/agent/:agent_id, the agent's inbox for
// offers, assignments and status acknowledgements.
func (w *WSManager) HandleAgentConnection(c *websocket.Conn) {
	defer c.Close()
	ctx := context.Background()

	agentID, err := uuid.Parse(c.Params("agent_id"))
	if err != nil {
		w.sendErrorResponse(c, "Invalid agent ID format")
		return
	}
	u, err := w.chat.GetUser(ctx, agentID)
	if err != nil {
		w.sendErrorResponse(c, err.Error())
		return
	}
	if u.Role != domain.RoleAgent && u.Role != domain.RoleAdmin {
		w.sendErrorResponse(c, "User is not an agent")
		return
	}
	if raw := c.Query("department_id"); raw != "" && u.Role == domain.RoleAgent {
		dept, err := uuid.Parse(raw)
		if err != nil {
			w.sendErrorResponse(c, "Invalid department ID format")
			return
		}
		if u.DepartmentID == nil || *u.DepartmentID != dept {
			w.sendErrorResponse(c, "Agent does not belong to this department")
			return
		}
	}

	rl := w.chat.Relay()
	sub := rl.AttachInbox(agentID, relay.Participant{UserID: agentID.String(), Name: u.DisplayName()}, c)
	sub.Send(domain.NewFrame(domain.FrameConnected, domain.ConnectedPayload{
		AgentID:   &agentID,
		Message:   "Connected to agent inbox",
		Timestamp: time.Now().UTC(),
	}))
	if _, err := w.chat.AgentConnected(ctx, agentID); err != nil {
		sub.Send(domain.ErrorFrame(err.Error()))
		rl.DetachInbox(agentID, sub)
		<-sub.Done()
		return
	}

	defer func() {
		if rl.DetachInbox(agentID, sub) {
			w.chat.AgentDisconnected(ctx, agentID)
		}
		<-sub.Done()
	}()

	for {
		var msg domain.ClientMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}
		w.handleAgentMessage(ctx, sub, agentID, &msg)
	}
}

func (w *WSManager) handleAgentMessage(ctx context.Context, sub *relay.Subscriber, agentID uuid.UUID, msg *domain.ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic while handling %s from agent %s: %v", msg.Type, agentID, r)
		}
	}()

	switch msg.Type {
	case domain.FrameStatusUpdate:
		u, err := w.chat.SetAgentStatus(ctx, agentID, msg.Status)
		if err != nil {
			sub.Send(domain.ErrorFrame(err.Error()))
			return
		}
		sub.Send(domain.NewFrame(domain.FrameStatusUpdated, domain.StatusUpdatePayload{Status: u.AgentStatus}))

	case domain.FramePing:
		sub.Send(domain.NewFrame(domain.FramePong, map[string]interface{}{
			"timestamp": time.Now().UTC(),
		}))

	default:
		log.Printf("Unknown message type: %s from agent %s", msg.Type, agentID)
		sub.Send(domain.ErrorFrame("Unknown message type: " + msg.Type))
	}
}

// trackConnection mirrors a join or leave and publishes the new connection
// status of the session.
func (w *WSManager) trackConnection(ctx context.Context, sessionID uuid.UUID, p relay.Participant, joined bool) {
	var status map[string]interface{}
	if w.mirror != nil {
		var err error
		if joined {
			err = w.mirror.AddUserToSession(ctx, sessionID, p.UserID, p.Name, string(p.Role))
		} else {
			err = w.mirror.RemoveUserFromSession(ctx, sessionID, p.UserID)
		}
		if err != nil {
			log.Printf("Failed to update Redis session users: %v", err)
		}
		if status, err = w.mirror.GetSessionUsers(ctx, sessionID); err != nil {
			log.Printf("Failed to get session users: %v", err)
			status = nil
		}
	}
	if status == nil {
		status = relayStatus(w.chat.Relay().Participants(sessionID))
	}

	if err := w.publisher.Publish(ctx, domain.ConnectionStatusEvent{
		Type:             "connection_status",
		SessionID:        sessionID,
		ConnectionStatus: status,
		Timestamp:        time.Now().UTC(),
	}); err != nil {
		log.Printf("Failed to publish connection status: %v", err)
	}
}

func (w *WSManager) sendErrorResponse(c *websocket.Conn, errorMsg string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in sendErrorResponse: %v", r)
		}
	}()
	if err := c.WriteJSON(domain.ErrorFrame(errorMsg)); err != nil {
		log.Printf("Failed to send error response: %v", err)
	}
}
