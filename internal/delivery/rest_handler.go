package delivery

import (
	"errors"
	"log"

	"livechat/internal/domain"
	"livechat/internal/relay"
	"livechat/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// statusFor maps an error kind onto the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrTransport):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error, message string) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		log.Printf("%s %s: %s: %v", c.Method(), c.Path(), message, err)
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   err.Error(),
	})
}

func ok(c *fiber.Ctx, status int, message string, data interface{}) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func paramID(c *fiber.Ctx, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(key))
	if err != nil {
		return uuid.Nil, domain.Validationf("invalid %s", key)
	}
	return id, nil
}

func queryID(c *fiber.Ctx, key string) (*uuid.UUID, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.Validationf("invalid %s", key)
	}
	return &id, nil
}

func parseBody(c *fiber.Ctx, v interface{}) error {
	if err := c.BodyParser(v); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

type agentRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
}

func (r agentRequest) validate() error {
	if r.AgentID == uuid.Nil {
		return domain.Validationf("agent_id is required")
	}
	return nil
}

// Departments

func (s *Server) handleListDepartments(c *fiber.Ctx) error {
	depts, err := s.chat.ListDepartments(c.UserContext(), c.Query("active_only") == "true")
	if err != nil {
		return fail(c, err, "Failed to list departments")
	}
	return ok(c, fiber.StatusOK, "Departments retrieved successfully", depts)
}

func (s *Server) handleCreateDepartment(c *fiber.Ctx) error {
	var d domain.Department
	if err := parseBody(c, &d); err != nil {
		return fail(c, err, "Invalid department")
	}
	created, err := s.chat.CreateDepartment(c.UserContext(), &d)
	if err != nil {
		return fail(c, err, "Failed to create department")
	}
	return ok(c, fiber.StatusCreated, "Department created successfully", created)
}

func (s *Server) handleGetDepartment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid department ID")
	}
	d, err := s.chat.GetDepartment(c.UserContext(), id)
	if err != nil {
		return fail(c, err, "Failed to get department")
	}
	return ok(c, fiber.StatusOK, "Department retrieved successfully", d)
}

func (s *Server) handleUpdateDepartment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid department ID")
	}
	var d domain.Department
	if err := parseBody(c, &d); err != nil {
		return fail(c, err, "Invalid department")
	}
	updated, err := s.chat.UpdateDepartment(c.UserContext(), id, &d)
	if err != nil {
		return fail(c, err, "Failed to update department")
	}
	return ok(c, fiber.StatusOK, "Department updated successfully", updated)
}

func (s *Server) handleDeleteDepartment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid department ID")
	}
	if err := s.chat.DeleteDepartment(c.UserContext(), id); err != nil {
		return fail(c, err, "Failed to delete department")
	}
	return ok(c, fiber.StatusOK, "Department deleted successfully", nil)
}

func (s *Server) handleAvailableAgents(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid department ID")
	}
	agents := s.chat.AvailableAgents(id)
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID.String())
	}
	// the Redis set spans every instance, local presence only this one
	if s.mirror != nil {
		mirrored, err := s.mirror.AvailableAgents(c.UserContext(), id)
		if err != nil {
			log.Printf("Failed to get available agents from Redis: %v", err)
		} else {
			ids = mirrored
		}
	}
	return ok(c, fiber.StatusOK, "Available agents retrieved successfully", fiber.Map{
		"department_id": id,
		"count":         len(ids),
		"agent_ids":     ids,
		"agents":        agents,
	})
}

// Users

func (s *Server) handleListUsers(c *fiber.Ctx) error {
	dept, err := queryID(c, "department_id")
	if err != nil {
		return fail(c, err, "Invalid filter")
	}
	users, err := s.chat.ListUsers(c.UserContext(), store.UserFilter{
		Role:         domain.Role(c.Query("role")),
		DepartmentID: dept,
		AgentStatus:  domain.AgentStatus(c.Query("agent_status")),
		Offset:       c.QueryInt("offset", 0),
		Limit:        c.QueryInt("limit", store.DefaultLimit),
	})
	if err != nil {
		return fail(c, err, "Failed to list users")
	}
	return ok(c, fiber.StatusOK, "Users retrieved successfully", users)
}

func (s *Server) handleCreateUser(c *fiber.Ctx) error {
	var u domain.User
	if err := parseBody(c, &u); err != nil {
		return fail(c, err, "Invalid user")
	}
	created, err := s.chat.CreateUser(c.UserContext(), &u)
	if err != nil {
		return fail(c, err, "Failed to create user")
	}
	return ok(c, fiber.StatusCreated, "User created successfully", created)
}

func (s *Server) handleGetUser(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid user ID")
	}
	u, err := s.chat.GetUser(c.UserContext(), id)
	if err != nil {
		return fail(c, err, "Failed to get user")
	}
	return ok(c, fiber.StatusOK, "User retrieved successfully", u)
}

func (s *Server) handleUpdateUser(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid user ID")
	}
	var u domain.User
	if err := parseBody(c, &u); err != nil {
		return fail(c, err, "Invalid user")
	}
	updated, err := s.chat.UpdateUser(c.UserContext(), id, &u)
	if err != nil {
		return fail(c, err, "Failed to update user")
	}
	return ok(c, fiber.StatusOK, "User updated successfully", updated)
}

func (s *Server) handleDeleteUser(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid user ID")
	}
	if err := s.chat.DeleteUser(c.UserContext(), id); err != nil {
		return fail(c, err, "Failed to delete user")
	}
	return ok(c, fiber.StatusOK, "User deleted successfully", nil)
}

func (s *Server) handleSetAgentStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid agent ID")
	}
	var req domain.SetAgentStatusRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid status")
	}
	u, err := s.chat.SetAgentStatus(c.UserContext(), id, req.Status)
	if err != nil {
		return fail(c, err, "Failed to update agent status")
	}
	return ok(c, fiber.StatusOK, "Agent status updated successfully", u)
}

// Chats

func (s *Server) handleListChats(c *fiber.Ctx) error {
	dept, err := queryID(c, "department_id")
	if err != nil {
		return fail(c, err, "Invalid filter")
	}
	agent, err := queryID(c, "agent_id")
	if err != nil {
		return fail(c, err, "Invalid filter")
	}
	sessions, err := s.chat.ListSessions(c.UserContext(), store.SessionFilter{
		Status:       domain.SessionStatus(c.Query("status")),
		DepartmentID: dept,
		AgentID:      agent,
		Offset:       c.QueryInt("offset", 0),
		Limit:        c.QueryInt("limit", store.DefaultLimit),
	})
	if err != nil {
		return fail(c, err, "Failed to list chat sessions")
	}
	return ok(c, fiber.StatusOK, "Chat sessions retrieved successfully", sessions)
}

func (s *Server) handleCreateChat(c *fiber.Ctx) error {
	var req domain.CreateSessionRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid chat session")
	}
	cs, err := s.chat.CreateSession(c.UserContext(), req)
	if err != nil {
		return fail(c, err, "Failed to create chat session")
	}
	return ok(c, fiber.StatusCreated, "Chat session created successfully", cs)
}

func (s *Server) handleGetChat(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	cs, err := s.chat.GetSession(c.UserContext(), id)
	if err != nil {
		return fail(c, err, "Failed to get chat session")
	}
	return ok(c, fiber.StatusOK, "Chat session retrieved successfully", cs)
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	msgs, err := s.chat.Messages(c.UserContext(), id, c.QueryInt("offset", 0), c.QueryInt("limit", store.DefaultLimit))
	if err != nil {
		return fail(c, err, "Failed to get messages")
	}
	return ok(c, fiber.StatusOK, "Messages retrieved successfully", msgs)
}

func (s *Server) handlePostMessage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	var req domain.PostMessageRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid message")
	}
	msg, err := s.chat.PostMessage(c.UserContext(), id, req)
	if err != nil {
		return fail(c, err, "Failed to send message")
	}
	return ok(c, fiber.StatusCreated, "Message sent successfully", msg)
}

func (s *Server) handleTransferChat(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	var req domain.TransferRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid transfer")
	}
	cs, err := s.chat.Transfer(c.UserContext(), id, req)
	if err != nil {
		return fail(c, err, "Failed to transfer chat session")
	}
	return ok(c, fiber.StatusOK, "Chat session transferred successfully", cs)
}

func (s *Server) handleCloseChat(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	cs, err := s.chat.CloseSession(c.UserContext(), id)
	if err != nil {
		return fail(c, err, "Failed to close chat session")
	}
	if s.mirror != nil {
		if err := s.mirror.ClearSession(c.UserContext(), id); err != nil {
			log.Printf("Failed to clear Redis state of session %s: %v", id, err)
		}
	}
	return ok(c, fiber.StatusOK, "Chat session closed successfully", cs)
}

func (s *Server) handleClaimChat(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	var req agentRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid claim")
	}
	if err := req.validate(); err != nil {
		return fail(c, err, "Invalid claim")
	}
	cs, err := s.chat.Claim(c.UserContext(), id, req.AgentID)
	if err != nil {
		return fail(c, err, "Failed to claim chat session")
	}
	return ok(c, fiber.StatusOK, "Chat session claimed successfully", cs)
}

func (s *Server) handleAcceptAssignment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	var req agentRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid assignment response")
	}
	if err := req.validate(); err != nil {
		return fail(c, err, "Invalid assignment response")
	}
	cs, err := s.chat.AcceptAssignment(c.UserContext(), id, req.AgentID)
	if err != nil {
		return fail(c, err, "Failed to accept assignment")
	}
	return ok(c, fiber.StatusOK, "Assignment accepted successfully", cs)
}

func (s *Server) handleDeclineAssignment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	var req agentRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid assignment response")
	}
	if err := req.validate(); err != nil {
		return fail(c, err, "Invalid assignment response")
	}
	if err := s.chat.DeclineAssignment(c.UserContext(), id, req.AgentID); err != nil {
		return fail(c, err, "Failed to decline assignment")
	}
	return ok(c, fiber.StatusOK, "Assignment declined", nil)
}

func (s *Server) handleQueueStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}
	qs, err := s.chat.QueueStatus(c.UserContext(), id)
	if err != nil {
		return fail(c, err, "Failed to get queue status")
	}
	return ok(c, fiber.StatusOK, "Queue status retrieved successfully", qs)
}

// Reviews

func (s *Server) handleListReviews(c *fiber.Ctx) error {
	dept, err := queryID(c, "department_id")
	if err != nil {
		return fail(c, err, "Invalid filter")
	}
	agent, err := queryID(c, "agent_id")
	if err != nil {
		return fail(c, err, "Invalid filter")
	}
	reviews, err := s.chat.ListReviews(c.UserContext(), store.ReviewFilter{
		DepartmentID: dept,
		AgentID:      agent,
		MinRating:    c.QueryInt("min_rating", 0),
		MaxRating:    c.QueryInt("max_rating", 0),
		Offset:       c.QueryInt("offset", 0),
		Limit:        c.QueryInt("limit", store.DefaultLimit),
	})
	if err != nil {
		return fail(c, err, "Failed to list reviews")
	}
	return ok(c, fiber.StatusOK, "Reviews retrieved successfully", reviews)
}

func (s *Server) handleReviewStats(c *fiber.Ctx) error {
	dept, err := queryID(c, "department_id")
	if err != nil {
		return fail(c, err, "Invalid filter")
	}
	agent, err := queryID(c, "agent_id")
	if err != nil {
		return fail(c, err, "Invalid filter")
	}
	stats, err := s.chat.ReviewStats(c.UserContext(), store.ReviewFilter{DepartmentID: dept, AgentID: agent})
	if err != nil {
		return fail(c, err, "Failed to compute review stats")
	}
	return ok(c, fiber.StatusOK, "Review stats retrieved successfully", stats)
}

func (s *Server) handleCreateReview(c *fiber.Ctx) error {
	var req domain.CreateReviewRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, err, "Invalid review")
	}
	r, err := s.chat.CreateReview(c.UserContext(), req)
	if err != nil {
		return fail(c, err, "Failed to create review")
	}
	return ok(c, fiber.StatusCreated, "Review created successfully", r)
}

func (s *Server) handleGetReview(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, err, "Invalid review ID")
	}
	r, err := s.chat.GetReview(c.UserContext(), id)
	if err != nil {
		return fail(c, err, "Failed to get review")
	}
	return ok(c, fiber.StatusOK, "Review retrieved successfully", r)
}

// Connections

func (s *Server) handleGetSessionConnectionStatus(c *fiber.Ctx) error {
	sessionID, err := paramID(c, "session_id")
	if err != nil {
		return fail(c, err, "Invalid session ID")
	}

	var status map[string]interface{}
	typing := []string{}
	if s.mirror != nil {
		status, err = s.mirror.GetSessionUsers(c.UserContext(), sessionID)
		if err != nil {
			log.Printf("Failed to get connection status from Redis: %v", err)
			status = nil
		}
		users, err := s.mirror.GetTypingUsers(c.UserContext(), sessionID)
		if err != nil {
			log.Printf("Failed to get typing users from Redis: %v", err)
		} else if users != nil {
			typing = users
		}
	}
	if status == nil {
		status = relayStatus(s.chat.Relay().Participants(sessionID))
	}
	status["typing_users"] = typing

	return ok(c, fiber.StatusOK, "Connection status retrieved successfully", status)
}

// relayStatus builds the connection-status view from the live routes.
func relayStatus(participants []relay.Participant) map[string]interface{} {
	users := make(map[string]interface{}, len(participants))
	customers, agents := 0, 0
	for _, p := range participants {
		switch p.Role {
		case relay.RoleCustomer:
			customers++
		case relay.RoleAgent:
			agents++
		}
		users[p.UserID] = fiber.Map{"user_id": p.UserID, "name": p.Name, "user_type": string(p.Role)}
	}
	return map[string]interface{}{
		"users":              users,
		"customer_connected": customers > 0,
		"agent_connected":    agents > 0,
		"total_customer":     customers,
		"total_agent":        agents,
	}
}

func (s *Server) handleActiveConnections(c *fiber.Ctx) error {
	return ok(c, fiber.StatusOK, "Active connections retrieved successfully", s.chat.Relay().ActiveConnections())
}
