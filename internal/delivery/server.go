package delivery

import (
	"context"
	"log"

	"livechat/internal/chat"
	"livechat/internal/config"
	"livechat/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// ConnectionMirror records who is connected to a session and who is typing,
// and exposes the shared per-department set of available agents.
type ConnectionMirror interface {
	AddUserToSession(ctx context.Context, sessionID uuid.UUID, userID, name, userType string) error
	RemoveUserFromSession(ctx context.Context, sessionID uuid.UUID, userID string) error
	GetSessionUsers(ctx context.Context, sessionID uuid.UUID) (map[string]interface{}, error)
	SetUserTyping(ctx context.Context, sessionID uuid.UUID, name string, isTyping bool) error
	GetTypingUsers(ctx context.Context, sessionID uuid.UUID) ([]string, error)
	AvailableAgents(ctx context.Context, departmentID uuid.UUID) ([]string, error)
	ClearSession(ctx context.Context, sessionID uuid.UUID) error
}

type Server struct {
	config    *config.Config
	chat      *chat.Service
	mirror    ConnectionMirror
	wsManager *WSManager
	app       *fiber.App
}

// NewServer builds the fiber app. mirror may be nil, in which case connection
// status is derived from the live relay routes.
func NewServer(cfg *config.Config, svc *chat.Service, mirror ConnectionMirror, publisher domain.EventPublisher) *Server {
	s := &Server{
		config:    cfg,
		chat:      svc,
		mirror:    mirror,
		wsManager: NewWSManager(svc, mirror, publisher),
	}
	s.app = s.routes()
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "LiveChat WebSocket & REST Server",
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,Access-Control-Request-Method,Access-Control-Request-Headers",
		ExposeHeaders:    "Content-Length,Access-Control-Allow-Origin,Access-Control-Allow-Headers,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400, // 24 hours
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		log.Printf("CORS configured for production with origins: %s", corsConfig.AllowOrigins)
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false // Never allow credentials with wildcard origin
		log.Printf("CORS configured for development with wildcard origin")
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"message":      "LiveChat server is running",
			"port":         s.config.Port,
			"environment":  s.config.Environment,
			"cors_origins": s.config.GetCORSOrigins(),
		})
	})

	api := app.Group("/api")

	api.Get("/departments", s.handleListDepartments)
	api.Post("/departments", s.handleCreateDepartment)
	api.Get("/departments/:id", s.handleGetDepartment)
	api.Put("/departments/:id", s.handleUpdateDepartment)
	api.Delete("/departments/:id", s.handleDeleteDepartment)
	api.Get("/departments/:id/agents/available", s.handleAvailableAgents)

	api.Get("/users", s.handleListUsers)
	api.Post("/users", s.handleCreateUser)
	api.Get("/users/:id", s.handleGetUser)
	api.Put("/users/:id", s.handleUpdateUser)
	api.Delete("/users/:id", s.handleDeleteUser)
	api.Put("/agents/:id/status", s.handleSetAgentStatus)

	api.Get("/chats", s.handleListChats)
	api.Post("/chats", s.handleCreateChat)
	api.Get("/chats/:id", s.handleGetChat)
	api.Get("/chats/:id/messages", s.handleListMessages)
	api.Post("/chats/:id/messages", s.handlePostMessage)
	api.Post("/chats/:id/transfer", s.handleTransferChat)
	api.Post("/chats/:id/close", s.handleCloseChat)
	api.Post("/chats/:id/claim", s.handleClaimChat)
	api.Post("/chats/:id/accept", s.handleAcceptAssignment)
	api.Post("/chats/:id/decline", s.handleDeclineAssignment)
	api.Get("/chats/:id/queue-status", s.handleQueueStatus)

	api.Get("/reviews", s.handleListReviews)
	api.Post("/reviews", s.handleCreateReview)
	api.Get("/reviews/stats", s.handleReviewStats)
	api.Get("/reviews/:id", s.handleGetReview)

	api.Get("/session/:session_id/connection-status", s.handleGetSessionConnectionStatus)
	api.Get("/connections", s.handleActiveConnections)

	// WebSocket middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/chat/:session_id", websocket.New(s.wsManager.HandleChatConnection))
	app.Get("/ws/agent/:agent_id", websocket.New(s.wsManager.HandleAgentConnection))

	return app
}

func (s *Server) Start() error {
	log.Printf("LiveChat server (WebSocket + REST) starting on port %s", s.config.Port)
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
