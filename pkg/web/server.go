// Package web serves the assistant's status dashboard API.
package web

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-misty/pkg/hub"
)

// maxConversation is how many conversation entries are kept.
const maxConversation = 100

// Status is the assistant state shown on the dashboard.
type Status struct {
	Connection         string `json:"connection"`
	ConversationActive bool   `json:"conversation_active"`
	Speaking           bool   `json:"speaking"`
	QueueDepth         int    `json:"queue_depth"`
	PlaybackQueued     int    `json:"playback_queued"`
	Reconnects         int64  `json:"reconnects"`
	LastUserMessage    string `json:"last_user_message"`
	LastAssistantReply string `json:"last_assistant_message"`
}

// ConversationEntry is one line of the conversation.
type ConversationEntry struct {
	Time    string `json:"time"`
	Role    string `json:"role"` // user, assistant
	Message string `json:"message"`
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Status returns the current assistant state.
	Status func() Status

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Hub broadcasts events to /ws/events clients. Optional.
	Hub *hub.Hub

	Logger *slog.Logger
}

// Server is the dashboard server.
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger
	hub    *hub.Hub
	status func() Status

	conversation   []ConversationEntry
	conversationMu sync.RWMutex
}

// NewServer creates a dashboard server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Status == nil {
		cfg.Status = func() Status { return Status{} }
	}

	s := &Server{
		addr:         cfg.Addr,
		logger:       cfg.Logger.With("component", "web.server"),
		hub:          cfg.Hub,
		status:       cfg.Status,
		conversation: make([]ConversationEntry, 0, maxConversation),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Misty Assistant",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/conversation", s.handleGetConversation)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	if s.hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/events", websocket.New(s.handleEventsWS))
	}

	s.app = app
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// StartAsync starts the server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Warn("web server stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// AddConversation appends an entry, keeping the last 100, and broadcasts
// it to event clients.
func (s *Server) AddConversation(role, message string) {
	entry := ConversationEntry{
		Time:    time.Now().Format("15:04:05"),
		Role:    role,
		Message: message,
	}

	s.conversationMu.Lock()
	s.conversation = append(s.conversation, entry)
	if len(s.conversation) > maxConversation {
		s.conversation = s.conversation[len(s.conversation)-maxConversation:]
	}
	s.conversationMu.Unlock()

	if s.hub != nil {
		s.hub.Publish(hub.EventTranscript, entry)
	}
}

// PublishStatus broadcasts the current status to event clients.
func (s *Server) PublishStatus() {
	if s.hub != nil {
		s.hub.Publish(hub.EventStatus, s.status())
	}
}
