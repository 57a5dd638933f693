package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-misty/pkg/hub"
)

// handleStatus returns the assistant's current state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.status())
}

// handleGetConversation returns recent conversation
func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	s.conversationMu.RLock()
	entries := append([]ConversationEntry(nil), s.conversation...)
	s.conversationMu.RUnlock()
	if entries == nil {
		entries = []ConversationEntry{}
	}
	return c.JSON(entries)
}

// handleEventsWS attaches a websocket to the event hub and blocks until it
// disconnects.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	client := hub.NewClient(s.hub, c)
	if client == nil {
		return
	}
	// New clients get a status snapshot straight away.
	s.PublishStatus()
	client.Run()
}
