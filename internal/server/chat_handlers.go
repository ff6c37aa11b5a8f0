// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"time"

	"bazaar/internal/models"
	"bazaar/internal/notifications"
	"bazaar/internal/service"

	"github.com/gofiber/fiber/v2"
)

// StartConversation handles POST /api/conversations
func (s *Server) StartConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		PeerID uint `json:"peerId"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	conv, err := s.chatSvc().StartConversation(ctx, userID, req.PeerID)
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	// Let the peer's open clients pick up the new conversation.
	s.publishUserEvent(ctx, req.PeerID, notifications.ChatMessage{
		Type:    EventConversationNew,
		UserID:  userID,
		Payload: conv,
	})

	return c.Status(fiber.StatusCreated).JSON(conv)
}

// GetConversations handles GET /api/conversations
func (s *Server) GetConversations(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	conversations, err := s.chatSvc().ListConversations(ctx, userID)
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	return c.JSON(conversations)
}

// GetMessages handles GET /api/conversations/:id/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("before must be an RFC 3339 timestamp"))
		}
		before = &t
	}

	limit := c.QueryInt("limit", 0)

	messages, err := s.chatSvc().GetMessages(ctx, userID, convID, before, limit)
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	return c.JSON(messages)
}

// SendMessage handles POST /api/conversations/:id/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Text        string             `json:"text"`
		Attachments models.Attachments `json:"attachments"`
		ReplyToID   *uint              `json:"replyToId"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, err := s.chatSvc().SendMessage(ctx, service.SendMessageInput{
		ConversationID: convID,
		SenderID:       userID,
		Text:           req.Text,
		Attachments:    req.Attachments,
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	s.publishConversationEvent(ctx, convID, notifications.ChatMessage{
		Type:    EventMessageNew,
		UserID:  userID,
		Payload: message,
	})

	return c.Status(fiber.StatusCreated).JSON(message)
}

// MarkConversationRead handles POST /api/conversations/:id/read
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		MessageIDs []uint `json:"messageIds"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	readIDs, err := s.chatSvc().MarkRead(ctx, userID, convID, req.MessageIDs)
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	if len(readIDs) > 0 {
		s.publishConversationEvent(ctx, convID, notifications.ChatMessage{
			Type:   EventMessageRead,
			UserID: userID,
			Payload: fiber.Map{
				"conversation_id": convID,
				"user_id":         userID,
				"message_ids":     readIDs,
			},
		})
	}

	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"message_ids":     readIDs,
	})
}

// ToggleReaction handles POST /api/messages/:id/reactions
func (s *Server) ToggleReaction(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Emoji string `json:"emoji"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	groups, added, err := s.chatSvc().ToggleReaction(ctx, userID, msgID, req.Emoji)
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	// The service verified message and membership; fetch the conversation to
	// address the broadcast.
	if msg, getErr := s.chatRepo.GetMessage(ctx, msgID); getErr == nil {
		s.publishConversationEvent(ctx, msg.ConversationID, notifications.ChatMessage{
			Type:   EventMessageReaction,
			UserID: userID,
			Payload: fiber.Map{
				"message_id": msgID,
				"user_id":    userID,
				"emoji":      req.Emoji,
				"added":      added,
				"reactions":  groups,
			},
		})
	}

	return c.JSON(fiber.Map{
		"message_id": msgID,
		"added":      added,
		"reactions":  groups,
	})
}

// DeleteMessage handles DELETE /api/messages/:id?scope=me|everyone
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	scope, scopeErr := models.ParseDeleteScope(c.Query("scope", string(models.DeleteScopeMe)))
	if scopeErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(scopeErr.Error()))
	}

	result, err := s.chatSvc().DeleteMessage(ctx, userID, msgID, scope)
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	event := notifications.ChatMessage{
		Type:   EventMessageDeleted,
		UserID: userID,
		Payload: fiber.Map{
			"message_id":      result.MessageID,
			"conversation_id": result.ConversationID,
			"scope":           result.Scope,
		},
	}
	// Delete-for-me is private: only the requester's own connections hear
	// about it, so multi-tab state stays consistent.
	if scope == models.DeleteScopeMe {
		s.publishUserEvent(ctx, userID, event)
	} else {
		s.publishConversationEvent(ctx, result.ConversationID, event)
	}

	return c.JSON(result)
}

// SetConversationFavorite handles PUT /api/conversations/:id/favorite
func (s *Server) SetConversationFavorite(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Favorite bool `json:"favorite"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if err := s.chatSvc().SetFavorite(ctx, userID, convID, req.Favorite); err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"favorite":        req.Favorite,
	})
}

// GetSharedMedia handles GET /api/conversations/:id/media
func (s *Server) GetSharedMedia(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	messages, err := s.chatSvc().GetSharedMedia(ctx, userID, convID)
	if err != nil {
		return models.RespondWithError(c, mapServiceError(err), err)
	}

	return c.JSON(messages)
}

func (s *Server) chatSvc() *service.ChatService {
	return s.chatService
}
