// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"bazaar/internal/middleware"
	"bazaar/internal/models"
	"bazaar/internal/notifications"
	"bazaar/internal/observability"
	"bazaar/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebSocketChatHandler handles WebSocket connections for real-time chat
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		// Socket lifetimes outlive the upgrade request, so each connection
		// gets its own correlation id.
		ctx := observability.WithCorrelationID(context.Background(), observability.GenerateCorrelationID())

		// Get userID from context locals (set by AuthRequired middleware)
		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			log.Printf("WebSocket Chat: Unauthenticated connection attempt")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		user, err := s.userRepo.GetByID(ctx, userID)
		if err != nil {
			log.Printf("WebSocket Chat: Failed to get user %d: %v", userID, err)
			_ = conn.Close()
			return
		}
		name := user.FullName

		log.Printf("WebSocket: User %d (%s) connected to chat", userID, name)

		if s.chatHub == nil {
			_ = conn.Close()
			return
		}

		client, err := s.chatHub.Register(ctx, userID, conn)
		if err != nil {
			log.Printf("WebSocket Chat: Failed to register user %d: %v", userID, err)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}

		client.IncomingHandler = func(c *notifications.Client, raw []byte) {
			var incoming struct {
				Type           string             `json:"type"`
				ConversationID uint               `json:"conversation_id"`
				MessageID      uint               `json:"message_id"`
				MessageIDs     []uint             `json:"message_ids"`
				Text           string             `json:"text"`
				Attachments    models.Attachments `json:"attachments"`
				ReplyToID      *uint              `json:"reply_to_id"`
				Emoji          string             `json:"emoji"`
				Scope          string             `json:"scope"`
				IsTyping       bool               `json:"is_typing"`
			}
			if err := json.Unmarshal(raw, &incoming); err != nil {
				log.Printf("WebSocket: Invalid message format from user %d", userID)
				return
			}

			observability.WebSocketEventsTotal.WithLabelValues(incoming.Type).Inc()

			switch incoming.Type {
			case "joinConversation":
				s.handleWSJoin(ctx, c, userID, incoming.ConversationID)

			case "leaveConversation":
				if incoming.ConversationID != 0 {
					s.chatHub.LeaveConversation(userID, incoming.ConversationID)
				}

			case "typing":
				s.handleWSTyping(ctx, userID, name, incoming.ConversationID, incoming.IsTyping)

			case "sendMessage":
				s.handleWSMessage(ctx, c, userID, service.SendMessageInput{
					ConversationID: incoming.ConversationID,
					SenderID:       userID,
					Text:           incoming.Text,
					Attachments:    incoming.Attachments,
					ReplyToID:      incoming.ReplyToID,
				})

			case "readMessages":
				s.handleWSRead(ctx, c, userID, incoming.ConversationID, incoming.MessageIDs)

			case "reaction":
				s.handleWSReaction(ctx, c, userID, incoming.MessageID, incoming.Emoji)

			case "deleteMessage":
				s.handleWSDelete(ctx, c, userID, incoming.MessageID, incoming.Scope)
			}
		}

		// Send welcome message
		welcomeMsg := notifications.ChatMessage{
			Type:    "connected",
			Payload: map[string]interface{}{"user_id": userID, "name": name},
		}
		if welcomeJSON, err := json.Marshal(welcomeMsg); err == nil {
			client.TrySend(welcomeJSON)
		}

		// Start write pump in a goroutine
		go client.WritePump()

		// Read pump runs in the main handler goroutine (blocking)
		client.ReadPump()
	})
}

// handleWSJoin subscribes the connection to a conversation's events after a
// membership check and acks with the currently active participants.
func (s *Server) handleWSJoin(ctx context.Context, c *notifications.Client, userID, convID uint) {
	if convID == 0 {
		return
	}
	ok, err := s.chatService.IsParticipant(ctx, convID, userID)
	if err != nil || !ok {
		return
	}
	s.chatHub.JoinConversation(userID, convID)

	response := notifications.ChatMessage{
		Type:           "joined",
		ConversationID: convID,
		Payload: map[string]interface{}{
			"conversation_id": convID,
			"active_user_ids": s.chatHub.GetActiveUsers(convID),
		},
	}
	if responseJSON, err := json.Marshal(response); err == nil {
		c.TrySend(responseJSON)
	}
}

// handleWSTyping relays a typing indicator to the peer. Indicators are rate
// limited to 10 per 10 seconds to prevent spam.
func (s *Server) handleWSTyping(ctx context.Context, userID uint, name string, convID uint, isTyping bool) {
	if convID == 0 {
		return
	}
	ok, err := s.chatService.IsParticipant(ctx, convID, userID)
	if err != nil || !ok {
		return
	}

	id := fmt.Sprintf("user:%d", userID)
	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second)
	if !allowed {
		return // Silently drop spammy typing indicators
	}

	if s.notifier != nil {
		if perr := s.notifier.PublishTypingIndicator(ctx, convID, userID, name, isTyping); perr != nil {
			log.Printf("publish typing indicator error: %v", perr)
		}
		return
	}
	s.chatHub.RelayToConversation(convID, notifications.ChatMessage{
		Type:   EventTyping,
		UserID: userID,
		Payload: map[string]interface{}{
			"user_id":   userID,
			"is_typing": isTyping,
		},
	}, userID)
}

// sendWSError reports a failed socket invocation back to the connection that
// issued it.
func sendWSError(c *notifications.Client, message string) {
	frame := notifications.ChatMessage{
		Type:    "error",
		Payload: map[string]string{"message": message},
	}
	if raw, err := json.Marshal(frame); err == nil {
		c.TrySend(raw)
	}
}

// handleWSMessage sends a message through the same path as the HTTP endpoint,
// including its rate limit. Attachments-only and reply inputs work the same
// as over HTTP.
func (s *Server) handleWSMessage(ctx context.Context, c *notifications.Client, userID uint, in service.SendMessageInput) {
	if in.ConversationID == 0 {
		sendWSError(c, "conversation_id is required")
		return
	}

	id := fmt.Sprintf("user:%d", userID)
	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "send_chat", id, 15, time.Minute)
	if !allowed {
		sendWSError(c, "Rate limit exceeded. Please wait a moment.")
		return
	}

	message, err := s.chatService.SendMessage(ctx, in)
	if err != nil {
		log.Printf("WebSocket: Failed to send message for user %d: %v", userID, err)
		sendWSError(c, err.Error())
		return
	}

	s.publishConversationEvent(ctx, in.ConversationID, notifications.ChatMessage{
		Type:    EventMessageNew,
		UserID:  userID,
		Payload: message,
	})
}

func (s *Server) handleWSRead(ctx context.Context, c *notifications.Client, userID, convID uint, messageIDs []uint) {
	if convID == 0 {
		sendWSError(c, "conversation_id is required")
		return
	}
	readIDs, err := s.chatService.MarkRead(ctx, userID, convID, messageIDs)
	if err != nil {
		log.Printf("WebSocket: mark read error for user %d: %v", userID, err)
		sendWSError(c, err.Error())
		return
	}
	if len(readIDs) == 0 {
		return
	}

	s.publishConversationEvent(ctx, convID, notifications.ChatMessage{
		Type:   EventMessageRead,
		UserID: userID,
		Payload: map[string]interface{}{
			"conversation_id": convID,
			"user_id":         userID,
			"message_ids":     readIDs,
		},
	})
}

func (s *Server) handleWSReaction(ctx context.Context, c *notifications.Client, userID, msgID uint, emoji string) {
	if msgID == 0 {
		sendWSError(c, "message_id is required")
		return
	}
	groups, added, err := s.chatService.ToggleReaction(ctx, userID, msgID, emoji)
	if err != nil {
		log.Printf("WebSocket: reaction error for user %d: %v", userID, err)
		sendWSError(c, err.Error())
		return
	}

	msg, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		return
	}
	s.publishConversationEvent(ctx, msg.ConversationID, notifications.ChatMessage{
		Type:   EventMessageReaction,
		UserID: userID,
		Payload: map[string]interface{}{
			"message_id": msgID,
			"user_id":    userID,
			"emoji":      emoji,
			"added":      added,
			"reactions":  groups,
		},
	})
}

func (s *Server) handleWSDelete(ctx context.Context, c *notifications.Client, userID, msgID uint, rawScope string) {
	if msgID == 0 {
		sendWSError(c, "message_id is required")
		return
	}
	scope, err := models.ParseDeleteScope(rawScope)
	if err != nil {
		sendWSError(c, err.Error())
		return
	}
	result, err := s.chatService.DeleteMessage(ctx, userID, msgID, scope)
	if err != nil {
		log.Printf("WebSocket: delete error for user %d: %v", userID, err)
		sendWSError(c, err.Error())
		return
	}

	event := notifications.ChatMessage{
		Type:   EventMessageDeleted,
		UserID: userID,
		Payload: map[string]interface{}{
			"message_id":      result.MessageID,
			"conversation_id": result.ConversationID,
			"scope":           result.Scope,
		},
	}

	// Delete-for-me is private to the requester, but their other open tabs
	// still need to drop the message.
	if scope == models.DeleteScopeMe {
		s.publishUserEvent(ctx, userID, event)
		return
	}
	s.publishConversationEvent(ctx, result.ConversationID, event)
}
