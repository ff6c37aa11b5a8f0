package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"bazaar/internal/notifications"
)

// Event type constants prevent typos in event names.
const (
	EventMessageNew      = "message:new"
	EventMessageRead     = "message:read"
	EventMessageReaction = "message:reaction"
	EventMessageDeleted  = "message:deleted"
	EventConversationNew = "conversation:new"
	EventTyping          = "typing"
	EventPresence        = "presence"
)

// publishConversationEvent delivers an event to every participant subscribed
// to the conversation. With Redis available the event goes through pub/sub so
// all instances see it; otherwise it is broadcast to local connections only.
func (s *Server) publishConversationEvent(ctx context.Context, conversationID uint, event notifications.ChatMessage) {
	event.ConversationID = conversationID

	if s.notifier != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("failed to marshal %s event: %v", event.Type, err)
			return
		}
		if err := s.notifier.PublishChatMessage(ctx, conversationID, string(payload)); err != nil {
			log.Printf("failed to publish %s event to conversation %d: %v", event.Type, conversationID, err)
		}
		return
	}

	if s.chatHub != nil {
		s.chatHub.BroadcastToConversation(conversationID, event)
	}
}

// publishUserEvent delivers an event to a single user's connections across
// all instances.
func (s *Server) publishUserEvent(ctx context.Context, userID uint, event notifications.ChatMessage) {
	if s.notifier != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("failed to marshal %s event: %v", event.Type, err)
			return
		}
		if err := s.notifier.PublishUser(ctx, userID, string(payload)); err != nil {
			log.Printf("failed to publish %s event to user %d: %v", event.Type, userID, err)
		}
		return
	}

	if s.chatHub != nil {
		s.chatHub.SendToUser(userID, event)
	}
}

// startUserEventBridge delivers per-user pub/sub events to this instance's
// local connections.
func (s *Server) startUserEventBridge(ctx context.Context) error {
	return s.notifier.StartUserSubscriber(ctx, func(channel, payload string) {
		var userID uint
		if _, err := fmt.Sscanf(channel, "notifications:user:%d", &userID); err != nil {
			return
		}
		var event notifications.ChatMessage
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Printf("failed to parse user event from %s: %v", channel, err)
			return
		}
		s.chatHub.SendToUser(userID, event)
	})
}
