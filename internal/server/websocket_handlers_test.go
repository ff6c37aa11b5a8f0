package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"bazaar/internal/models"
	"bazaar/internal/notifications"
	"bazaar/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attachWSClient registers a hub client for the user without a real socket.
func attachWSClient(t *testing.T, s *Server, userID uint) *notifications.Client {
	t.Helper()
	client := notifications.NewClient(s.chatHub, nil, userID)
	require.NoError(t, s.chatHub.RegisterClient(context.Background(), client))
	t.Cleanup(func() { s.chatHub.UnregisterClient(client) })
	return client
}

// nextEvent drains connection bookkeeping frames until an event of the given
// type arrives.
func nextEvent(t *testing.T, client *notifications.Client, eventType string) notifications.ChatMessage {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case raw := <-client.Send:
			var msg notifications.ChatMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type == eventType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func setupWSConversation(t *testing.T) (*Server, *models.User, *models.User, uint) {
	t.Helper()
	s := newTestServer(t)
	alice := createTestUser(t, s, "Alice Johnson", "alice@example.com")
	bob := createTestUser(t, s, "Bob Smith", "bob@example.com")

	conv, err := s.chatService.StartConversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	return s, alice, bob, conv.ID
}

func TestHandleWSJoin(t *testing.T) {
	s, alice, bob, convID := setupWSConversation(t)
	ctx := context.Background()

	aliceClient := attachWSClient(t, s, alice.ID)

	t.Run("Participant Joins And Gets Ack", func(t *testing.T) {
		s.handleWSJoin(ctx, aliceClient, alice.ID, convID)
		msg := nextEvent(t, aliceClient, "joined")
		assert.Equal(t, convID, msg.ConversationID)
		assert.True(t, s.chatHub.IsUserActive(alice.ID, convID))
	})

	t.Run("Non-Participant Ignored", func(t *testing.T) {
		carol := createTestUser(t, s, "Carol Danvers", "carol@example.com")
		carolClient := attachWSClient(t, s, carol.ID)

		s.handleWSJoin(ctx, carolClient, carol.ID, convID)
		assert.False(t, s.chatHub.IsUserActive(carol.ID, convID))
	})

	_ = bob
}

func TestHandleWSMessageDeliversToSubscribers(t *testing.T) {
	s, alice, bob, convID := setupWSConversation(t)
	ctx := context.Background()

	aliceClient := attachWSClient(t, s, alice.ID)
	bobClient := attachWSClient(t, s, bob.ID)
	s.handleWSJoin(ctx, aliceClient, alice.ID, convID)
	s.handleWSJoin(ctx, bobClient, bob.ID, convID)

	s.handleWSMessage(ctx, aliceClient, alice.ID, sendInput(convID, alice.ID, "hi over the wire"))

	msg := nextEvent(t, bobClient, EventMessageNew)
	payload := msg.Payload.(map[string]interface{})
	assert.Equal(t, "hi over the wire", payload["text"])
	assert.Equal(t, float64(alice.ID), payload["senderId"])

	t.Run("Attachment Only With Reply", func(t *testing.T) {
		original, err := s.chatService.SendMessage(ctx, sendInput(convID, bob.ID, "quote me"))
		require.NoError(t, err)

		s.handleWSMessage(ctx, aliceClient, alice.ID, service.SendMessageInput{
			ConversationID: convID,
			SenderID:       alice.ID,
			Attachments:    models.Attachments{{URL: "/uploads/pic.webp", Type: "image"}},
			ReplyToID:      &original.ID,
		})

		msg := nextEvent(t, bobClient, EventMessageNew)
		payload := msg.Payload.(map[string]interface{})
		assert.Empty(t, payload["text"])
		require.NotNil(t, payload["attachments"])
		reply := payload["replyTo"].(map[string]interface{})
		assert.Equal(t, "quote me", reply["text"])
	})

	t.Run("Failure Returns Error Frame", func(t *testing.T) {
		carol := createTestUser(t, s, "Carol Danvers", "carol@example.com")
		carolClient := attachWSClient(t, s, carol.ID)

		s.handleWSMessage(ctx, carolClient, carol.ID, sendInput(convID, carol.ID, "intruder"))

		errMsg := nextEvent(t, carolClient, "error")
		payload := errMsg.Payload.(map[string]interface{})
		assert.Contains(t, payload["message"], "participant")
	})
}

func TestHandleWSReadBroadcastsReceipt(t *testing.T) {
	s, alice, bob, convID := setupWSConversation(t)
	ctx := context.Background()

	_, err := s.chatService.SendMessage(ctx, sendInput(convID, alice.ID, "unread"))
	require.NoError(t, err)

	aliceClient := attachWSClient(t, s, alice.ID)
	bobClient := attachWSClient(t, s, bob.ID)
	s.handleWSJoin(ctx, aliceClient, alice.ID, convID)

	s.handleWSRead(ctx, bobClient, bob.ID, convID, nil)

	msg := nextEvent(t, aliceClient, EventMessageRead)
	payload := msg.Payload.(map[string]interface{})
	assert.Equal(t, float64(bob.ID), payload["user_id"])
	assert.Len(t, payload["message_ids"], 1)
}

func TestHandleWSReactionAndDelete(t *testing.T) {
	s, alice, bob, convID := setupWSConversation(t)
	ctx := context.Background()

	message, err := s.chatService.SendMessage(ctx, sendInput(convID, alice.ID, "react here"))
	require.NoError(t, err)

	aliceClient := attachWSClient(t, s, alice.ID)
	bobClient := attachWSClient(t, s, bob.ID)
	s.handleWSJoin(ctx, aliceClient, alice.ID, convID)

	t.Run("Reaction Broadcast", func(t *testing.T) {
		s.handleWSReaction(ctx, bobClient, bob.ID, message.ID, "🔥")
		msg := nextEvent(t, aliceClient, EventMessageReaction)
		payload := msg.Payload.(map[string]interface{})
		assert.Equal(t, "🔥", payload["emoji"])
		assert.Equal(t, true, payload["added"])
	})

	t.Run("Delete For Me Notifies Only The Requester", func(t *testing.T) {
		s.handleWSDelete(ctx, bobClient, bob.ID, message.ID, "me")

		// Bob's own tabs hear about the hide.
		msg := nextEvent(t, bobClient, EventMessageDeleted)
		payload := msg.Payload.(map[string]interface{})
		assert.Equal(t, "me", payload["scope"])
		assert.Equal(t, float64(message.ID), payload["message_id"])

		// The peer's view is unchanged.
		select {
		case raw := <-aliceClient.Send:
			var msg notifications.ChatMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			assert.NotEqual(t, EventMessageDeleted, msg.Type)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("Delete For Everyone Broadcast", func(t *testing.T) {
		s.handleWSJoin(ctx, bobClient, bob.ID, convID)

		s.handleWSDelete(ctx, aliceClient, alice.ID, message.ID, "everyone")
		msg := nextEvent(t, bobClient, EventMessageDeleted)
		payload := msg.Payload.(map[string]interface{})
		assert.Equal(t, float64(message.ID), payload["message_id"])
		assert.Equal(t, "everyone", payload["scope"])
	})
}

func TestWebSocketRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	app := newAuthApp(s)
	app.Get("/api/ws/chat", s.AuthRequired(), s.WebSocketChatHandler())

	req, err := http.NewRequest(http.MethodGet, "/api/ws/chat", nil)
	require.NoError(t, err)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func sendInput(convID, senderID uint, text string) service.SendMessageInput {
	return service.SendMessageInput{
		ConversationID: convID,
		SenderID:       senderID,
		Text:           text,
	}
}
