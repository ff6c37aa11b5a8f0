package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *ChatHub {
	t.Helper()
	presence := NewConnectionManager(nil, ConnectionManagerConfig{
		OfflineGracePeriod: 20 * time.Millisecond,
	})
	hub := NewChatHub(presence)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })
	return hub
}

func newTestClient(userID uint) *Client {
	return &Client{UserID: userID, Send: make(chan []byte, 16)}
}

func register(t *testing.T, hub *ChatHub, client *Client) {
	t.Helper()
	require.NoError(t, hub.RegisterClient(context.Background(), client))
}

func decode(t *testing.T, raw []byte) ChatMessage {
	t.Helper()
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestChatHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(1)

	register(t, hub, client)
	assert.True(t, hub.IsUserOnline(1))

	hub.UnregisterClient(client)
	assert.False(t, hub.IsUserOnline(1))
}

func TestChatHub_BroadcastToConversation(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(1)
	register(t, hub, client)
	hub.JoinConversation(1, 101)

	hub.BroadcastToConversation(101, ChatMessage{
		Type:           "message:new",
		ConversationID: 101,
		Payload:        "Hello",
	})

	received := decode(t, <-client.Send)
	assert.Equal(t, "message:new", received.Type)
	assert.Equal(t, uint(101), received.ConversationID)
}

func TestChatHub_MultiDeviceSupport(t *testing.T) {
	hub := newTestHub(t)
	userID := uint(42)

	client1 := newTestClient(userID)
	client2 := newTestClient(userID)
	register(t, hub, client1)
	register(t, hub, client2)

	hub.JoinConversation(userID, 202)
	hub.BroadcastToConversation(202, ChatMessage{Type: "message:new", ConversationID: 202})

	select {
	case <-client1.Send:
	default:
		t.Error("client1 did not receive message")
	}
	select {
	case <-client2.Send:
	default:
		t.Error("client2 did not receive message")
	}

	t.Run("one device closing keeps the user online", func(t *testing.T) {
		hub.UnregisterClient(client1)
		assert.True(t, hub.IsUserOnline(userID))
		assert.True(t, hub.IsUserActive(userID, 202))

		hub.UnregisterClient(client2)
		assert.False(t, hub.IsUserOnline(userID))
		assert.False(t, hub.IsUserActive(userID, 202))
	})
}

func TestChatHub_BroadcastSkipsNonSubscribers(t *testing.T) {
	hub := newTestHub(t)
	participant := newTestClient(1)
	outsider := newTestClient(2)
	register(t, hub, participant)
	register(t, hub, outsider)
	hub.JoinConversation(1, 300)

	hub.BroadcastToConversation(300, ChatMessage{Type: "message:new", ConversationID: 300})

	select {
	case <-participant.Send:
	default:
		t.Error("participant did not receive message")
	}
	select {
	case raw := <-outsider.Send:
		t.Errorf("outsider unexpectedly received message: %s", raw)
	default:
	}
}

func TestChatHub_TypingExcludesSender(t *testing.T) {
	hub := newTestHub(t)
	typist := newTestClient(1)
	reader := newTestClient(2)
	register(t, hub, typist)
	register(t, hub, reader)
	hub.JoinConversation(1, 7)
	hub.JoinConversation(2, 7)

	hub.RelayToConversation(7, ChatMessage{Type: "typing", ConversationID: 7, UserID: 1}, 1)

	select {
	case raw := <-reader.Send:
		msg := decode(t, raw)
		assert.Equal(t, "typing", msg.Type)
	default:
		t.Error("reader did not receive typing event")
	}
	select {
	case raw := <-typist.Send:
		t.Errorf("typist received their own typing event: %s", raw)
	default:
	}
}

func TestChatHub_PresenceTransitions(t *testing.T) {
	hub := newTestHub(t)
	watcher := newTestClient(9)
	register(t, hub, watcher)

	// First connection of user 1 broadcasts online.
	first := newTestClient(1)
	register(t, hub, first)
	msg := decode(t, <-watcher.Send)
	assert.Equal(t, "presence", msg.Type)
	assert.Equal(t, uint(1), msg.UserID)

	// A second connection does not re-announce.
	second := newTestClient(1)
	register(t, hub, second)
	select {
	case raw := <-watcher.Send:
		t.Errorf("unexpected presence event for second device: %s", raw)
	default:
	}

	// Dropping one device keeps the user online.
	hub.UnregisterClient(first)
	select {
	case raw := <-watcher.Send:
		t.Errorf("unexpected presence event while a device remains: %s", raw)
	default:
	}

	// Dropping the last device announces offline after the grace period.
	hub.UnregisterClient(second)
	assert.Eventually(t, func() bool {
		select {
		case raw := <-watcher.Send:
			msg := decode(t, raw)
			return msg.Type == "presence" && msg.UserID == 1
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestChatHub_ReconnectWithinGraceSuppressesOffline(t *testing.T) {
	hub := newTestHub(t)
	watcher := newTestClient(9)
	register(t, hub, watcher)

	client := newTestClient(1)
	register(t, hub, client)
	<-watcher.Send // online event

	hub.UnregisterClient(client)
	replacement := newTestClient(1)
	register(t, hub, replacement)

	assert.Never(t, func() bool {
		select {
		case raw := <-watcher.Send:
			msg := decode(t, raw)
			if status, ok := msg.Payload.(map[string]interface{})["status"]; ok {
				return status == "offline"
			}
			return false
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestChatHub_LeaveConversation(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(1)
	register(t, hub, client)
	hub.JoinConversation(1, 5)
	assert.Equal(t, []uint{1}, hub.GetActiveUsers(5))

	hub.LeaveConversation(1, 5)
	assert.Empty(t, hub.GetActiveUsers(5))

	hub.BroadcastToConversation(5, ChatMessage{Type: "message:new"})
	select {
	case raw := <-client.Send:
		t.Errorf("received message after leaving: %s", raw)
	default:
	}
}
