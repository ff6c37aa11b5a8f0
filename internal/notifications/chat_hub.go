// Package notifications provides real-time notification delivery and management.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"

	"bazaar/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const maxConnsPerUser = 12

// ChatHub manages WebSocket connections keyed by conversation. A user may
// hold several connections at once; presence transitions are delegated to
// the ConnectionManager.
type ChatHub struct {
	mu sync.RWMutex

	// conversationID -> set of subscribed userIDs
	conversations map[uint]map[uint]struct{}

	// userID -> set of conversationIDs they're actively viewing
	userActiveConvs map[uint]map[uint]struct{}

	// userID -> set of active Clients
	userConns map[uint]map[*Client]bool

	presence *ConnectionManager
	wslog    *observability.WSLogger
}

// Name returns a human-readable identifier for this hub.
func (h *ChatHub) Name() string { return "chat hub" }

// ChatMessage is the envelope delivered to websocket clients.
type ChatMessage struct {
	Type           string      `json:"type"`
	ConversationID uint        `json:"conversation_id,omitempty"`
	UserID         uint        `json:"user_id,omitempty"`
	Username       string      `json:"username,omitempty"`
	Payload        interface{} `json:"payload"`
}

// NewChatHub creates a new ChatHub instance.
func NewChatHub(presence *ConnectionManager) *ChatHub {
	h := &ChatHub{
		conversations:   make(map[uint]map[uint]struct{}),
		userActiveConvs: make(map[uint]map[uint]struct{}),
		userConns:       make(map[uint]map[*Client]bool),
		presence:        presence,
		wslog:           observability.NewWSLogger("chat hub"),
	}
	if presence != nil {
		presence.SetCallbacks(
			func(userID uint) { h.BroadcastGlobalStatus(userID, "online") },
			func(userID uint) { h.BroadcastGlobalStatus(userID, "offline") },
		)
	}
	return h
}

// Presence exposes the underlying connection manager.
func (h *ChatHub) Presence() *ConnectionManager { return h.presence }

// TouchPresence refreshes the user's last-seen marker.
func (h *ChatHub) TouchPresence(userID uint) {
	if h.presence != nil {
		h.presence.Touch(context.Background(), userID)
	}
}

// Register attaches a user's websocket connection, sends the online-users
// snapshot, and records presence.
func (h *ChatHub) Register(ctx context.Context, userID uint, conn *websocket.Conn) (*Client, error) {
	client := NewClient(h, conn, userID)
	if err := h.RegisterClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// RegisterClient attaches an already-constructed client.
func (h *ChatHub) RegisterClient(ctx context.Context, client *Client) error {
	userID := client.UserID

	h.mu.Lock()
	if h.userConns[userID] == nil {
		h.userConns[userID] = make(map[*Client]bool)
	}
	if len(h.userConns[userID]) >= maxConnsPerUser {
		h.mu.Unlock()
		return fmt.Errorf("user connection limit reached")
	}
	client.Hub = h
	h.userConns[userID][client] = true
	h.mu.Unlock()

	h.wslog.LogConnect(ctx, userID)

	if h.presence != nil {
		h.presence.Register(ctx, userID)
		onlineIDs := make([]uint, 0)
		for _, id := range h.presence.GetOnlineUserIDs(ctx) {
			if id != userID {
				onlineIDs = append(onlineIDs, id)
			}
		}
		if len(onlineIDs) > 0 {
			snapshot := ChatMessage{
				Type:    "connected_users",
				Payload: map[string]interface{}{"user_ids": onlineIDs},
			}
			if jsonMsg, err := json.Marshal(snapshot); err == nil {
				client.TrySend(jsonMsg)
			}
		}
	}

	return nil
}

// UnregisterClient removes a websocket connection. When the user's last
// connection goes, their conversation subscriptions are dropped and the
// presence grace timer starts.
func (h *ChatHub) UnregisterClient(client *Client) {
	h.mu.Lock()

	clients, ok := h.userConns[client.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		h.mu.Unlock()
		h.wslog.LogDisconnect(context.Background(), client.UserID, "connection closed")
		if h.presence != nil {
			h.presence.Unregister(context.Background(), client.UserID)
		}
		return
	}
	delete(h.userConns, client.UserID)

	if convs, ok := h.userActiveConvs[client.UserID]; ok {
		for convID := range convs {
			if users, ok := h.conversations[convID]; ok {
				if _, joined := users[client.UserID]; joined {
					delete(users, client.UserID)
					observability.WebSocketRoomConnections.WithLabelValues(conversationLabel(convID)).Dec()
				}
				if len(users) == 0 {
					delete(h.conversations, convID)
				}
			}
		}
		delete(h.userActiveConvs, client.UserID)
	}
	h.mu.Unlock()

	h.wslog.LogDisconnect(context.Background(), client.UserID, "last connection closed")

	if h.presence != nil {
		h.presence.Unregister(context.Background(), client.UserID)
	}
}

// IsUserOnline returns true when the user has at least one active client.
func (h *ChatHub) IsUserOnline(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.userConns[userID]
	return ok && len(clients) > 0
}

// JoinConversation subscribes a connected user to a conversation's events.
func (h *ChatHub) JoinConversation(userID, conversationID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.userConns[userID]; !ok {
		log.Printf("ChatHub: User %d not connected, cannot join conversation %d", userID, conversationID)
		return
	}

	if h.conversations[conversationID] == nil {
		h.conversations[conversationID] = make(map[uint]struct{})
	}
	if _, joined := h.conversations[conversationID][userID]; !joined {
		h.conversations[conversationID][userID] = struct{}{}
		observability.WebSocketRoomConnections.WithLabelValues(conversationLabel(conversationID)).Inc()
	}

	if h.userActiveConvs[userID] == nil {
		h.userActiveConvs[userID] = make(map[uint]struct{})
	}
	h.userActiveConvs[userID][conversationID] = struct{}{}
}

// LeaveConversation unsubscribes a user from a conversation.
func (h *ChatHub) LeaveConversation(userID, conversationID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if users, ok := h.conversations[conversationID]; ok {
		if _, joined := users[userID]; joined {
			delete(users, userID)
			observability.WebSocketRoomConnections.WithLabelValues(conversationLabel(conversationID)).Dec()
		}
		if len(users) == 0 {
			delete(h.conversations, conversationID)
		}
	}
	if convs, ok := h.userActiveConvs[userID]; ok {
		delete(convs, conversationID)
	}
}

func conversationLabel(conversationID uint) string {
	return strconv.FormatUint(uint64(conversationID), 10)
}

// BroadcastToConversation sends a message to every subscriber of the
// conversation, across all of each subscriber's connections.
func (h *ChatHub) BroadcastToConversation(conversationID uint, message ChatMessage) {
	h.broadcastToConversation(conversationID, message, 0)
}

// RelayToConversation sends a message to every subscriber except the
// originating user. Typing indicators use this so the typist never sees
// their own indicator.
func (h *ChatHub) RelayToConversation(conversationID uint, message ChatMessage, excludeUserID uint) {
	h.broadcastToConversation(conversationID, message, excludeUserID)
}

func (h *ChatHub) broadcastToConversation(conversationID uint, message ChatMessage, excludeUserID uint) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users, ok := h.conversations[conversationID]
	if !ok {
		return
	}

	messageJSON, err := json.Marshal(message)
	if err != nil {
		log.Printf("ChatHub: Failed to marshal message: %v", err)
		h.wslog.LogError(context.Background(), message.UserID, err, message.Type)
		return
	}

	observability.MessageThroughput.WithLabelValues(conversationLabel(conversationID), message.Type).Inc()

	for userID := range users {
		if excludeUserID != 0 && userID == excludeUserID {
			continue
		}
		if clients, ok := h.userConns[userID]; ok {
			for client := range clients {
				client.TrySend(messageJSON)
			}
		}
	}
}

// BroadcastToAllUsers sends a message to every connected websocket client.
func (h *ChatHub) BroadcastToAllUsers(message ChatMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	messageJSON, err := json.Marshal(message)
	if err != nil {
		log.Printf("ChatHub: Failed to marshal global message: %v", err)
		return
	}
	for _, clients := range h.userConns {
		for client := range clients {
			client.TrySend(messageJSON)
		}
	}
}

// SendToUser sends a message to every connection of a single user.
func (h *ChatHub) SendToUser(userID uint, message ChatMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	messageJSON, err := json.Marshal(message)
	if err != nil {
		return
	}
	for client := range h.userConns[userID] {
		client.TrySend(messageJSON)
	}
}

// GetActiveUsers returns the userIDs currently subscribed to a conversation.
func (h *ChatHub) GetActiveUsers(conversationID uint) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users, ok := h.conversations[conversationID]
	if !ok {
		return []uint{}
	}
	result := make([]uint, 0, len(users))
	for userID := range users {
		result = append(result, userID)
	}
	return result
}

// IsUserActive checks if a user is currently subscribed to a conversation.
func (h *ChatHub) IsUserActive(userID, conversationID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if convs, ok := h.userActiveConvs[userID]; ok {
		_, active := convs[conversationID]
		return active
	}
	return false
}

// BroadcastGlobalStatus sends a presence event to every connected user
// except the one whose status changed.
func (h *ChatHub) BroadcastGlobalStatus(userID uint, status string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	message := ChatMessage{
		Type:    "presence",
		UserID:  userID,
		Payload: map[string]interface{}{"status": status, "user_id": userID},
	}
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		log.Printf("ChatHub: Failed to marshal status message: %v", err)
		return
	}

	for id, clients := range h.userConns {
		if id == userID {
			continue
		}
		for client := range clients {
			client.TrySend(jsonMsg)
		}
	}
}

// StartWiring connects the ChatHub to Redis pub/sub so events published by
// other instances reach this instance's subscribers.
func (h *ChatHub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartChatSubscriber(ctx, func(channel, payload string) {
		var conversationID uint
		var msgType string

		if _, err := fmt.Sscanf(channel, "chat:conv:%d", &conversationID); err == nil {
			msgType = "message:new"
		} else if _, err := fmt.Sscanf(channel, "typing:conv:%d", &conversationID); err == nil {
			msgType = "typing"
		} else if channel == "presence:global" {
			msgType = "presence"
		} else {
			log.Printf("ChatHub: Invalid channel format: %s", channel)
			return
		}

		var message ChatMessage
		if err := json.Unmarshal([]byte(payload), &message); err != nil {
			log.Printf("ChatHub: Failed to parse message from channel %s: %v", channel, err)
			return
		}
		if message.Type == "" {
			message.Type = msgType
		}

		if msgType == "presence" {
			h.BroadcastToAllUsers(message)
			return
		}

		message.ConversationID = conversationID
		if msgType == "typing" {
			h.RelayToConversation(conversationID, message, message.UserID)
			return
		}
		h.BroadcastToConversation(conversationID, message)
	})
}

// Shutdown gracefully closes all websocket connections.
func (h *ChatHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, clients := range h.userConns {
		for client := range clients {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"server_shutdown","message":"Server is shutting down"}`)); err != nil {
				log.Printf("failed to write shutdown message for user %d: %v", userID, err)
			}
			if err := client.Conn.Close(); err != nil {
				log.Printf("failed to close websocket for user %d: %v", userID, err)
			}
		}
	}

	h.conversations = make(map[uint]map[uint]struct{})
	h.userActiveConvs = make(map[uint]map[uint]struct{})
	h.userConns = make(map[uint]map[*Client]bool)

	if h.presence != nil {
		h.presence.Stop()
	}
	return nil
}
