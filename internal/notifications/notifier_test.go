package notifications

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestNotifier_NilClientIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	ctx := context.Background()
	assert.NoError(t, n.PublishUser(ctx, 1, "payload"))
	assert.NoError(t, n.PublishChatMessage(ctx, 1, "payload"))
	assert.NoError(t, n.PublishTypingIndicator(ctx, 1, 2, "alice", true))
	assert.NoError(t, n.PublishPresence(ctx, 1, "online"))
	assert.NoError(t, n.StartChatSubscriber(ctx, nil))
}

func TestChannelNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "notifications:user:1", UserChannel(1))
	assert.Equal(t, "notifications:user:100", UserChannel(100))
	assert.Equal(t, "chat:conv:5", ConversationChannel(5))
}

func TestNotifier_ChatSubscriberReceivesEvents(t *testing.T) {
	n := NewNotifier(newTestRedis(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type event struct {
		channel string
		payload string
	}
	events := make(chan event, 8)
	require.NoError(t, n.StartChatSubscriber(ctx, func(channel, payload string) {
		events <- event{channel, payload}
	}))

	require.NoError(t, n.PublishChatMessage(context.Background(), 12, `{"type":"message:new"}`))
	require.NoError(t, n.PublishTypingIndicator(context.Background(), 12, 3, "alice", true))
	require.NoError(t, n.PublishPresence(context.Background(), 3, "online"))

	got := map[string]string{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-events:
			got[e.channel] = e.payload
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	assert.Contains(t, got, "chat:conv:12")
	assert.Contains(t, got, "typing:conv:12")
	assert.Contains(t, got, "presence:global")

	var typing ChatMessage
	require.NoError(t, json.Unmarshal([]byte(got["typing:conv:12"]), &typing))
	assert.Equal(t, "typing", typing.Type)
	assert.Equal(t, uint(3), typing.UserID)
}

func TestNotifier_SubscriberStopsOnCancel(t *testing.T) {
	n := NewNotifier(newTestRedis(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	require.NoError(t, n.StartChatSubscriber(ctx, func(string, string) {
		atomic.AddInt32(&received, 1)
	}))

	require.NoError(t, n.PublishChatMessage(context.Background(), 1, "before-cancel"))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	before := atomic.LoadInt32(&received)

	require.NoError(t, n.PublishChatMessage(context.Background(), 1, "after-cancel"))
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&received) > before
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestChatHub_StartWiring(t *testing.T) {
	rdb := newTestRedis(t)
	n := NewNotifier(rdb)

	presence := NewConnectionManager(rdb, ConnectionManagerConfig{
		OfflineGracePeriod: 20 * time.Millisecond,
	})
	hub := NewChatHub(presence)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.StartWiring(ctx, n))

	client := newTestClient(1)
	require.NoError(t, hub.RegisterClient(ctx, client))
	hub.JoinConversation(1, 55)

	payload, err := json.Marshal(ChatMessage{Type: "message:new", Payload: map[string]interface{}{"text": "hi"}})
	require.NoError(t, err)
	require.NoError(t, n.PublishChatMessage(ctx, 55, string(payload)))

	assert.Eventually(t, func() bool {
		select {
		case raw := <-client.Send:
			var msg ChatMessage
			if json.Unmarshal(raw, &msg) != nil {
				return false
			}
			return msg.Type == "message:new" && msg.ConversationID == 55
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
