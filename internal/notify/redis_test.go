package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisNotifierInbox(t *testing.T) {
	client, _ := setupTestRedis(t)
	n := NewRedisNotifier(client, "test")
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, KindCollaborationRequest, "owner", map[string]string{"requestId": "r1"}))
	require.NoError(t, n.Notify(ctx, KindRequestDecided, "owner", map[string]string{"requestId": "r2"}))

	inbox, err := n.Inbox(ctx, "owner", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, KindRequestDecided, inbox[0].Kind, "newest first")
	assert.Equal(t, "owner", inbox[1].UserID)
	assert.NotEmpty(t, inbox[1].ID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(inbox[1].Payload, &payload))
	assert.Equal(t, "r1", payload["requestId"])

	empty, err := n.Inbox(ctx, "someone-else", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisNotifierInboxIsBounded(t *testing.T) {
	client, _ := setupTestRedis(t)
	n := NewRedisNotifier(client, "")
	n.inboxSize = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(ctx, KindCollaborationRequest, "u", i))
	}

	n2, err := client.LLen(ctx, n.inboxKey("u")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n2)
}

func TestRedisNotifierPublishes(t *testing.T) {
	client, _ := setupTestRedis(t)
	n := NewRedisNotifier(client, "test")
	ctx := context.Background()

	sub := client.Subscribe(ctx, n.Channel("v"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, KindRequestDecided, "v", map[string]string{"status": "accepted"}))

	select {
	case msg := <-sub.Channel():
		var note Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &note))
		assert.Equal(t, KindRequestDecided, note.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published notification")
	}
}

func TestRedisNotifierUnavailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	n := NewRedisNotifier(client, "test")
	mr.Close()

	err := n.Notify(context.Background(), KindCollaborationRequest, "owner", nil)
	assert.Error(t, err)
}
