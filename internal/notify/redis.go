package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultInboxSize = 100

// RedisNotifier keeps a bounded inbox list per user and publishes each
// notification on a per-user channel for any live delivery worker.
type RedisNotifier struct {
	client    *redis.Client
	prefix    string
	inboxSize int64
}

func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "pairpad"
	}
	return &RedisNotifier{client: client, prefix: prefix, inboxSize: defaultInboxSize}
}

func (n *RedisNotifier) inboxKey(userID string) string {
	return fmt.Sprintf("%s:notifications:inbox:%s", n.prefix, userID)
}

// Channel is the pub/sub channel notifications for userID are published on.
func (n *RedisNotifier) Channel(userID string) string {
	return fmt.Sprintf("%s:notifications:user:%s", n.prefix, userID)
}

func (n *RedisNotifier) Notify(ctx context.Context, kind, targetUserID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	data, err := json.Marshal(Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    targetUserID,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	key := n.inboxKey(targetUserID)
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, n.inboxSize-1)
	pipe.Publish(ctx, n.Channel(targetUserID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	return nil
}

// Inbox returns up to limit notifications for userID, newest first.
func (n *RedisNotifier) Inbox(ctx context.Context, userID string, limit int64) ([]Notification, error) {
	if limit <= 0 || limit > n.inboxSize {
		limit = n.inboxSize
	}
	items, err := n.client.LRange(ctx, n.inboxKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	out := make([]Notification, 0, len(items))
	for _, item := range items {
		var note Notification
		if err := json.Unmarshal([]byte(item), &note); err != nil {
			continue
		}
		out = append(out, note)
	}
	return out, nil
}
