// Package notify hands user notifications to the delivery service. The
// coordinator treats it as fire-and-forget: errors are logged, never surfaced
// to clients.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const (
	KindCollaborationRequest = "collaboration_request"
	KindRequestDecided       = "collaboration_request_decided"
)

type Notifier interface {
	Notify(ctx context.Context, kind, targetUserID string, payload any) error
}

type Notification struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// LogNotifier only records notifications in the log. It is used when no
// Redis server is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notify"))}
}

func (n *LogNotifier) Notify(ctx context.Context, kind, targetUserID string, payload any) error {
	n.logger.InfoContext(ctx, "Notification",
		slog.String("kind", kind),
		slog.String("userID", targetUserID),
		slog.Any("payload", payload))
	return nil
}
