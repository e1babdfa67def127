package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/pairpad/internal/coordinator"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func setup(t *testing.T) (*db.Database, *coordinator.Coordinator) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, coordinator.New(coordinator.Options{Store: database, Logger: discard})
}

func addMessages(t *testing.T, database *db.Database, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, database.CreateMessage(context.Background(), &domain.Message{
			ID:        fmt.Sprintf("%s-%d", sessionID, i),
			SessionID: sessionID,
			UserID:    "u1",
			Content:   fmt.Sprintf("message %d", i),
		}))
	}
}

func TestRunOncePrunesHistory(t *testing.T) {
	database, coord := setup(t)
	ctx := context.Background()
	require.NoError(t, database.CreateSession(ctx, &domain.Session{ID: "s1", OwnerID: "u1", IsPublic: true}))
	require.NoError(t, database.CreateSession(ctx, &domain.Session{ID: "s2", OwnerID: "u1", IsPublic: true}))
	addMessages(t, database, "s1", 6)
	addMessages(t, database, "s2", 2)

	svc := New(database, coord, Config{Interval: time.Hour, KeepMessages: 3}, discard)
	res := svc.RunOnce(ctx)

	assert.Equal(t, Result{Sessions: 2, Pruned: 3}, res)
	msgs, err := database.ListMessages(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "message 3", msgs[0].Content)

	msgs, err = database.ListMessages(ctx, "s2", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRunOnceHealsStalePresence(t *testing.T) {
	database, coord := setup(t)
	ctx := context.Background()
	require.NoError(t, database.CreateSession(ctx, &domain.Session{ID: "s1", OwnerID: "u1", IsPublic: true}))
	// Left behind by a process that died without running disconnect cleanup.
	require.NoError(t, database.UpsertParticipant(ctx, &domain.Participant{SessionID: "s1", UserID: "u2", IsActive: true}))

	New(database, coord, Config{Interval: time.Hour}, discard).RunOnce(ctx)

	p, err := database.GetParticipant(ctx, "s1", "u2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.IsActive)
}

type failingStore struct {
	Store
}

func (failingStore) PruneMessages(context.Context, string, int) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	database, _ := setup(t)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, database.CreateSession(ctx, &domain.Session{ID: id, OwnerID: "u1"}))
	}

	res := New(failingStore{database}, nil, Config{Interval: time.Hour, KeepMessages: 1}, discard).RunOnce(ctx)
	assert.Equal(t, Result{Sessions: 2, Failures: 2}, res)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	database, coord := setup(t)
	ctx := context.Background()
	require.NoError(t, database.CreateSession(ctx, &domain.Session{ID: "s1", OwnerID: "u1", IsPublic: true}))
	addMessages(t, database, "s1", 4)

	svc := New(database, coord, Config{Interval: time.Hour, KeepMessages: 1}, discard)
	svc.Start(ctx)
	assert.Eventually(t, func() bool {
		msgs, err := database.ListMessages(ctx, "s1", 10)
		return err == nil && len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	svc.Stop()
	svc.Stop()
}
