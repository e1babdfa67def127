package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/pairpad/internal/conntest"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/registry"
	"github.com/manpreetbhatti/pairpad/internal/store"
)

type brokenUsers struct {
	store.Store
}

func (brokenUsers) GetUser(context.Context, string) (*domain.User, error) {
	return nil, errors.New("user service down")
}

func setup(t *testing.T) (*db.Database, *registry.Registry) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	require.NoError(t, database.CreateSession(ctx, &domain.Session{ID: "s1", OwnerID: "owner", IsPublic: true}))
	require.NoError(t, database.CreateUser(ctx, &domain.User{ID: "u1", Username: "ada"}))
	require.NoError(t, database.CreateUser(ctx, &domain.User{ID: "u2", Username: "bob"}))
	return database, registry.New()
}

func newTracker(st store.Store, reg *registry.Registry) *Tracker {
	return New(st, reg, NewPairLocks(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func bindLive(reg *registry.Registry, connID, userID, sessionID string) {
	reg.Register(conntest.New(connID))
	reg.Bind(connID, userID)
	reg.BindSession(connID, sessionID)
}

func TestActiveFlagFollowsLiveConnections(t *testing.T) {
	database, reg := setup(t)
	ctx := context.Background()
	tracker := newTracker(database, reg)

	require.NoError(t, database.UpsertParticipant(ctx, &domain.Participant{SessionID: "s1", UserID: "u1", IsActive: true}))
	require.NoError(t, database.UpsertParticipant(ctx, &domain.Participant{SessionID: "s1", UserID: "u2", IsActive: true}))
	bindLive(reg, "c1", "u1", "s1")

	views, err := tracker.ActiveParticipants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "ada", views[0].Username)
	assert.True(t, views[0].IsActive)
	assert.Equal(t, "bob", views[1].Username)
	assert.False(t, views[1].IsActive, "u2 has no live connection")

	// The stale row was healed on read.
	p, err := database.GetParticipant(ctx, "s1", "u2")
	require.NoError(t, err)
	assert.False(t, p.IsActive)
}

func TestLiveUserWithoutRowIsReported(t *testing.T) {
	database, reg := setup(t)
	ctx := context.Background()
	tracker := newTracker(database, reg)

	bindLive(reg, "c1", "u2", "s1")

	views, err := tracker.ActiveParticipants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "u2", views[0].UserID)
	assert.True(t, views[0].IsActive)

	p, err := database.GetParticipant(ctx, "s1", "u2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.IsActive)
}

func TestUsernameFailureFallsBackToPlaceholder(t *testing.T) {
	database, reg := setup(t)
	ctx := context.Background()
	tracker := newTracker(brokenUsers{database}, reg)

	require.NoError(t, database.UpsertParticipant(ctx, &domain.Participant{SessionID: "s1", UserID: "0123456789abcdef"}))

	views, err := tracker.ActiveParticipants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "user-01234567", views[0].Username)
	assert.Equal(t, Color("user-01234567"), views[0].Color)
}

func TestReconcileHonoursOtherTabs(t *testing.T) {
	database, reg := setup(t)
	ctx := context.Background()
	tracker := newTracker(database, reg)

	bindLive(reg, "tab1", "u1", "s1")
	bindLive(reg, "tab2", "u1", "s1")
	require.NoError(t, tracker.Reconcile(ctx, "s1", "u1"))

	reg.Unregister("tab1")
	require.NoError(t, tracker.Reconcile(ctx, "s1", "u1"))
	p, err := database.GetParticipant(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.True(t, p.IsActive, "second tab still live")

	reg.Unregister("tab2")
	require.NoError(t, tracker.Reconcile(ctx, "s1", "u1"))
	p, err = database.GetParticipant(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, p.IsActive)
}

func TestColorIsDeterministic(t *testing.T) {
	assert.Equal(t, Color("ada"), Color("ada"))
	assert.Contains(t, palette, Color("anyone"))
	assert.Equal(t, "user-short", PlaceholderName("short"))
}

func TestPairLocksRelease(t *testing.T) {
	locks := NewPairLocks()
	unlock := locks.Lock("s", "u")
	unlock()
	unlock = locks.Lock("s", "u")
	unlock()
	assert.Empty(t, locks.locks)
}
