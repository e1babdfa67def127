// Package presence derives who is in a session from stored participant rows
// and the live connection registry.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/registry"
	"github.com/manpreetbhatti/pairpad/internal/store"
)

type Tracker struct {
	store    store.Store
	registry *registry.Registry
	locks    *PairLocks
	logger   *slog.Logger
}

func New(st store.Store, reg *registry.Registry, locks *PairLocks, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    st,
		registry: reg,
		locks:    locks,
		logger:   logger.With(slog.String("component", "presence")),
	}
}

// ActiveParticipants lists every participant of sessionID. IsActive is taken
// from the registry, and stored rows that disagree with it are corrected.
func (t *Tracker) ActiveParticipants(ctx context.Context, sessionID string) ([]domain.ParticipantView, error) {
	rows, err := t.store.GetParticipants(ctx, sessionID)
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}

	live := make(map[string]int)
	for _, e := range t.registry.ForSession(sessionID) {
		if e.Authenticated() {
			live[e.UserID]++
		}
	}

	names := make(map[string]string)
	views := make([]domain.ParticipantView, 0, len(rows)+len(live))
	seen := make(map[string]bool, len(rows))

	for _, p := range rows {
		seen[p.UserID] = true
		active := live[p.UserID] > 0
		if p.IsActive != active {
			t.reconcile(ctx, sessionID, p.UserID)
		}
		views = append(views, t.view(ctx, names, p.UserID, p.Cursor, active))
	}

	// Live connections whose row was never written (a failed join upsert).
	for userID := range live {
		if seen[userID] {
			continue
		}
		t.reconcile(ctx, sessionID, userID)
		views = append(views, t.view(ctx, names, userID, nil, true))
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].Username != views[j].Username {
			return views[i].Username < views[j].Username
		}
		return views[i].UserID < views[j].UserID
	})
	return views, nil
}

// Reconcile writes the stored active flag for the pair from the current live
// connection count. It is the eager path used on leave and disconnect.
func (t *Tracker) Reconcile(ctx context.Context, sessionID, userID string) error {
	unlock := t.locks.Lock(sessionID, userID)
	defer unlock()

	active := t.registry.CountFor(sessionID, userID) > 0
	return t.store.UpsertParticipant(ctx, &domain.Participant{
		SessionID: sessionID,
		UserID:    userID,
		IsActive:  active,
	})
}

func (t *Tracker) reconcile(ctx context.Context, sessionID, userID string) {
	if err := t.Reconcile(ctx, sessionID, userID); err != nil {
		t.logger.Warn("Failed to reconcile participant",
			slog.String("sessionID", sessionID),
			slog.String("userID", userID),
			slog.Any("error", err))
		return
	}
	t.logger.Debug("Reconciled participant", slog.String("sessionID", sessionID), slog.String("userID", userID))
}

func (t *Tracker) view(ctx context.Context, names map[string]string, userID string, cursor *domain.Cursor, active bool) domain.ParticipantView {
	name, ok := names[userID]
	if !ok {
		name = t.username(ctx, userID)
		names[userID] = name
	}
	return domain.ParticipantView{
		UserID:   userID,
		Username: name,
		Color:    Color(name),
		Cursor:   cursor,
		IsActive: active,
	}
}

// Username resolves a display name, falling back to a placeholder.
func (t *Tracker) Username(ctx context.Context, userID string) string {
	return t.username(ctx, userID)
}

func (t *Tracker) username(ctx context.Context, userID string) string {
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		t.logger.Debug("Username lookup failed", slog.String("userID", userID), slog.Any("error", err))
	}
	if err != nil || u == nil || u.Username == "" {
		return PlaceholderName(userID)
	}
	return u.Username
}
