// Package access decides who may join a session and runs the collaboration
// request workflow for private sessions.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/pairpad/internal/broadcast"
	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/notify"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/store"
)

type Verdict int

const (
	Allow Verdict = iota
	RequireAuth
	RequireRequest
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case RequireAuth:
		return protocol.ReasonRequiresAuth
	case RequireRequest:
		return protocol.ReasonRequiresRequest
	default:
		return "unknown"
	}
}

type Decision int

const (
	Accept Decision = iota
	Reject
)

func (d Decision) Status() domain.RequestStatus {
	if d == Accept {
		return domain.StatusAccepted
	}
	return domain.StatusRejected
}

// ParseDecision accepts "accept"/"accepted" and "reject"/"rejected".
func ParseDecision(v string) (Decision, error) {
	switch v {
	case "accept", "accepted":
		return Accept, nil
	case "reject", "rejected":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown decision %q", v)
}

type Arbiter struct {
	store    store.Store
	out      *broadcast.Broadcaster
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(st store.Store, out *broadcast.Broadcaster, n notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Arbiter {
	return &Arbiter{
		store:    st,
		out:      out,
		notifier: n,
		metrics:  m,
		logger:   logger.With(slog.String("component", "access")),
	}
}

// CheckAccess applies, in order: public session, owner, active participant,
// accepted request, authentication, and finally requires a request.
func (a *Arbiter) CheckAccess(ctx context.Context, userID string, s *domain.Session) (Verdict, error) {
	if s.IsPublic {
		return Allow, nil
	}
	if userID == domain.Unbound {
		return RequireAuth, nil
	}
	if userID == s.OwnerID {
		return Allow, nil
	}

	p, err := a.store.GetParticipant(ctx, s.ID, userID)
	if err != nil {
		return RequireRequest, errors.Join(domain.ErrPersistence, err)
	}
	if p != nil && p.IsActive {
		return Allow, nil
	}

	accepted, err := a.store.GetCollaborationRequests(ctx, store.RequestFilter{
		SessionID: s.ID,
		UserID:    userID,
		Status:    domain.StatusAccepted,
	})
	if err != nil {
		return RequireRequest, errors.Join(domain.ErrPersistence, err)
	}
	if len(accepted) > 0 {
		return Allow, nil
	}
	return RequireRequest, nil
}

// SubmitRequest files a pending request for userID to join a private session
// and tells the owner about it.
func (a *Arbiter) SubmitRequest(ctx context.Context, userID, sessionID string) (*domain.CollaborationRequest, error) {
	if userID == domain.Unbound {
		return nil, domain.ErrAuthenticationRequired
	}
	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if s.IsPublic || s.OwnerID == userID {
		return nil, domain.ErrNotApplicable
	}

	existing, err := a.store.GetCollaborationRequests(ctx, store.RequestFilter{SessionID: sessionID, UserID: userID})
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	for _, r := range existing {
		switch r.Status {
		case domain.StatusPending:
			return nil, domain.ErrAlreadyPending
		case domain.StatusAccepted:
			return nil, domain.ErrNotApplicable
		case domain.StatusRejected:
			// A rejection is final for the pair.
			return nil, domain.ErrAlreadyDecided
		}
	}

	req := &domain.CollaborationRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Status:    domain.StatusPending,
	}
	if err := a.store.CreateCollaborationRequest(ctx, req); err != nil {
		if errors.Is(err, domain.ErrAlreadyPending) {
			return nil, err
		}
		a.metrics.StorageError("create_collaboration_request")
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	a.metrics.RequestTransition(string(domain.StatusPending))

	a.logger.Info("Collaboration request submitted",
		slog.String("requestID", req.ID),
		slog.String("sessionID", sessionID),
		slog.String("userID", userID))

	a.notify(ctx, notify.KindCollaborationRequest, s.OwnerID, req)
	a.out.ToUser(s.OwnerID, protocol.TypeNewRequest, protocol.NewRequest{Request: *req})
	return req, nil
}

// Decide accepts or rejects a pending request. Only the session owner may
// decide, and a decided request can never be decided again.
func (a *Arbiter) Decide(ctx context.Context, requestID, decidingUserID string, d Decision) (*domain.CollaborationRequest, error) {
	req, err := a.store.GetCollaborationRequest(ctx, requestID)
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
	}
	s, err := a.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, domain.ErrNotFound)
	}
	if decidingUserID == domain.Unbound || decidingUserID != s.OwnerID {
		return nil, domain.ErrForbidden
	}
	if req.Status.Terminal() {
		return nil, domain.ErrAlreadyDecided
	}

	updated, err := a.store.UpdateCollaborationRequest(ctx, requestID, d.Status())
	switch {
	case errors.Is(err, domain.ErrAlreadyDecided), errors.Is(err, domain.ErrNotFound):
		return nil, err
	case err != nil:
		a.metrics.StorageError("update_collaboration_request")
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	a.metrics.RequestTransition(string(updated.Status))

	if d == Accept {
		if err := a.ensureParticipant(ctx, updated.SessionID, updated.UserID); err != nil {
			// The accepted request alone already grants access.
			a.logger.Warn("Failed to create participant for accepted request",
				slog.String("requestID", requestID),
				slog.Any("error", err))
		}
	}

	a.logger.Info("Collaboration request decided",
		slog.String("requestID", requestID),
		slog.String("sessionID", updated.SessionID),
		slog.String("status", string(updated.Status)))

	decided := protocol.RequestDecided{
		RequestID: updated.ID,
		SessionID: updated.SessionID,
		Status:    updated.Status,
	}
	a.notify(ctx, notify.KindRequestDecided, updated.UserID, decided)
	a.out.ToUser(updated.UserID, protocol.TypeRequestDecided, decided)
	return updated, nil
}

// ListRequests returns the requests for a session. Only the owner may list them.
func (a *Arbiter) ListRequests(ctx context.Context, sessionID, userID string, status domain.RequestStatus) ([]domain.CollaborationRequest, error) {
	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if userID != s.OwnerID {
		return nil, domain.ErrForbidden
	}
	reqs, err := a.store.GetCollaborationRequests(ctx, store.RequestFilter{SessionID: sessionID, Status: status})
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	return reqs, nil
}

// ListUserRequests returns the requests userID has filed.
func (a *Arbiter) ListUserRequests(ctx context.Context, userID string, status domain.RequestStatus) ([]domain.CollaborationRequest, error) {
	reqs, err := a.store.GetCollaborationRequests(ctx, store.RequestFilter{UserID: userID, Status: status})
	if err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	return reqs, nil
}

// ensureParticipant creates an inactive row for the pair unless one exists.
func (a *Arbiter) ensureParticipant(ctx context.Context, sessionID, userID string) error {
	p, err := a.store.GetParticipant(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if p != nil {
		return nil
	}
	return a.store.UpsertParticipant(ctx, &domain.Participant{SessionID: sessionID, UserID: userID})
}

func (a *Arbiter) notify(ctx context.Context, kind, userID string, payload any) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, kind, userID, payload); err != nil {
		a.logger.Warn("Notification failed",
			slog.String("kind", kind),
			slog.String("userID", userID),
			slog.Any("error", err))
	}
}
