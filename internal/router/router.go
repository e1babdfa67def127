// Package router applies client events to session state and fans the results
// out to the right connections.
//
// Each connection moves through Unauthenticated, Authenticated and Joined.
// Events that do not fit the connection's current state are dropped without
// persistence or broadcast. A connection's events are handled one at a time by
// its caller, so for any file a storage write always completes before its
// broadcast and before the same connection's next write.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/pairpad/internal/access"
	"github.com/manpreetbhatti/pairpad/internal/auth"
	"github.com/manpreetbhatti/pairpad/internal/broadcast"
	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/presence"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/registry"
	"github.com/manpreetbhatti/pairpad/internal/store"
)

const DefaultHistoryLimit = 50

var (
	ErrUnknownConnection = errors.New("unknown connection")
	errNotJoined         = fmt.Errorf("%w: not joined to a session", domain.ErrMalformedEvent)
	errUnknownFile       = fmt.Errorf("%w: file is not part of the session", domain.ErrMalformedEvent)
)

type Deps struct {
	Store    store.Store
	Registry *registry.Registry
	Arbiter  *access.Arbiter
	Presence *presence.Tracker
	Out      *broadcast.Broadcaster
	Locks    *presence.PairLocks
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// HistoryLimit bounds the chat history sent in session_state.
	HistoryLimit int
}

type Router struct {
	store        store.Store
	registry     *registry.Registry
	arbiter      *access.Arbiter
	presence     *presence.Tracker
	out          *broadcast.Broadcaster
	locks        *presence.PairLocks
	verifier     auth.Verifier
	metrics      *metrics.Metrics
	logger       *slog.Logger
	historyLimit int
}

func New(d Deps) *Router {
	r := &Router{
		store:        d.Store,
		registry:     d.Registry,
		arbiter:      d.Arbiter,
		presence:     d.Presence,
		out:          d.Out,
		locks:        d.Locks,
		verifier:     d.Verifier,
		metrics:      d.Metrics,
		logger:       d.Logger.With(slog.String("component", "router")),
		historyLimit: d.HistoryLimit,
	}
	if r.verifier == nil {
		r.verifier = auth.TrustClaims{}
	}
	if r.locks == nil {
		r.locks = presence.NewPairLocks()
	}
	if r.historyLimit <= 0 {
		r.historyLimit = DefaultHistoryLimit
	}
	return r
}

// Authenticate binds an identity to the connection. A joined connection
// leaves its session under the old identity and rejoins it under the new one,
// so access is checked again and presence follows the switch.
func (r *Router) Authenticate(ctx context.Context, connID, userID, token string) error {
	e, ok := r.registry.Lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if e.UserID == userID {
		return nil
	}
	if err := r.verifier.Verify(userID, token); err != nil {
		r.sendError(connID, "authentication failed")
		return errors.Join(domain.ErrAuthenticationRequired, err)
	}

	if e.Joined() {
		r.LeaveSession(ctx, connID)
	}
	if _, ok := r.registry.Bind(connID, userID); !ok {
		return ErrUnknownConnection
	}
	r.logger.Debug("Connection authenticated", slog.String("connID", connID), slog.String("userID", userID))

	if e.Joined() {
		// A denial or storage failure has already been sent to the connection.
		if err := r.JoinSession(ctx, connID, e.SessionID, nil); err != nil {
			r.logger.Info("Rejoin after authentication failed",
				slog.String("connID", connID),
				slog.String("sessionID", e.SessionID),
				slog.String("userID", userID),
				slog.Any("error", err))
		}
	}
	return nil
}

// JoinSession admits the connection to sessionID when the arbiter allows it.
// Denials go to the connection alone.
func (r *Router) JoinSession(ctx context.Context, connID, sessionID string, cursor *domain.Cursor) error {
	e, ok := r.registry.Lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}

	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		r.metrics.StorageError("get_session")
		r.sendError(connID, "failed to load session")
		return errors.Join(domain.ErrPersistence, err)
	}
	if s == nil {
		r.deny(connID, sessionID, protocol.ReasonNotFound)
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	verdict, err := r.arbiter.CheckAccess(ctx, e.UserID, s)
	if err != nil {
		r.metrics.StorageError("check_access")
		r.sendError(connID, "failed to check access")
		return err
	}
	switch verdict {
	case access.RequireAuth:
		r.deny(connID, sessionID, verdict.String())
		return domain.ErrAuthenticationRequired
	case access.RequireRequest:
		r.deny(connID, sessionID, verdict.String())
		return domain.ErrAccessDenied
	}

	if e.Joined() && e.SessionID != sessionID {
		r.LeaveSession(ctx, connID)
	}
	if _, ok := r.registry.BindSession(connID, sessionID); !ok {
		return ErrUnknownConnection
	}

	if e.Authenticated() {
		unlock := r.locks.Lock(sessionID, e.UserID)
		err := r.store.UpsertParticipant(ctx, &domain.Participant{
			SessionID: sessionID,
			UserID:    e.UserID,
			Cursor:    cursor,
			IsActive:  true,
		})
		unlock()
		if err != nil {
			// Presence still reports the live connection and heals the row on read.
			r.metrics.StorageError("upsert_participant")
			r.logger.Warn("Failed to mark participant active",
				slog.String("sessionID", sessionID),
				slog.String("userID", e.UserID),
				slog.Any("error", err))
		}
	}

	r.logger.Info("Connection joined session",
		slog.String("connID", connID),
		slog.String("sessionID", sessionID),
		slog.String("userID", e.UserID))

	r.sendSessionState(ctx, connID, s)
	r.broadcastPresence(ctx, sessionID)
	return nil
}

// LeaveSession clears the connection's session binding. It is a no-op for a
// connection that is not joined.
func (r *Router) LeaveSession(ctx context.Context, connID string) {
	e, ok := r.registry.Lookup(connID)
	if !ok || !e.Joined() {
		return
	}
	r.registry.BindSession(connID, domain.Unbound)
	r.afterLeave(ctx, e)
}

// UpdateCursor stores the sender's cursor and shows it to the other
// connections in the session.
func (r *Router) UpdateCursor(ctx context.Context, connID string, cursor domain.Cursor) error {
	e, err := r.joined(connID)
	if err != nil {
		return err
	}

	unlock := r.locks.Lock(e.SessionID, e.UserID)
	err = r.store.UpsertParticipant(ctx, &domain.Participant{
		SessionID: e.SessionID,
		UserID:    e.UserID,
		Cursor:    &cursor,
		IsActive:  true,
	})
	unlock()
	if err != nil {
		// Cursors are ephemeral; peers still get the move.
		r.metrics.StorageError("upsert_participant")
		r.logger.Warn("Failed to persist cursor",
			slog.String("sessionID", e.SessionID),
			slog.String("userID", e.UserID),
			slog.Any("error", err))
	}

	r.out.ToSession(e.SessionID, protocol.TypeCursorUpdate, protocol.CursorBroadcast{
		UserID: e.UserID,
		Cursor: &cursor,
	}, broadcast.Sender(connID))
	return nil
}

// ApplyCodeChange overwrites the file with content and sends the new content
// to the other connections in the session. Concurrent writers resolve by last
// write wins.
func (r *Router) ApplyCodeChange(ctx context.Context, connID, fileID, content string) error {
	e, err := r.joined(connID)
	if err != nil {
		return err
	}

	f, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		r.metrics.StorageError("get_file")
		r.sendError(connID, "failed to save changes")
		return errors.Join(domain.ErrPersistence, err)
	}
	if f == nil || f.SessionID != e.SessionID {
		return errUnknownFile
	}

	if err := r.store.UpdateFile(ctx, fileID, content); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return errUnknownFile
		}
		r.metrics.StorageError("update_file")
		r.sendError(connID, "failed to save changes")
		return errors.Join(domain.ErrPersistence, err)
	}

	r.out.ToSession(e.SessionID, protocol.TypeCodeChange, protocol.CodeChangeBroadcast{
		FileID:  fileID,
		Content: content,
		UserID:  e.UserID,
	}, broadcast.Sender(connID))
	return nil
}

// PostChatMessage stores a chat message and echoes it to the whole session,
// sender included.
func (r *Router) PostChatMessage(ctx context.Context, connID, content string) error {
	e, err := r.joined(connID)
	if err != nil {
		return err
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		SessionID: e.SessionID,
		UserID:    e.UserID,
		Username:  r.presence.Username(ctx, e.UserID),
		Content:   content,
	}
	if err := r.store.CreateMessage(ctx, &msg); err != nil {
		r.metrics.StorageError("create_message")
		r.sendError(connID, "failed to send message")
		return errors.Join(domain.ErrPersistence, err)
	}

	r.out.ToSession(e.SessionID, protocol.TypeChatMessage, protocol.ChatBroadcast{Message: msg}, broadcast.Nobody)
	return nil
}

// Disconnect removes the connection and, if it was joined, leaves its
// session. Only the first call for a connection has any effect, and only that
// call reports true.
func (r *Router) Disconnect(ctx context.Context, connID string) bool {
	e, ok := r.registry.Unregister(connID)
	if !ok {
		return false
	}
	if e.Joined() {
		r.afterLeave(ctx, e)
	}
	r.logger.Debug("Connection disconnected", slog.String("connID", connID))
	return true
}

// afterLeave runs once e's session binding is gone.
func (r *Router) afterLeave(ctx context.Context, e registry.Entry) {
	if !e.Authenticated() {
		return
	}
	if err := r.presence.Reconcile(ctx, e.SessionID, e.UserID); err != nil {
		r.metrics.StorageError("upsert_participant")
		r.logger.Warn("Failed to mark participant inactive",
			slog.String("sessionID", e.SessionID),
			slog.String("userID", e.UserID),
			slog.Any("error", err))
	}
	r.logger.Info("Connection left session",
		slog.String("connID", e.Conn.ID()),
		slog.String("sessionID", e.SessionID),
		slog.String("userID", e.UserID))
	r.broadcastPresence(ctx, e.SessionID)
}

// joined returns the connection's entry if it may change session state.
func (r *Router) joined(connID string) (registry.Entry, error) {
	e, ok := r.registry.Lookup(connID)
	if !ok {
		return e, ErrUnknownConnection
	}
	if !e.Joined() {
		return e, errNotJoined
	}
	if !e.Authenticated() {
		return e, fmt.Errorf("%w: %w", domain.ErrMalformedEvent, domain.ErrAuthenticationRequired)
	}
	return e, nil
}

func (r *Router) broadcastPresence(ctx context.Context, sessionID string) {
	views, err := r.presence.ActiveParticipants(ctx, sessionID)
	if err != nil {
		r.metrics.StorageError("get_participants")
		r.logger.Warn("Failed to compute presence", slog.String("sessionID", sessionID), slog.Any("error", err))
		return
	}
	r.out.ToSession(sessionID, protocol.TypeParticipantsUpdate, protocol.ParticipantsUpdate{
		SessionID:    sessionID,
		Participants: views,
	}, broadcast.Nobody)
}

func (r *Router) sendSessionState(ctx context.Context, connID string, s *domain.Session) {
	files, err := r.store.ListFiles(ctx, s.ID)
	if err != nil {
		r.metrics.StorageError("list_files")
		r.logger.Warn("Failed to load files", slog.String("sessionID", s.ID), slog.Any("error", err))
		return
	}
	messages, err := r.store.ListMessages(ctx, s.ID, r.historyLimit)
	if err != nil {
		r.metrics.StorageError("list_messages")
		r.logger.Warn("Failed to load chat history", slog.String("sessionID", s.ID), slog.Any("error", err))
		return
	}
	if files == nil {
		files = []domain.File{}
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	r.out.ToConn(connID, protocol.TypeSessionState, protocol.SessionState{
		Session:  *s,
		Files:    files,
		Messages: messages,
	})
}

func (r *Router) deny(connID, sessionID, reason string) {
	r.out.ToConn(connID, protocol.TypeAccessDenied, protocol.AccessDenied{SessionID: sessionID, Reason: reason})
}

func (r *Router) sendError(connID, message string) {
	r.out.ToConn(connID, protocol.TypeError, protocol.Error{Message: message})
}
