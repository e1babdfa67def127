// Package coordinator wires the registry, presence tracker, access arbiter and
// event router together. Transports call Open once per connection,
// HandleMessage once per inbound frame and HandleClose once the connection is
// gone.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/manpreetbhatti/pairpad/internal/access"
	"github.com/manpreetbhatti/pairpad/internal/auth"
	"github.com/manpreetbhatti/pairpad/internal/broadcast"
	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/notify"
	"github.com/manpreetbhatti/pairpad/internal/presence"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/registry"
	"github.com/manpreetbhatti/pairpad/internal/router"
	"github.com/manpreetbhatti/pairpad/internal/store"
)

var ErrDuplicateConnection = errors.New("connection already registered")

type Options struct {
	Store    store.Store
	Notifier notify.Notifier
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	HistoryLimit int
}

type Coordinator struct {
	registry *registry.Registry
	presence *presence.Tracker
	arbiter  *access.Arbiter
	router   *router.Router
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	reg := registry.New()
	locks := presence.NewPairLocks()
	out := broadcast.New(reg, opts.Metrics, logger)
	tracker := presence.New(opts.Store, reg, locks, logger)
	arbiter := access.New(opts.Store, out, notifier, opts.Metrics, logger)

	return &Coordinator{
		registry: reg,
		presence: tracker,
		arbiter:  arbiter,
		router: router.New(router.Deps{
			Store:        opts.Store,
			Registry:     reg,
			Arbiter:      arbiter,
			Presence:     tracker,
			Out:          out,
			Locks:        locks,
			Verifier:     opts.Verifier,
			Metrics:      opts.Metrics,
			Logger:       logger,
			HistoryLimit: opts.HistoryLimit,
		}),
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("component", "coordinator")),
	}
}

// Open registers a new unauthenticated connection.
func (c *Coordinator) Open(conn registry.Conn) error {
	if !c.registry.Register(conn) {
		return fmt.Errorf("%s: %w", conn.ID(), ErrDuplicateConnection)
	}
	c.metrics.ConnectionOpened()
	c.logger.Debug("Connection opened", slog.String("connID", conn.ID()))
	return nil
}

// HandleMessage decodes one inbound frame and dispatches it. Unknown and
// malformed frames are dropped. The returned error is informational: every
// client-facing outcome has already been sent.
func (c *Coordinator) HandleMessage(ctx context.Context, connID string, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.EventDropped("panic")
			c.logger.Error("Recovered from panic in event handler",
				slog.String("connID", connID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic handling event: %v", r)
		}
	}()

	kind, payload, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		c.metrics.EventDropped(reason)
		c.logger.Debug("Dropped inbound frame",
			slog.String("connID", connID),
			slog.String("type", kind),
			slog.Any("error", err))
		return err
	}
	c.metrics.EventReceived(kind)

	err = c.dispatch(ctx, connID, payload)
	c.observe(connID, kind, err)
	return err
}

func (c *Coordinator) dispatch(ctx context.Context, connID string, payload any) error {
	switch p := payload.(type) {
	case protocol.Authenticate:
		return c.router.Authenticate(ctx, connID, p.UserID, p.Token)
	case protocol.JoinSession:
		return c.router.JoinSession(ctx, connID, p.SessionID, p.Cursor)
	case protocol.LeaveSession:
		c.router.LeaveSession(ctx, connID)
		return nil
	case protocol.CursorUpdate:
		return c.router.UpdateCursor(ctx, connID, *p.Cursor)
	case protocol.CodeChange:
		return c.router.ApplyCodeChange(ctx, connID, p.FileID, *p.Content)
	case protocol.ChatMessage:
		return c.router.PostChatMessage(ctx, connID, p.Content)
	default:
		return protocol.ErrUnknownType
	}
}

func (c *Coordinator) observe(connID, kind string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedEvent):
		c.metrics.EventDropped("out_of_state")
		c.logger.Debug("Dropped out-of-state event",
			slog.String("connID", connID),
			slog.String("type", kind),
			slog.Any("error", err))
	case errors.Is(err, domain.ErrPersistence):
		c.logger.Warn("Event failed on storage",
			slog.String("connID", connID),
			slog.String("type", kind),
			slog.Any("error", err))
	default:
		c.logger.Debug("Event rejected",
			slog.String("connID", connID),
			slog.String("type", kind),
			slog.Any("error", err))
	}
}

// HandleClose runs disconnect cleanup. Repeated calls for the same connection
// are no-ops.
func (c *Coordinator) HandleClose(ctx context.Context, connID string) {
	if c.router.Disconnect(ctx, connID) {
		c.metrics.ConnectionClosed()
	}
}

// SubmitRequest files a collaboration request on behalf of userID.
func (c *Coordinator) SubmitRequest(ctx context.Context, userID, sessionID string) (*domain.CollaborationRequest, error) {
	return c.arbiter.SubmitRequest(ctx, userID, sessionID)
}

// Decide records the owner's decision on a pending request.
func (c *Coordinator) Decide(ctx context.Context, requestID, userID string, d access.Decision) (*domain.CollaborationRequest, error) {
	return c.arbiter.Decide(ctx, requestID, userID, d)
}

func (c *Coordinator) ListRequests(ctx context.Context, sessionID, userID string, status domain.RequestStatus) ([]domain.CollaborationRequest, error) {
	return c.arbiter.ListRequests(ctx, sessionID, userID, status)
}

func (c *Coordinator) ListUserRequests(ctx context.Context, userID string, status domain.RequestStatus) ([]domain.CollaborationRequest, error) {
	return c.arbiter.ListUserRequests(ctx, userID, status)
}

// CheckAccess reports whether userID may see the session's live state.
func (c *Coordinator) CheckAccess(ctx context.Context, userID string, s *domain.Session) (access.Verdict, error) {
	return c.arbiter.CheckAccess(ctx, userID, s)
}

// Participants returns the presence snapshot for a session.
func (c *Coordinator) Participants(ctx context.Context, sessionID string) ([]domain.ParticipantView, error) {
	return c.presence.ActiveParticipants(ctx, sessionID)
}

type Stats struct {
	Connections    int            `json:"connections"`
	ActiveSessions map[string]int `json:"activeSessions"`
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Connections:    c.registry.ConnectionCount(),
		ActiveSessions: c.registry.ActiveSessions(),
	}
}
