// Package compaction runs the periodic maintenance pass over every session:
// chat history is trimmed to a fixed tail and presence rows left active by a
// previous process are corrected against the live registry.
package compaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/domain"
)

const pageSize = 100

type Config struct {
	Interval time.Duration
	// KeepMessages is the number of newest chat messages retained per session.
	KeepMessages int
}

func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		KeepMessages: 500,
	}
}

type Store interface {
	ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error)
	PruneMessages(ctx context.Context, sessionID string, keep int) (int64, error)
}

// PresenceReader reads a session's presence snapshot. Reading corrects rows
// that claim activity without a live connection.
type PresenceReader interface {
	Participants(ctx context.Context, sessionID string) ([]domain.ParticipantView, error)
}

// Result summarises one pass.
type Result struct {
	Sessions int
	Pruned   int64
	Failures int
}

type Service struct {
	store    Store
	presence PresenceReader
	config   Config
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st Store, presence PresenceReader, config Config, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		presence: presence,
		config:   config,
		logger:   logger.With(slog.String("component", "compaction")),
	}
}

// Start runs one pass immediately and then one per interval until Stop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("Compaction service started",
		slog.Duration("interval", s.config.Interval),
		slog.Int("keepMessages", s.config.KeepMessages))
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Compaction service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every session once. Failures on one session are logged and
// do not stop the pass.
func (s *Service) RunOnce(ctx context.Context) Result {
	var res Result
	for offset := 0; ; offset += pageSize {
		sessions, err := s.store.ListSessions(ctx, pageSize, offset)
		if err != nil {
			s.logger.Error("Failed to list sessions", slog.Any("error", err))
			res.Failures++
			return res
		}
		for _, sess := range sessions {
			if ctx.Err() != nil {
				return res
			}
			res.Sessions++
			if !s.compactSession(ctx, sess.ID, &res) {
				res.Failures++
			}
		}
		if len(sessions) < pageSize {
			break
		}
	}

	if res.Pruned > 0 || res.Failures > 0 {
		s.logger.Info("Compaction pass finished",
			slog.Int("sessions", res.Sessions),
			slog.Int64("pruned", res.Pruned),
			slog.Int("failures", res.Failures))
	}
	return res
}

func (s *Service) compactSession(ctx context.Context, sessionID string, res *Result) bool {
	ok := true
	if s.config.KeepMessages > 0 {
		n, err := s.store.PruneMessages(ctx, sessionID, s.config.KeepMessages)
		if err != nil {
			s.logger.Warn("Failed to prune chat history",
				slog.String("sessionID", sessionID),
				slog.Any("error", err))
			ok = false
		}
		res.Pruned += n
	}
	if s.presence != nil {
		if _, err := s.presence.Participants(ctx, sessionID); err != nil {
			s.logger.Warn("Failed to reconcile presence",
				slog.String("sessionID", sessionID),
				slog.Any("error", err))
			ok = false
		}
	}
	return ok
}
