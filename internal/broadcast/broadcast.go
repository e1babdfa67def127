// Package broadcast delivers encoded events to connections picked from the
// registry. Sends never block: a connection whose queue is full or closed is
// skipped.
package broadcast

import (
	"log/slog"

	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/registry"
)

// Exclude reports whether an entry must be skipped by a fan-out.
type Exclude func(registry.Entry) bool

// Nobody excludes no connection.
func Nobody(registry.Entry) bool { return false }

// Sender excludes the originating connection.
func Sender(connID string) Exclude {
	return func(e registry.Entry) bool { return e.Conn.ID() == connID }
}

type Broadcaster struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		metrics:  m,
		logger:   logger.With(slog.String("component", "broadcast")),
	}
}

// ToSession sends the event to every connection bound to sessionID that
// exclude does not reject, and returns how many accepted it.
func (b *Broadcaster) ToSession(sessionID, kind string, payload any, exclude Exclude) int {
	if exclude == nil {
		exclude = Nobody
	}
	targets := b.registry.ForSession(sessionID)
	if len(targets) == 0 {
		return 0
	}
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		b.logger.Error("Failed to encode event", slog.String("type", kind), slog.Any("error", err))
		return 0
	}

	delivered := 0
	for _, e := range targets {
		if exclude(e) {
			continue
		}
		if b.deliver(e, data) {
			delivered++
		}
	}
	b.metrics.Delivered(kind, delivered)
	return delivered
}

// ToUser sends the event to every live connection of userID.
func (b *Broadcaster) ToUser(userID, kind string, payload any) int {
	targets := b.registry.ForUser(userID)
	if len(targets) == 0 {
		return 0
	}
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		b.logger.Error("Failed to encode event", slog.String("type", kind), slog.Any("error", err))
		return 0
	}

	delivered := 0
	for _, e := range targets {
		if b.deliver(e, data) {
			delivered++
		}
	}
	b.metrics.Delivered(kind, delivered)
	return delivered
}

// ToConn sends the event to a single connection.
func (b *Broadcaster) ToConn(connID, kind string, payload any) bool {
	e, ok := b.registry.Lookup(connID)
	if !ok {
		return false
	}
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		b.logger.Error("Failed to encode event", slog.String("type", kind), slog.Any("error", err))
		return false
	}
	if !b.deliver(e, data) {
		return false
	}
	b.metrics.Delivered(kind, 1)
	return true
}

func (b *Broadcaster) deliver(e registry.Entry, data []byte) bool {
	if e.Conn.Send(data) {
		return true
	}
	b.metrics.SendOverflow()
	b.logger.Debug("Skipped slow or closed connection", slog.String("connID", e.Conn.ID()))
	return false
}
