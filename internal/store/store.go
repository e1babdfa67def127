// Package store defines the persistence contract the coordinator consumes.
//
// Lookups of a single record return (nil, nil) when the record does not exist;
// any non-nil error is a storage failure.
package store

import (
	"context"

	"github.com/manpreetbhatti/pairpad/internal/domain"
)

// RequestFilter selects collaboration requests. Empty fields match everything.
type RequestFilter struct {
	SessionID string
	UserID    string
	Status    domain.RequestStatus
}

type Store interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error

	GetSession(ctx context.Context, id string) (*domain.Session, error)
	CreateSession(ctx context.Context, session *domain.Session) error
	ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error)

	GetFile(ctx context.Context, id string) (*domain.File, error)
	CreateFile(ctx context.Context, file *domain.File) error
	UpdateFile(ctx context.Context, id, content string) error
	ListFiles(ctx context.Context, sessionID string) ([]domain.File, error)

	CreateMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	GetParticipant(ctx context.Context, sessionID, userID string) (*domain.Participant, error)
	GetParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// UpsertParticipant creates or updates the (session, user) row. A nil
	// cursor leaves the stored cursor untouched.
	UpsertParticipant(ctx context.Context, p *domain.Participant) error

	GetCollaborationRequest(ctx context.Context, id string) (*domain.CollaborationRequest, error)
	GetCollaborationRequests(ctx context.Context, filter RequestFilter) ([]domain.CollaborationRequest, error)
	// CreateCollaborationRequest returns domain.ErrAlreadyPending when a pending
	// request already exists for the pair.
	CreateCollaborationRequest(ctx context.Context, req *domain.CollaborationRequest) error
	// UpdateCollaborationRequest moves a pending request to status. It returns
	// domain.ErrNotFound for unknown ids and domain.ErrAlreadyDecided when the
	// request is no longer pending.
	UpdateCollaborationRequest(ctx context.Context, id string, status domain.RequestStatus) (*domain.CollaborationRequest, error)
}
