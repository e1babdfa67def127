package domain

import (
	"fmt"
	"time"
)

// Unbound marks a connection binding (user or session) that has not been set yet.
const Unbound = ""

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s RequestStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

func ParseRequestStatus(v string) (RequestStatus, error) {
	s := RequestStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown request status %q", v)
	}
	return s, nil
}

type Cursor struct {
	Line   int    `json:"line"`
	Column int    `json:"column"`
	FileID string `json:"fileId"`
}

func (c *Cursor) Valid() bool {
	return c != nil && c.Line >= 0 && c.Column >= 0
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Language  string    `json:"language"`
	IsPublic  bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participant is the durable (session, user) presence row.
type Participant struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	IsActive  bool      `json:"isActive"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CollaborationRequest struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	UserID    string        `json:"userId"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type File struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a persisted chat message.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ParticipantView is one entry of a presence snapshot.
type ParticipantView struct {
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	Color    string  `json:"color"`
	Cursor   *Cursor `json:"cursor,omitempty"`
	IsActive bool    `json:"isActive"`
}
