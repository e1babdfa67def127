// Package protocol defines the JSON wire envelope exchanged over the socket.
//
// Every frame is {"type": "<kind>", "payload": {...}}. Unknown kinds decode to
// ErrUnknownType so callers can ignore them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/manpreetbhatti/pairpad/internal/domain"
)

// Client → server kinds.
const (
	TypeAuthenticate = "authenticate"
	TypeJoinSession  = "join_session"
	TypeLeaveSession = "leave_session"
	TypeCursorUpdate = "cursor_update"
	TypeCodeChange   = "code_change"
	TypeChatMessage  = "chat_message"
)

// Server → client kinds. cursor_update, code_change and chat_message are
// shared with the inbound set.
const (
	TypeParticipantsUpdate = "participants_update"
	TypeAccessDenied       = "access_denied"
	TypeError              = "error"
	TypeNewRequest         = "new_collaboration_request"
	TypeRequestDecided     = "collaboration_request_decided"
	TypeSessionState       = "session_state"
)

// Denial reasons carried by access_denied.
const (
	ReasonRequiresAuth    = "requires_auth"
	ReasonRequiresRequest = "requires_request"
	ReasonNotFound        = "not_found"
)

var ErrUnknownType = errors.New("unknown event type")

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payloads

type Authenticate struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type JoinSession struct {
	SessionID string         `json:"sessionId"`
	Cursor    *domain.Cursor `json:"cursor,omitempty"`
}

type LeaveSession struct{}

type CursorUpdate struct {
	Cursor *domain.Cursor `json:"cursor"`
}

type CodeChange struct {
	FileID  string  `json:"fileId"`
	Content *string `json:"content"`
}

type ChatMessage struct {
	Content string `json:"content"`
}

// Outbound payloads

type ParticipantsUpdate struct {
	SessionID    string                   `json:"sessionId"`
	Participants []domain.ParticipantView `json:"participants"`
}

type CursorBroadcast struct {
	UserID string         `json:"userId"`
	Cursor *domain.Cursor `json:"cursor"`
}

type CodeChangeBroadcast struct {
	FileID  string `json:"fileId"`
	Content string `json:"content"`
	UserID  string `json:"userId"`
}

type ChatBroadcast struct {
	Message domain.Message `json:"message"`
}

type AccessDenied struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type Error struct {
	Message string `json:"message"`
}

type NewRequest struct {
	Request domain.CollaborationRequest `json:"request"`
}

type RequestDecided struct {
	RequestID string               `json:"requestId"`
	SessionID string               `json:"sessionId"`
	Status    domain.RequestStatus `json:"status"`
}

type SessionState struct {
	Session  domain.Session   `json:"session"`
	Files    []domain.File    `json:"files"`
	Messages []domain.Message `json:"messages"`
}

// PeekType returns the envelope kind without decoding the payload.
func PeekType(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: invalid json", domain.ErrMalformedEvent)
	}
	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String || t.Str == "" {
		return "", fmt.Errorf("%w: missing type", domain.ErrMalformedEvent)
	}
	return t.Str, nil
}

// Decode parses an inbound frame into its typed payload. It returns
// ErrUnknownType for kinds the server does not accept and wraps
// domain.ErrMalformedEvent for anything unparseable or missing required fields.
func Decode(data []byte) (string, any, error) {
	kind, err := PeekType(data)
	if err != nil {
		return "", nil, err
	}
	raw := []byte(gjson.GetBytes(data, "payload").Raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var payload any
	switch kind {
	case TypeAuthenticate:
		var p Authenticate
		if err := unmarshal(raw, &p); err != nil {
			return kind, nil, err
		}
		if strings.TrimSpace(p.UserID) == "" {
			return kind, nil, malformed("userId is required")
		}
		payload = p
	case TypeJoinSession:
		var p JoinSession
		if err := unmarshal(raw, &p); err != nil {
			return kind, nil, err
		}
		if p.SessionID == "" {
			return kind, nil, malformed("sessionId is required")
		}
		if p.Cursor != nil && !p.Cursor.Valid() {
			return kind, nil, malformed("invalid cursor")
		}
		payload = p
	case TypeLeaveSession:
		payload = LeaveSession{}
	case TypeCursorUpdate:
		var p CursorUpdate
		if err := unmarshal(raw, &p); err != nil {
			return kind, nil, err
		}
		if !p.Cursor.Valid() {
			return kind, nil, malformed("invalid cursor")
		}
		payload = p
	case TypeCodeChange:
		var p CodeChange
		if err := unmarshal(raw, &p); err != nil {
			return kind, nil, err
		}
		if p.FileID == "" || p.Content == nil {
			return kind, nil, malformed("fileId and content are required")
		}
		payload = p
	case TypeChatMessage:
		var p ChatMessage
		if err := unmarshal(raw, &p); err != nil {
			return kind, nil, err
		}
		if strings.TrimSpace(p.Content) == "" {
			return kind, nil, malformed("content is required")
		}
		payload = p
	default:
		return kind, nil, ErrUnknownType
	}
	return kind, payload, nil
}

func unmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	return nil
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedEvent, reason)
}

// Encode builds an outbound frame.
func Encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Payload: raw})
}
