// Package api serves the HTTP surface next to the WebSocket endpoint: session
// and file management, presence snapshots and the collaboration request
// workflow.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/manpreetbhatti/pairpad/internal/access"
	"github.com/manpreetbhatti/pairpad/internal/auth"
	"github.com/manpreetbhatti/pairpad/internal/coordinator"
	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/notify"
	"github.com/manpreetbhatti/pairpad/internal/store"
)

// UserHeader carries the caller's identity, set by the upstream auth proxy.
const UserHeader = "X-User-ID"

type Database interface {
	store.Store
	GetStats(ctx context.Context) (map[string]int, error)
	Ping(ctx context.Context) error
}

// Inbox lists stored notifications for a user.
type Inbox interface {
	Inbox(ctx context.Context, userID string, limit int64) ([]notify.Notification, error)
}

type API struct {
	coord    *coordinator.Coordinator
	database Database
	inbox    Inbox
	verifier auth.Verifier
	logger   *slog.Logger
}

// New builds the API. inbox may be nil when notifications are not stored. A
// nil verifier trusts the identity header as sent.
func New(coord *coordinator.Coordinator, database Database, inbox Inbox, verifier auth.Verifier, logger *slog.Logger) *API {
	if verifier == nil {
		verifier = auth.TrustClaims{}
	}
	return &API{
		coord:    coord,
		database: database,
		inbox:    inbox,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "api")),
	}
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// failure maps a domain error to its HTTP status.
func (a *API) failure(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "Not found")
	case errors.Is(err, domain.ErrForbidden):
		errorResponse(c, http.StatusForbidden, "Forbidden")
	case errors.Is(err, domain.ErrAuthenticationRequired):
		errorResponse(c, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, domain.ErrAlreadyPending):
		errorResponse(c, http.StatusConflict, "A request is already pending")
	case errors.Is(err, domain.ErrAlreadyDecided):
		errorResponse(c, http.StatusConflict, "Request already decided")
	case errors.Is(err, domain.ErrNotApplicable):
		errorResponse(c, http.StatusUnprocessableEntity, "Request not applicable")
	default:
		a.logger.Error(fallback, slog.String("path", c.FullPath()), slog.Any("error", err))
		errorResponse(c, http.StatusInternalServerError, fallback)
	}
}

func callerID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(UserHeader))
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > len("Bearer ") && strings.EqualFold(h[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

// identify verifies the claimed identity whenever a request carries one, so
// every handler that reads callerID sees a checked value.
func (a *API) identify(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		c.Next()
		return
	}
	if err := a.verifier.Verify(userID, bearerToken(c)); err != nil {
		a.logger.Debug("Rejected identity", slog.String("userID", userID), slog.Any("error", err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing bearer token"})
		return
	}
	c.Next()
}

// requireCaller aborts with 401 when the identity header is missing.
func requireCaller(c *gin.Context) {
	if callerID(c) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing " + UserHeader + " header"})
		return
	}
	c.Next()
}

func (a *API) Health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if err := a.database.Ping(c.Request.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Stats(c *gin.Context) {
	live := a.coord.Stats()
	stats := gin.H{
		"activeConnections": live.Connections,
		"activeSessions":    len(live.ActiveSessions),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
	if dbStats, err := a.database.GetStats(c.Request.Context()); err == nil {
		for k, v := range dbStats {
			stats[k] = v
		}
	}
	c.JSON(http.StatusOK, stats)
}

// Users

type createUserRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (a *API) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		errorResponse(c, http.StatusBadRequest, "username is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	user := &domain.User{ID: req.ID, Username: req.Username}
	if err := a.database.CreateUser(c.Request.Context(), user); err != nil {
		a.failure(c, err, "Failed to create user")
		return
	}
	c.JSON(http.StatusCreated, user)
}

// Sessions

type sessionResponse struct {
	domain.Session
	ActiveConnections int `json:"activeConnections"`
}

type createSessionRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	IsPublic bool   `json:"isPublic"`
}

func (a *API) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	sessions, err := a.database.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		a.failure(c, err, "Failed to list sessions")
		return
	}

	active := a.coord.Stats().ActiveSessions
	response := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		verdict, err := a.coord.CheckAccess(c.Request.Context(), callerID(c), &s)
		if err != nil {
			a.failure(c, err, "Failed to list sessions")
			return
		}
		if verdict != access.Allow {
			continue
		}
		response = append(response, sessionResponse{Session: s, ActiveConnections: active[s.ID]})
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": response,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	s := &domain.Session{
		ID:       req.ID,
		Name:     req.Name,
		OwnerID:  callerID(c),
		Language: req.Language,
		IsPublic: req.IsPublic,
	}
	ctx := c.Request.Context()
	existing, err := a.database.GetSession(ctx, s.ID)
	if err != nil {
		a.failure(c, err, "Failed to create session")
		return
	}
	if existing != nil {
		errorResponse(c, http.StatusConflict, "Session already exists")
		return
	}
	if err := a.database.CreateSession(ctx, s); err != nil {
		a.failure(c, err, "Failed to create session")
		return
	}
	a.logger.Info("Session created", slog.String("sessionID", s.ID), slog.String("ownerID", s.OwnerID))
	c.JSON(http.StatusCreated, s)
}

func (a *API) GetSession(c *gin.Context) {
	s, err := a.database.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.failure(c, err, "Failed to get session")
		return
	}
	if s == nil {
		errorResponse(c, http.StatusNotFound, "Session not found")
		return
	}
	if !a.authorize(c, s) {
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		Session:           *s,
		ActiveConnections: a.coord.Stats().ActiveSessions[s.ID],
	})
}

func (a *API) Participants(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	s, err := a.database.GetSession(ctx, sessionID)
	if err != nil {
		a.failure(c, err, "Failed to get session")
		return
	}
	if s == nil {
		errorResponse(c, http.StatusNotFound, "Session not found")
		return
	}
	if !a.authorize(c, s) {
		return
	}

	views, err := a.coord.Participants(ctx, sessionID)
	if err != nil {
		a.failure(c, err, "Failed to get participants")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "participants": views})
}

// authorize writes 403 and reports false unless the caller may see the
// session's details.
func (a *API) authorize(c *gin.Context, s *domain.Session) bool {
	verdict, err := a.coord.CheckAccess(c.Request.Context(), callerID(c), s)
	if err != nil {
		a.failure(c, err, "Failed to check access")
		return false
	}
	if verdict != access.Allow {
		errorResponse(c, http.StatusForbidden, verdict.String())
		return false
	}
	return true
}

// Files

type createFileRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// CreateFile adds a file to a session. Only the owner may add files.
func (a *API) CreateFile(c *gin.Context) {
	var req createFileRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		errorResponse(c, http.StatusBadRequest, "name is required")
		return
	}

	ctx := c.Request.Context()
	s, err := a.database.GetSession(ctx, c.Param("id"))
	if err != nil {
		a.failure(c, err, "Failed to create file")
		return
	}
	if s == nil {
		errorResponse(c, http.StatusNotFound, "Session not found")
		return
	}
	if s.OwnerID != callerID(c) {
		errorResponse(c, http.StatusForbidden, "Only the session owner can add files")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	f := &domain.File{ID: req.ID, SessionID: s.ID, Name: req.Name, Content: req.Content}
	if err := a.database.CreateFile(ctx, f); err != nil {
		a.failure(c, err, "Failed to create file")
		return
	}
	c.JSON(http.StatusCreated, f)
}

// Collaboration requests

type decisionRequest struct {
	Decision string `json:"decision"`
}

func (a *API) SubmitRequest(c *gin.Context) {
	req, err := a.coord.SubmitRequest(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		a.failure(c, err, "Failed to submit request")
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (a *API) ListSessionRequests(c *gin.Context) {
	status, ok := statusFilter(c)
	if !ok {
		return
	}
	reqs, err := a.coord.ListRequests(c.Request.Context(), c.Param("id"), callerID(c), status)
	if err != nil {
		a.failure(c, err, "Failed to list requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": nonNil(reqs)})
}

func (a *API) ListUserRequests(c *gin.Context) {
	userID := c.Param("id")
	if userID != callerID(c) {
		errorResponse(c, http.StatusForbidden, "Forbidden")
		return
	}
	status, ok := statusFilter(c)
	if !ok {
		return
	}
	reqs, err := a.coord.ListUserRequests(c.Request.Context(), userID, status)
	if err != nil {
		a.failure(c, err, "Failed to list requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": nonNil(reqs)})
}

func (a *API) Decide(c *gin.Context) {
	var body decisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON")
		return
	}
	decision, err := access.ParseDecision(body.Decision)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "decision must be accept or reject")
		return
	}

	req, err := a.coord.Decide(c.Request.Context(), c.Param("id"), callerID(c), decision)
	if err != nil {
		a.failure(c, err, "Failed to decide request")
		return
	}
	c.JSON(http.StatusOK, req)
}

func (a *API) Notifications(c *gin.Context) {
	userID := c.Param("id")
	if userID != callerID(c) {
		errorResponse(c, http.StatusForbidden, "Forbidden")
		return
	}
	if a.inbox == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []notify.Notification{}})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	notes, err := a.inbox.Inbox(c.Request.Context(), userID, int64(limit))
	if err != nil {
		a.failure(c, err, "Failed to load notifications")
		return
	}
	if notes == nil {
		notes = []notify.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}

func statusFilter(c *gin.Context) (domain.RequestStatus, bool) {
	raw := c.Query("status")
	if raw == "" {
		return "", true
	}
	status, err := domain.ParseRequestStatus(raw)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "status must be pending, accepted or rejected")
		return "", false
	}
	return status, true
}

func nonNil(reqs []domain.CollaborationRequest) []domain.CollaborationRequest {
	if reqs == nil {
		return []domain.CollaborationRequest{}
	}
	return reqs
}
