package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/store"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

var _ store.Store = (*Database)(nil)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_files_session_id ON files(session_id);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS participants (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		cursor TEXT,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, user_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS collaboration_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_collaboration_requests_user ON collaboration_requests(user_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_collaboration_requests_one_pending
		ON collaboration_requests(session_id, user_id) WHERE status = 'pending';
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// User operations

func (d *Database) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)",
		user.ID, user.Username, user.CreatedAt,
	)
	return err
}

func (d *Database) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM users WHERE id = ?",
		id,
	)

	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Session operations

func (d *Database) CreateSession(ctx context.Context, s *domain.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, owner_id, language, is_public, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.OwnerID, s.Language, s.IsPublic, s.CreatedAt, s.UpdatedAt)
	return err
}

const sessionColumns = "id, name, owner_id, language, is_public, created_at, updated_at"

func scanSession(sc interface{ Scan(...any) error }) (domain.Session, error) {
	var s domain.Session
	err := sc.Scan(&s.ID, &s.Name, &s.OwnerID, &s.Language, &s.IsPublic, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (d *Database) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (d *Database) touchSession(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	return err
}

// File operations

func (d *Database) CreateFile(ctx context.Context, f *domain.File) error {
	f.UpdatedAt = time.Now().UTC()
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO files (id, session_id, name, content, updated_at) VALUES (?, ?, ?, ?, ?)",
		f.ID, f.SessionID, f.Name, f.Content, f.UpdatedAt,
	)
	return err
}

func (d *Database) GetFile(ctx context.Context, id string) (*domain.File, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, session_id, name, content, updated_at FROM files WHERE id = ?",
		id,
	)

	var f domain.File
	err := row.Scan(&f.ID, &f.SessionID, &f.Name, &f.Content, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateFile overwrites the whole buffer. There is no merge: the last write wins.
func (d *Database) UpdateFile(ctx context.Context, id, content string) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE files SET content = ?, updated_at = ? WHERE id = ?",
		content, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (d *Database) ListFiles(ctx context.Context, sessionID string) ([]domain.File, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, session_id, name, content, updated_at FROM files WHERE session_id = ? ORDER BY name ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []domain.File
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Name, &f.Content, &f.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Chat message operations

func (d *Database) CreateMessage(ctx context.Context, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, user_id, username, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.UserID, m.Username, m.Content, m.CreatedAt)
	if err != nil {
		return err
	}
	return d.touchSession(ctx, m.SessionID)
}

// ListMessages returns the most recent limit messages, oldest first.
func (d *Database) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, username, content, created_at FROM (
			SELECT seq, id, session_id, user_id, username, content, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Username, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// PruneMessages deletes all but the newest keep messages of a session and
// reports how many rows were removed.
func (d *Database) PruneMessages(ctx context.Context, sessionID string, keep int) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Participant operations

func scanParticipant(sc interface{ Scan(...any) error }) (domain.Participant, error) {
	var (
		p      domain.Participant
		cursor sql.NullString
	)
	if err := sc.Scan(&p.SessionID, &p.UserID, &cursor, &p.IsActive, &p.UpdatedAt); err != nil {
		return p, err
	}
	if cursor.Valid && cursor.String != "" {
		var c domain.Cursor
		if err := json.Unmarshal([]byte(cursor.String), &c); err == nil {
			p.Cursor = &c
		}
	}
	return p, nil
}

func (d *Database) GetParticipant(ctx context.Context, sessionID, userID string) (*domain.Participant, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT session_id, user_id, cursor, is_active, updated_at FROM participants WHERE session_id = ? AND user_id = ?",
		sessionID, userID,
	)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) GetParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT session_id, user_id, cursor, is_active, updated_at FROM participants WHERE session_id = ? ORDER BY user_id ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (d *Database) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	var cursor sql.NullString
	if p.Cursor != nil {
		data, err := json.Marshal(p.Cursor)
		if err != nil {
			return err
		}
		cursor = sql.NullString{String: string(data), Valid: true}
	}
	p.UpdatedAt = time.Now().UTC()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, cursor, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, user_id) DO UPDATE SET
			cursor = COALESCE(excluded.cursor, participants.cursor),
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, p.SessionID, p.UserID, cursor, p.IsActive, p.UpdatedAt)
	return err
}

// Collaboration request operations

const requestColumns = "id, session_id, user_id, status, created_at, updated_at"

func scanRequest(sc interface{ Scan(...any) error }) (domain.CollaborationRequest, error) {
	var r domain.CollaborationRequest
	var status string
	err := sc.Scan(&r.ID, &r.SessionID, &r.UserID, &status, &r.CreatedAt, &r.UpdatedAt)
	r.Status = domain.RequestStatus(status)
	return r, err
}

func (d *Database) CreateCollaborationRequest(ctx context.Context, r *domain.CollaborationRequest) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = domain.StatusPending
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO collaboration_requests ("+requestColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		r.ID, r.SessionID, r.UserID, string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyPending
	}
	return err
}

func (d *Database) GetCollaborationRequest(ctx context.Context, id string) (*domain.CollaborationRequest, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM collaboration_requests WHERE id = ?", id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *Database) GetCollaborationRequests(ctx context.Context, f store.RequestFilter) ([]domain.CollaborationRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := "SELECT " + requestColumns + " FROM collaboration_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.CollaborationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// UpdateCollaborationRequest only ever moves a request out of pending, so two
// concurrent decisions cannot both succeed.
func (d *Database) UpdateCollaborationRequest(ctx context.Context, id string, status domain.RequestStatus) (*domain.CollaborationRequest, error) {
	res, err := d.db.ExecContext(ctx,
		"UPDATE collaboration_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(status), time.Now().UTC(), id, string(domain.StatusPending),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	r, err := d.GetCollaborationRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, domain.ErrNotFound
	}
	if n == 0 {
		return r, domain.ErrAlreadyDecided
	}
	return r, nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)
	queries := map[string]string{
		"session_count":         "SELECT COUNT(*) FROM sessions",
		"file_count":            "SELECT COUNT(*) FROM files",
		"message_count":         "SELECT COUNT(*) FROM messages",
		"active_participants":   "SELECT COUNT(*) FROM participants WHERE is_active = TRUE",
		"pending_request_count": "SELECT COUNT(*) FROM collaboration_requests WHERE status = 'pending'",
	}
	for key, q := range queries {
		var n int
		if err := d.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("stats %s: %w", key, err)
		}
		stats[key] = n
	}
	return stats, nil
}

// Ping reports whether the database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return errors.Join(domain.ErrPersistence, err)
	}
	return nil
}
