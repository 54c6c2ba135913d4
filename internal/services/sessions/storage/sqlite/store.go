// Package sqlite provides a SQLite-backed session storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/louisbranch/chatrelay/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/chatrelay/internal/services/sessions/storage"
	"github.com/louisbranch/chatrelay/internal/services/sessions/storage/sqlite/migrations"
)

// Store persists chat sessions in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// ListSessions returns the owner's sessions, newest session first.
func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, owner_id, name, messages, session_created_at, created_at, updated_at
		   FROM chat_sessions
		  WHERE owner_id = ?
		  ORDER BY session_created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession inserts a session for ownerID.
func (s *Store) CreateSession(ctx context.Context, ownerID string, input storage.SessionInput) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return storage.Session{}, fmt.Errorf("owner id is required")
	}
	messages, err := normalizeMessages(input.Messages)
	if err != nil {
		return storage.Session{}, err
	}

	now := s.now().UTC()
	sessionCreatedAt := input.SessionCreatedAt.UTC()
	if input.SessionCreatedAt.IsZero() {
		sessionCreatedAt = now
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO chat_sessions (owner_id, name, messages, session_created_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ownerID,
		input.Name,
		string(messages),
		toMillis(sessionCreatedAt),
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.Session{}, fmt.Errorf("create session id: %w", err)
	}
	return s.get(ctx, ownerID, uint64(id))
}

// UpdateSession replaces the writable fields of one of ownerID's sessions.
func (s *Store) UpdateSession(ctx context.Context, ownerID string, id uint64, input storage.SessionInput) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	messages, err := normalizeMessages(input.Messages)
	if err != nil {
		return storage.Session{}, err
	}

	query := `UPDATE chat_sessions SET name = ?, messages = ?, updated_at = ? WHERE id = ? AND owner_id = ?`
	args := []any{input.Name, string(messages), toMillis(s.now()), int64(id), strings.TrimSpace(ownerID)}
	if !input.SessionCreatedAt.IsZero() {
		query = `UPDATE chat_sessions SET name = ?, messages = ?, updated_at = ?, session_created_at = ? WHERE id = ? AND owner_id = ?`
		args = []any{input.Name, string(messages), toMillis(s.now()), toMillis(input.SessionCreatedAt), int64(id), strings.TrimSpace(ownerID)}
	}

	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.Session{}, fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Session{}, fmt.Errorf("update session rows: %w", err)
	}
	if affected == 0 {
		return storage.Session{}, storage.ErrNotFound
	}
	return s.get(ctx, ownerID, id)
}

// DeleteSession removes one of ownerID's sessions.
func (s *Store) DeleteSession(ctx context.Context, ownerID string, id uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id = ? AND owner_id = ?`,
		int64(id), strings.TrimSpace(ownerID),
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) get(ctx context.Context, ownerID string, id uint64) (storage.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, owner_id, name, messages, session_created_at, created_at, updated_at
		   FROM chat_sessions
		  WHERE id = ? AND owner_id = ?`,
		int64(id), strings.TrimSpace(ownerID),
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.Session, error) {
	var (
		id               int64
		session          storage.Session
		messages         string
		sessionCreatedAt int64
		createdAt        int64
		updatedAt        int64
	)
	if err := row.Scan(&id, &session.OwnerID, &session.Name, &messages, &sessionCreatedAt, &createdAt, &updatedAt); err != nil {
		return storage.Session{}, err
	}
	session.ID = uint64(id)
	session.Messages = json.RawMessage(messages)
	session.SessionCreatedAt = fromMillis(sessionCreatedAt)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}

// normalizeMessages stores an array for absent input and rejects anything
// that is not a JSON array.
func normalizeMessages(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("[]"), nil
	}
	var probe []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return nil, storage.ErrInvalidMessages
	}
	return json.RawMessage(trimmed), nil
}

var _ storage.SessionStore = (*Store)(nil)
