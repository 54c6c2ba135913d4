// Package storage defines persistence contracts for the sessions service.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the session is missing or owned by someone else.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidMessages indicates the messages field is not a JSON array.
	ErrInvalidMessages = errors.New("messages must be a JSON array")
)

// Session is one persisted chat session. Messages holds the JSON array
// exactly as the client sent it.
type Session struct {
	ID               uint64
	OwnerID          string
	Name             string
	Messages         json.RawMessage
	SessionCreatedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionInput carries the writable fields of a session.
type SessionInput struct {
	Name     string
	Messages json.RawMessage
	// SessionCreatedAt is left unchanged on update when zero, and defaults
	// to the insert time on create.
	SessionCreatedAt time.Time
}

// SessionStore persists sessions scoped to their owner.
type SessionStore interface {
	ListSessions(ctx context.Context, ownerID string) ([]Session, error)
	CreateSession(ctx context.Context, ownerID string, input SessionInput) (Session, error)
	UpdateSession(ctx context.Context, ownerID string, id uint64, input SessionInput) (Session, error)
	DeleteSession(ctx context.Context, ownerID string, id uint64) error
}
