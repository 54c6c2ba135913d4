// Package remote is the client side of the remote session store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/chatrelay/internal/chat/model"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
)

// RemoteSession is a session as persisted by the remote store. Messages is
// the raw serialized blob; use DecodeMessages to read it.
type RemoteSession struct {
	ID               uint64
	Name             string
	Messages         json.RawMessage
	SessionCreatedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionInput is the full replacement state written by create and update.
type SessionInput struct {
	Name             string
	Messages         []model.Message
	SessionCreatedAt time.Time
}

// Store is the remote session store. Every call carries the caller's bearer
// credential; ownership is enforced by the store, and ids the caller does
// not own fail with a NOT_FOUND coded error.
type Store interface {
	List(ctx context.Context, credential string) ([]RemoteSession, error)
	Create(ctx context.Context, credential string, in SessionInput) (RemoteSession, error)
	Update(ctx context.Context, credential string, id uint64, in SessionInput) (RemoteSession, error)
	Delete(ctx context.Context, credential string, id uint64) error
}

// InputFrom builds the write payload for a local session.
func InputFrom(session model.ChatSession) SessionInput {
	messages := session.Messages
	if messages == nil {
		messages = []model.Message{}
	}
	return SessionInput{
		Name:             session.Name,
		Messages:         messages,
		SessionCreatedAt: session.CreatedAt,
	}
}

// DecodeMessages reads a serialized message blob. Null and empty blobs
// decode to an empty slice. A blob that is itself a JSON string holding the
// array is unwrapped first. Failures carry the SERIALIZATION code.
func DecodeMessages(raw json.RawMessage) ([]model.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []model.Message{}, nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSerialization, "decode message blob", err)
		}
		return DecodeMessages(json.RawMessage(inner))
	}
	var messages []model.Message
	if err := json.Unmarshal(trimmed, &messages); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSerialization, "decode messages", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

// EncodeMessages serializes messages as a JSON array.
func EncodeMessages(messages []model.Message) (json.RawMessage, error) {
	if messages == nil {
		messages = []model.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSerialization, "encode messages", err)
	}
	return raw, nil
}

func notFound(id uint64) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, "remote session not found", map[string]string{"remote_id": fmt.Sprint(id)})
}
