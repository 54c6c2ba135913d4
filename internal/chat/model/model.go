package model

import (
	"time"

	"github.com/louisbranch/chatrelay/internal/platform/id"
)

// Message is one entry of a chat session. Messages are immutable once
// created.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	IsFromUser bool      `json:"isFromUser"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMessage builds a message with a fresh unique id.
func NewMessage(content string, fromUser bool, at time.Time) Message {
	return Message{
		ID:         id.MustNewID(),
		Content:    content,
		IsFromUser: fromUser,
		Timestamp:  at.UTC(),
	}
}

// ChatSession is an ordered, append-only conversation.
type ChatSession struct {
	ID        SessionID `json:"id"`
	Name      string    `json:"name"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy so callers cannot mutate store-owned slices.
func (s ChatSession) Clone() ChatSession {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// LastTimestamp returns the timestamp of the newest message, or the zero
// time for an empty session.
func (s ChatSession) LastTimestamp() time.Time {
	if len(s.Messages) == 0 {
		return time.Time{}
	}
	return s.Messages[len(s.Messages)-1].Timestamp
}

// ConnectionState is the relay connection lifecycle as observed by the
// client. Only the connection manager changes it.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SyncSource tells a load caller where its sessions came from.
type SyncSource int

const (
	// SourceEmpty means neither the remote store nor the local cache had
	// sessions; the caller must synthesize exactly one new session.
	SourceEmpty SyncSource = iota
	// SourceBackend means the remote store was authoritative.
	SourceBackend
	// SourceLocal means the remote store failed and the durable local
	// cache was used.
	SourceLocal
)

func (s SyncSource) String() string {
	switch s {
	case SourceBackend:
		return "backend"
	case SourceLocal:
		return "local"
	default:
		return "empty"
	}
}

// SyncResult is the outcome of a load.
type SyncResult struct {
	Sessions []ChatSession
	Source   SyncSource
}

// Payload is a relay message event as carried on the wire.
type Payload struct {
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsFromUser bool      `json:"isFromUser"`
	SessionID  string    `json:"sessionId,omitempty"`
}
