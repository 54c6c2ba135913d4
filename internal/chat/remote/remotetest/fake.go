// Package remotetest provides an in-memory remote session store for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/chatrelay/internal/chat/remote"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
)

type row struct {
	owner   string
	session remote.RemoteSession
}

// Store is an in-memory remote.Store. The credential string is used as the
// owner identity. Hooks let tests inject failures per call.
type Store struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]*row
	now    func() time.Time

	// ListErr fails every List call when set.
	ListErr error
	// CreateErr, UpdateErr and DeleteErr are consulted before each write;
	// a non-nil return fails that call.
	CreateErr func(in remote.SessionInput) error
	UpdateErr func(id uint64) error
	DeleteErr func(id uint64) error

	Creates int
	Updates int
	Deletes int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rows: make(map[uint64]*row),
		now:  time.Now,
	}
}

// Seed inserts a row with a raw message blob and returns its id.
func (s *Store) Seed(owner, name string, messages json.RawMessage, createdAt time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows[s.nextID] = &row{owner: owner, session: remote.RemoteSession{
		ID:               s.nextID,
		Name:             name,
		Messages:         append(json.RawMessage(nil), messages...),
		SessionCreatedAt: createdAt,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}}
	return s.nextID
}

// Count returns the number of rows owned by owner.
func (s *Store) Count(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.owner == owner {
			n++
		}
	}
	return n
}

func (s *Store) List(_ context.Context, credential string) ([]remote.RemoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if credential == "" {
		return nil, apperrors.New(apperrors.CodeAuth, "missing credential")
	}
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []remote.RemoteSession
	for _, r := range s.rows {
		if r.owner == credential {
			out = append(out, r.session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionCreatedAt.Equal(out[j].SessionCreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SessionCreatedAt.After(out[j].SessionCreatedAt)
	})
	return out, nil
}

func (s *Store) Create(_ context.Context, credential string, in remote.SessionInput) (remote.RemoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if credential == "" {
		return remote.RemoteSession{}, apperrors.New(apperrors.CodeAuth, "missing credential")
	}
	if s.CreateErr != nil {
		if err := s.CreateErr(in); err != nil {
			return remote.RemoteSession{}, err
		}
	}
	raw, err := remote.EncodeMessages(in.Messages)
	if err != nil {
		return remote.RemoteSession{}, err
	}
	now := s.now().UTC()
	createdAt := in.SessionCreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	s.nextID++
	s.Creates++
	session := remote.RemoteSession{
		ID:               s.nextID,
		Name:             in.Name,
		Messages:         raw,
		SessionCreatedAt: createdAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.rows[s.nextID] = &row{owner: credential, session: session}
	return session, nil
}

func (s *Store) Update(_ context.Context, credential string, id uint64, in remote.SessionInput) (remote.RemoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if credential == "" {
		return remote.RemoteSession{}, apperrors.New(apperrors.CodeAuth, "missing credential")
	}
	if s.UpdateErr != nil {
		if err := s.UpdateErr(id); err != nil {
			return remote.RemoteSession{}, err
		}
	}
	r, ok := s.rows[id]
	if !ok || r.owner != credential {
		return remote.RemoteSession{}, apperrors.New(apperrors.CodeNotFound, "remote session not found")
	}
	raw, err := remote.EncodeMessages(in.Messages)
	if err != nil {
		return remote.RemoteSession{}, err
	}
	s.Updates++
	r.session.Name = in.Name
	r.session.Messages = raw
	if !in.SessionCreatedAt.IsZero() {
		r.session.SessionCreatedAt = in.SessionCreatedAt
	}
	r.session.UpdatedAt = s.now().UTC()
	return r.session, nil
}

func (s *Store) Delete(_ context.Context, credential string, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if credential == "" {
		return apperrors.New(apperrors.CodeAuth, "missing credential")
	}
	if s.DeleteErr != nil {
		if err := s.DeleteErr(id); err != nil {
			return err
		}
	}
	r, ok := s.rows[id]
	if !ok || r.owner != credential {
		return apperrors.New(apperrors.CodeNotFound, "remote session not found")
	}
	s.Deletes++
	delete(s.rows, id)
	return nil
}

var _ remote.Store = (*Store)(nil)
