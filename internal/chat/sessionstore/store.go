// Package sessionstore owns the client's in-memory chat session collection
// and mirrors every mutation into a durable cache.
package sessionstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/louisbranch/chatrelay/internal/chat/cache"
	"github.com/louisbranch/chatrelay/internal/chat/model"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/id"
)

// Config configures a Store.
type Config struct {
	// Cache receives a copy of every mutation. Nil uses an in-memory cache.
	Cache cache.Cache
	// Logger receives cache failure warnings. Nil uses slog.Default.
	Logger *slog.Logger
	// Now overrides the clock used for new sessions.
	Now func() time.Time
}

type entry struct {
	seq     uint64
	session model.ChatSession
}

// Store is the local session collection. Methods are safe for concurrent
// use; the client runtime still funnels mutations through one loop so
// append order follows arrival order. Cache writes happen under mu so the
// durable copy applies mutations in the same order as memory.
type Store struct {
	mu        sync.Mutex
	entries   []entry
	current   model.SessionID
	nextSeq   uint64
	nameCount int
	// aliases maps ids retired by Rekey to their replacement.
	aliases map[model.SessionID]model.SessionID

	cache  cache.Cache
	logger *slog.Logger
	now    func() time.Time

	observers   map[int]func([]model.ChatSession)
	nextObserve int
}

// New builds an empty store.
func New(cfg Config) *Store {
	c := cfg.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		cache:     c,
		logger:    logger,
		now:       now,
		aliases:   make(map[model.SessionID]model.SessionID),
		observers: make(map[int]func([]model.ChatSession)),
	}
}

// Create adds an empty session with a fresh local id and makes it current.
func (s *Store) Create() model.ChatSession {
	s.mu.Lock()
	s.nameCount++
	session := model.ChatSession{
		ID:        model.LocalID(id.MustNewID()),
		Name:      fmt.Sprintf("Chat %d", s.nameCount),
		Messages:  []model.Message{},
		CreatedAt: s.now().UTC(),
	}
	s.nextSeq++
	e := entry{seq: s.nextSeq, session: session}
	s.entries = append(s.entries, e)
	s.current = session.ID
	s.mirrorPutLocked(e)
	s.mu.Unlock()

	s.notify()
	return session.Clone()
}

// Append adds msg to the end of the session. A timestamp older than the
// session's newest message is clamped forward so messages stay in
// non-decreasing timestamp order while keeping call order.
func (s *Store) Append(sessionID model.SessionID, msg model.Message) (model.ChatSession, error) {
	s.mu.Lock()
	idx := s.indexLocked(sessionID)
	if idx < 0 {
		s.mu.Unlock()
		return model.ChatSession{}, sessionNotFound(sessionID)
	}
	session := &s.entries[idx].session
	if last := session.LastTimestamp(); msg.Timestamp.Before(last) {
		msg.Timestamp = last
	}
	session.Messages = append(session.Messages, msg)
	e := entry{seq: s.entries[idx].seq, session: session.Clone()}
	s.mirrorPutLocked(e)
	s.mu.Unlock()

	s.notify()
	return e.session.Clone(), nil
}

// Remove deletes the session. When it was current, the most recently added
// remaining session becomes current.
func (s *Store) Remove(sessionID model.SessionID) error {
	s.mu.Lock()
	idx := s.indexLocked(sessionID)
	if idx < 0 {
		s.mu.Unlock()
		return sessionNotFound(sessionID)
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	if s.current == sessionID {
		s.current = model.SessionID{}
		if n := len(s.entries); n > 0 {
			s.current = s.entries[n-1].session.ID
		}
	}
	if err := s.cache.Delete(sessionID); err != nil {
		s.warnCache("delete", sessionID, err)
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// List returns copies of every session in insertion order.
func (s *Store) List() []model.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns a copy of one session.
func (s *Store) Get(sessionID model.SessionID) (model.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(sessionID)
	if idx < 0 {
		return model.ChatSession{}, false
	}
	return s.entries[idx].session.Clone(), true
}

// Resolve follows Rekey aliases from sessionID and reports the id the
// session lives under now. It returns false when the session is gone.
func (s *Store) Resolve(sessionID model.SessionID) (model.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seen := 0; seen <= len(s.aliases); seen++ {
		if s.indexLocked(sessionID) >= 0 {
			return sessionID, true
		}
		next, ok := s.aliases[sessionID]
		if !ok {
			return model.SessionID{}, false
		}
		sessionID = next
	}
	return model.SessionID{}, false
}

// Current returns the current session id, which is zero when the store is
// empty.
func (s *Store) Current() model.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetCurrent selects an existing session.
func (s *Store) SetCurrent(sessionID model.SessionID) error {
	s.mu.Lock()
	if s.indexLocked(sessionID) < 0 {
		s.mu.Unlock()
		return sessionNotFound(sessionID)
	}
	s.current = sessionID
	s.mu.Unlock()
	s.notify()
	return nil
}

// Rename changes a session's display name.
func (s *Store) Rename(sessionID model.SessionID, name string) error {
	s.mu.Lock()
	idx := s.indexLocked(sessionID)
	if idx < 0 {
		s.mu.Unlock()
		return sessionNotFound(sessionID)
	}
	s.entries[idx].session.Name = name
	s.mirrorPutLocked(entry{seq: s.entries[idx].seq, session: s.entries[idx].session.Clone()})
	s.mu.Unlock()

	s.notify()
	return nil
}

// Rekey moves a session from one id to another in place, keeping its list
// position and current selection. It is used when a local session is first
// persisted remotely. The old id keeps resolving to the new one through
// Resolve.
func (s *Store) Rekey(from, to model.SessionID) error {
	s.mu.Lock()
	idx := s.indexLocked(from)
	if idx < 0 {
		s.mu.Unlock()
		return sessionNotFound(from)
	}
	if from != to && s.indexLocked(to) >= 0 {
		s.mu.Unlock()
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument, "session id already in use", map[string]string{"session_id": to.String()})
	}
	s.entries[idx].session.ID = to
	if s.current == from {
		s.current = to
	}
	if from != to {
		s.aliases[from] = to
	}
	if err := s.cache.Delete(from); err != nil {
		s.warnCache("delete", from, err)
	}
	s.mirrorPutLocked(entry{seq: s.entries[idx].seq, session: s.entries[idx].session.Clone()})
	s.mu.Unlock()

	s.notify()
	return nil
}

// Replace swaps the whole collection for sessions, in the given order. The
// first session becomes current. The durable cache is rewritten to match.
func (s *Store) Replace(sessions []model.ChatSession) {
	s.mu.Lock()
	s.entries = make([]entry, 0, len(sessions))
	s.nextSeq = 0
	for _, session := range sessions {
		session = session.Clone()
		s.nextSeq++
		s.entries = append(s.entries, entry{seq: s.nextSeq, session: session})
	}
	s.current = model.SessionID{}
	if len(s.entries) > 0 {
		s.current = s.entries[0].session.ID
	}
	if s.nameCount < len(s.entries) {
		s.nameCount = len(s.entries)
	}
	clear(s.aliases)
	if err := s.cache.Clear(); err != nil {
		s.warnCache("clear", model.SessionID{}, err)
	}
	for _, e := range s.entries {
		s.mirrorPutLocked(e)
	}
	s.mu.Unlock()

	s.notify()
}

// Restore seeds the collection from the durable cache and returns the
// number of sessions recovered. The in-memory collection is left untouched
// when the cache is empty or unreadable.
func (s *Store) Restore() (int, error) {
	s.mu.Lock()
	records, err := s.cache.Load()
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("load session cache: %w", err)
	}
	if len(records) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	clear(s.aliases)
	s.entries = make([]entry, 0, len(records))
	s.nextSeq = 0
	for _, rec := range records {
		session := rec.Session.Clone()
		if session.Messages == nil {
			session.Messages = []model.Message{}
		}
		s.entries = append(s.entries, entry{seq: rec.Seq, session: session})
		if rec.Seq > s.nextSeq {
			s.nextSeq = rec.Seq
		}
	}
	s.current = s.entries[len(s.entries)-1].session.ID
	if s.nameCount < len(s.entries) {
		s.nameCount = len(s.entries)
	}
	s.mu.Unlock()

	s.notify()
	return len(records), nil
}

// Clear empties the collection and the durable cache.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.current = model.SessionID{}
	s.nextSeq = 0
	s.nameCount = 0
	clear(s.aliases)
	if err := s.cache.Clear(); err != nil {
		s.warnCache("clear", model.SessionID{}, err)
	}
	s.mu.Unlock()

	s.notify()
}

// Subscribe registers fn to receive the session list after every mutation.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func([]model.ChatSession)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.nextObserve
	s.nextObserve++
	s.observers[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, key)
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	observers := make([]func([]model.ChatSession), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

func (s *Store) snapshotLocked() []model.ChatSession {
	out := make([]model.ChatSession, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.session.Clone())
	}
	return out
}

func (s *Store) indexLocked(sessionID model.SessionID) int {
	for i, e := range s.entries {
		if e.session.ID == sessionID {
			return i
		}
	}
	return -1
}

func (s *Store) mirrorPutLocked(e entry) {
	if err := s.cache.Put(cache.Record{Seq: e.seq, Session: e.session}); err != nil {
		s.warnCache("put", e.session.ID, err)
	}
}

func (s *Store) warnCache(op string, sessionID model.SessionID, err error) {
	attrs := []any{"op", op, "error", err}
	if !sessionID.IsZero() {
		attrs = append(attrs, "session_id", sessionID.String())
	}
	s.logger.Warn("session cache write failed", attrs...)
}

func sessionNotFound(sessionID model.SessionID) error {
	return apperrors.WithMetadata(apperrors.CodeSessionNotFound, "session not found", map[string]string{"session_id": sessionID.String()})
}
