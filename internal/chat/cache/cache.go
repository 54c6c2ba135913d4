// Package cache defines the durable local mirror of the client's session
// list. The session store writes every mutation through a Cache so a later
// start can recover sessions the remote store never received.
package cache

import (
	"sort"
	"sync"

	"github.com/louisbranch/chatrelay/internal/chat/model"
)

// Record is one cached session plus its position in the session list.
type Record struct {
	Seq     uint64            `json:"seq"`
	Session model.ChatSession `json:"session"`
}

// Cache persists session records.
type Cache interface {
	// Put inserts or replaces the record for rec.Session.ID.
	Put(rec Record) error
	// Delete removes the record for id. Missing ids are not an error.
	Delete(id model.SessionID) error
	// Load returns every record ordered by Seq.
	Load() ([]Record, error)
	// Clear removes every record.
	Clear() error
	Close() error
}

// SortRecords orders records by Seq, oldest first.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}

// Memory is an in-process Cache used by tests and by clients that run
// without a data directory.
type Memory struct {
	mu      sync.Mutex
	records map[model.SessionID]Record
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{records: make(map[model.SessionID]Record)}
}

func (m *Memory) Put(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Session = rec.Session.Clone()
	m.records[rec.Session.ID] = rec
	return nil
}

func (m *Memory) Delete(id model.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		rec.Session = rec.Session.Clone()
		out = append(out, rec)
	}
	SortRecords(out)
	return out, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[model.SessionID]Record)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Cache = (*Memory)(nil)
