// Package pebblecache stores the client's session mirror in a local Pebble
// database.
package pebblecache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/louisbranch/chatrelay/internal/chat/cache"
	"github.com/louisbranch/chatrelay/internal/chat/model"
)

var keyPrefix = []byte("session/")

// Store is a Pebble-backed cache.Cache.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the cache database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return open(path, &pebble.Options{})
}

// OpenInMemory opens a cache backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put writes rec synchronously.
func (s *Store) Put(rec cache.Record) error {
	if rec.Session.ID.IsZero() {
		return fmt.Errorf("cache record has no session id")
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	return s.db.Set(recordKey(rec.Session.ID), value, pebble.Sync)
}

// Delete removes the record for id.
func (s *Store) Delete(id model.SessionID) error {
	return s.db.Delete(recordKey(id), pebble.Sync)
}

// Load reads every record ordered by Seq. Records that fail to decode are
// skipped.
func (s *Store) Load() ([]cache.Record, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: prefixEnd(keyPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache iterator: %w", err)
	}
	defer it.Close()

	var records []cache.Record
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), keyPrefix) {
			continue
		}
		var rec cache.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate cache: %w", err)
	}
	cache.SortRecords(records)
	return records, nil
}

// Clear removes every session record.
func (s *Store) Clear() error {
	if err := s.db.DeleteRange(keyPrefix, prefixEnd(keyPrefix), pebble.Sync); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func recordKey(id model.SessionID) []byte {
	return append(append([]byte{}, keyPrefix...), id.String()...)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}

var _ cache.Cache = (*Store)(nil)
