package pebblecache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/chatrelay/internal/chat/cache"
	"github.com/louisbranch/chatrelay/internal/chat/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	at := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	first := model.ChatSession{
		ID:        model.LocalID("abc"),
		Name:      "Chat 1",
		CreatedAt: at,
		Messages:  []model.Message{{ID: "m1", Content: "hello", IsFromUser: true, Timestamp: at}},
	}
	second := model.ChatSession{ID: model.RemoteID(12), Name: "Chat 2", CreatedAt: at}

	if err := store.Put(cache.Record{Seq: 2, Session: second}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	if err := store.Put(cache.Record{Seq: 1, Session: first}); err != nil {
		t.Fatalf("put first: %v", err)
	}

	records, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Session.ID != first.ID || records[1].Session.ID != second.ID {
		t.Fatalf("order = %v, %v", records[0].Session.ID, records[1].Session.ID)
	}
	got := records[0].Session.Messages
	if len(got) != 1 || got[0].Content != "hello" || !got[0].IsFromUser || !got[0].Timestamp.Equal(at) {
		t.Fatalf("messages = %+v", got)
	}
}

func TestPutReplacesSameID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	id := model.LocalID("x")
	_ = store.Put(cache.Record{Seq: 1, Session: model.ChatSession{ID: id, Name: "old"}})
	_ = store.Put(cache.Record{Seq: 1, Session: model.ChatSession{ID: id, Name: "new"}})

	records, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 1 || records[0].Session.Name != "new" {
		t.Fatalf("records = %+v", records)
	}
}

func TestDeleteAndClear(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_ = store.Put(cache.Record{Seq: 1, Session: model.ChatSession{ID: model.LocalID("a")}})
	_ = store.Put(cache.Record{Seq: 2, Session: model.ChatSession{ID: model.RemoteID(5)}})

	if err := store.Delete(model.LocalID("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	records, _ := store.Load()
	if len(records) != 1 || records[0].Session.ID != model.RemoteID(5) {
		t.Fatalf("records = %+v", records)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	records, _ = store.Load()
	if len(records) != 0 {
		t.Fatalf("records after clear = %d", len(records))
	}
}

func TestPutRejectsZeroID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.Put(cache.Record{Seq: 1}); err == nil {
		t.Fatal("expected error for zero id")
	}
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache", "sessions")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put(cache.Record{Seq: 1, Session: model.ChatSession{ID: model.LocalID("keep")}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	records, err := reopened.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 1 || records[0].Session.ID != model.LocalID("keep") {
		t.Fatalf("records = %+v", records)
	}
}
