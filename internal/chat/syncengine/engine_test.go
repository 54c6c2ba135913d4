package syncengine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/chatrelay/internal/chat/cache"
	"github.com/louisbranch/chatrelay/internal/chat/model"
	"github.com/louisbranch/chatrelay/internal/chat/remote"
	"github.com/louisbranch/chatrelay/internal/chat/remote/remotetest"
	"github.com/louisbranch/chatrelay/internal/chat/sessionstore"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
)

const credential = "user-1"

type fixture struct {
	cache  *cache.Memory
	store  *sessionstore.Store
	remote *remotetest.Store
	engine *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWithCache(t, cache.NewMemory(), remotetest.New())
}

func newFixtureWithCache(t *testing.T, c *cache.Memory, rs *remotetest.Store) fixture {
	t.Helper()
	store := sessionstore.New(sessionstore.Config{Cache: c})
	engine, err := New(Config{Store: store, Remote: rs, Credential: credential})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return fixture{cache: c, store: store, remote: rs, engine: engine}
}

func appendText(t *testing.T, store *sessionstore.Store, id model.SessionID, content string) {
	t.Helper()
	if _, err := store.Append(id, model.NewMessage(content, true, time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func shapes(sessions []model.ChatSession) map[string][]string {
	out := make(map[string][]string, len(sessions))
	for _, s := range sessions {
		contents := make([]string, 0, len(s.Messages))
		for _, m := range s.Messages {
			contents = append(contents, m.Content)
		}
		out[s.Name] = contents
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Remote: remotetest.New()}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := New(Config{Store: sessionstore.New(sessionstore.Config{})}); err == nil {
		t.Fatal("expected error without remote")
	}
}

func TestLoadEmptyEverywhereSynthesizesOneSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	result, err := f.engine.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Source != model.SourceEmpty {
		t.Fatalf("source = %v, want empty", result.Source)
	}
	result = f.engine.EnsureSession(result)
	if len(result.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(result.Sessions))
	}
	_ = f.engine.EnsureSession(result)
	if f.store.Len() != 1 {
		t.Fatalf("store len = %d after second ensure, want 1", f.store.Len())
	}
}

func TestLoadRemoteFailureFallsBackToCache(t *testing.T) {
	t.Parallel()

	c := cache.NewMemory()
	previous := sessionstore.New(sessionstore.Config{Cache: c})
	s := previous.Create()
	appendText(t, previous, s.ID, "offline draft")

	rs := remotetest.New()
	rs.ListErr = apperrors.New(apperrors.CodeTransport, "connection refused")
	f := newFixtureWithCache(t, c, rs)

	result, err := f.engine.Load(context.Background())
	if !apperrors.HasCode(err, apperrors.CodeTransport) {
		t.Fatalf("err = %v, want TRANSPORT", err)
	}
	if result.Source != model.SourceLocal {
		t.Fatalf("source = %v, want local", result.Source)
	}
	if len(result.Sessions) != 1 || result.Sessions[0].Messages[0].Content != "offline draft" {
		t.Fatalf("sessions = %+v", result.Sessions)
	}
}

func TestLoadRemoteFailureWithEmptyCacheIsEmpty(t *testing.T) {
	t.Parallel()

	rs := remotetest.New()
	rs.ListErr = apperrors.New(apperrors.CodeAuth, "expired")
	f := newFixtureWithCache(t, cache.NewMemory(), rs)

	result, err := f.engine.Load(context.Background())
	if !apperrors.HasCode(err, apperrors.CodeAuth) {
		t.Fatalf("err = %v, want AUTH", err)
	}
	if result.Source != model.SourceEmpty {
		t.Fatalf("source = %v, want empty", result.Source)
	}
}

func TestLoadRemoteReplacesLocal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.Create()
	f.store.Create()
	at := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	f.remote.Seed(credential, "Remote", json.RawMessage(`[]`), at)

	result, err := f.engine.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Source != model.SourceBackend {
		t.Fatalf("source = %v, want backend", result.Source)
	}
	if len(result.Sessions) != 1 || result.Sessions[0].Name != "Remote" || !result.Sessions[0].ID.IsRemote() {
		t.Fatalf("sessions = %+v", result.Sessions)
	}
	if !result.Sessions[0].CreatedAt.Equal(at) {
		t.Fatalf("createdAt = %v, want %v", result.Sessions[0].CreatedAt, at)
	}
	if f.store.Len() != 1 {
		t.Fatalf("store len = %d, want 1", f.store.Len())
	}
}

func TestLoadCorruptBlobDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	at := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	good, _ := json.Marshal([]model.Message{{ID: "1", Content: "intact", Timestamp: at}})
	f.remote.Seed(credential, "Good", good, at)
	f.remote.Seed(credential, "Bad", json.RawMessage(`{"oops":true}`), at.Add(time.Minute))

	result, err := f.engine.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := shapes(result.Sessions)
	if len(got["Good"]) != 1 || got["Good"][0] != "intact" {
		t.Fatalf("good session = %v", got["Good"])
	}
	bad, ok := got["Bad"]
	if !ok || len(bad) != 0 {
		t.Fatalf("bad session = %v, %v; want present and empty", bad, ok)
	}
	for _, s := range result.Sessions {
		if s.Messages == nil {
			t.Fatalf("session %s has nil messages", s.Name)
		}
	}
}

func TestFlushThenLoadRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.store.Create()
	appendText(t, f.store, a.ID, "one")
	appendText(t, f.store, a.ID, "two")
	b := f.store.Create()
	appendText(t, f.store, b.ID, "three")
	f.store.Create()
	before := shapes(f.store.List())

	ok, err := f.engine.Flush(context.Background())
	if !ok || err != nil {
		t.Fatalf("flush = %v, %v", ok, err)
	}

	fresh := newFixtureWithCache(t, cache.NewMemory(), f.remote)
	result, err := fresh.engine.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	after := shapes(result.Sessions)
	if len(after) != len(before) {
		t.Fatalf("sessions = %d, want %d", len(after), len(before))
	}
	for name, contents := range before {
		got := after[name]
		if len(got) != len(contents) {
			t.Fatalf("%s messages = %v, want %v", name, got, contents)
		}
		for i := range contents {
			if got[i] != contents[i] {
				t.Fatalf("%s messages = %v, want %v", name, got, contents)
			}
		}
	}
}

func TestFlushTwiceCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.store.Create()
	appendText(t, f.store, a.ID, "hello")
	appendText(t, f.store, a.ID, "again")

	if ok, err := f.engine.Flush(context.Background()); !ok || err != nil {
		t.Fatalf("first flush = %v, %v", ok, err)
	}
	list := f.store.List()
	remoteID, isRemote := list[0].ID.Remote()
	if !isRemote {
		t.Fatalf("id after flush = %v, want remote", list[0].ID)
	}
	if f.remote.Creates != 1 || f.remote.Updates != 0 {
		t.Fatalf("creates/updates = %d/%d, want 1/0", f.remote.Creates, f.remote.Updates)
	}

	if ok, err := f.engine.Flush(context.Background()); !ok || err != nil {
		t.Fatalf("second flush = %v, %v", ok, err)
	}
	if f.remote.Creates != 1 || f.remote.Updates != 1 {
		t.Fatalf("creates/updates = %d/%d, want 1/1", f.remote.Creates, f.remote.Updates)
	}
	if n := f.remote.Count(credential); n != 1 {
		t.Fatalf("remote rows = %d, want 1", n)
	}
	if f.store.List()[0].ID != model.RemoteID(remoteID) {
		t.Fatalf("id changed on second flush: %v", f.store.List()[0].ID)
	}
}

func TestFlushRekeyKeepsCurrentSelection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.Create()
	current := f.store.Create()

	if ok, err := f.engine.Flush(context.Background()); !ok || err != nil {
		t.Fatalf("flush = %v, %v", ok, err)
	}
	got := f.store.Current()
	if !got.IsRemote() {
		t.Fatalf("current = %v, want remote id", got)
	}
	session, _ := f.store.Get(got)
	if session.Name != current.Name {
		t.Fatalf("current session = %q, want %q", session.Name, current.Name)
	}
}

func TestFlushPartialFailureContinuesBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.Create()
	failing := f.store.Create()
	f.store.Create()
	f.remote.CreateErr = func(in remote.SessionInput) error {
		if in.Name == failing.Name {
			return apperrors.New(apperrors.CodeTransport, "boom")
		}
		return nil
	}

	ok, err := f.engine.Flush(context.Background())
	if ok {
		t.Fatal("expected partial failure")
	}
	if !apperrors.HasCode(err, apperrors.CodePartialFailure) {
		t.Fatalf("err = %v, want PARTIAL_FAILURE", err)
	}
	if f.remote.Creates != 2 {
		t.Fatalf("creates = %d, want 2", f.remote.Creates)
	}
	list := f.store.List()
	if !list[0].ID.IsRemote() || list[1].ID.IsRemote() || !list[2].ID.IsRemote() {
		t.Fatalf("ids = %v %v %v", list[0].ID, list[1].ID, list[2].ID)
	}

	f.remote.CreateErr = nil
	if ok, err := f.engine.Flush(context.Background()); !ok || err != nil {
		t.Fatalf("retry flush = %v, %v", ok, err)
	}
	if n := f.remote.Count(credential); n != 3 {
		t.Fatalf("remote rows = %d, want 3", n)
	}
}

func TestFlushSurfacesAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.Create()
	f.remote.CreateErr = func(remote.SessionInput) error {
		return apperrors.New(apperrors.CodeAuth, "token expired")
	}

	ok, err := f.engine.Flush(context.Background())
	if ok {
		t.Fatal("expected failure")
	}
	if !apperrors.HasCode(err, apperrors.CodeAuth) {
		t.Fatalf("err = %v, want AUTH in chain", err)
	}
}

func TestFlushUpdateNotFoundIsWarningOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.Replace([]model.ChatSession{{ID: model.RemoteID(404), Name: "gone", Messages: []model.Message{}}})

	ok, err := f.engine.Flush(context.Background())
	if !ok || err != nil {
		t.Fatalf("flush = %v, %v", ok, err)
	}
}

type gatedRemote struct {
	*remotetest.Store
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	gate     chan struct{}
}

func (g *gatedRemote) Create(ctx context.Context, cred string, in remote.SessionInput) (remote.RemoteSession, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	<-g.gate
	return g.Store.Create(ctx, cred, in)
}

func TestFlushIsSerialized(t *testing.T) {
	t.Parallel()

	rs := &gatedRemote{Store: remotetest.New(), gate: make(chan struct{})}
	store := sessionstore.New(sessionstore.Config{})
	engine, err := New(Config{Store: store, Remote: rs, Credential: credential})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	store.Create()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Flush(context.Background())
		}()
	}
	// Release the one create the first flush performs; later flushes only
	// update.
	close(rs.gate)
	wg.Wait()

	if got := rs.maxSeen.Load(); got > 1 {
		t.Fatalf("concurrent creates = %d, want 1", got)
	}
	if n := rs.Count(credential); n != 1 {
		t.Fatalf("remote rows = %d, want 1", n)
	}
}

func TestDeleteRemoteFailureStillRemovesLocally(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.store.Create()
	if ok, err := f.engine.Flush(context.Background()); !ok || err != nil {
		t.Fatalf("flush = %v, %v", ok, err)
	}
	remoteID := f.store.List()[0].ID
	if remoteID == a.ID {
		t.Fatal("expected rekey")
	}
	f.remote.DeleteErr = func(uint64) error {
		return apperrors.New(apperrors.CodeTransport, "offline")
	}

	err := f.engine.Delete(context.Background(), remoteID)
	if !apperrors.HasCode(err, apperrors.CodeTransport) {
		t.Fatalf("err = %v, want TRANSPORT", err)
	}
	if len(f.store.List()) != 0 {
		t.Fatalf("list = %+v, want empty", f.store.List())
	}
	if n := f.remote.Count(credential); n != 1 {
		t.Fatalf("remote rows = %d, want orphan kept", n)
	}
}

func TestDeleteLocalSessionSkipsRemote(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.store.Create()
	if err := f.engine.Delete(context.Background(), a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.remote.Deletes != 0 {
		t.Fatalf("remote deletes = %d, want 0", f.remote.Deletes)
	}
	if err := f.engine.Delete(context.Background(), a.ID); !apperrors.HasCode(err, apperrors.CodeSessionNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestLogoutClearsOnlyAfterFullSave(t *testing.T) {
	t.Parallel()

	t.Run("success clears memory and cache", func(t *testing.T) {
		f := newFixture(t)
		s := f.store.Create()
		appendText(t, f.store, s.ID, "bye")

		ok, err := f.engine.Logout(context.Background())
		if !ok || err != nil {
			t.Fatalf("logout = %v, %v", ok, err)
		}
		if f.store.Len() != 0 {
			t.Fatalf("store len = %d, want 0", f.store.Len())
		}
		records, _ := f.cache.Load()
		if len(records) != 0 {
			t.Fatalf("cache records = %d, want 0", len(records))
		}
	})

	t.Run("failure keeps cache for next start", func(t *testing.T) {
		f := newFixture(t)
		s := f.store.Create()
		appendText(t, f.store, s.ID, "unsaved")
		f.remote.CreateErr = func(remote.SessionInput) error {
			return apperrors.New(apperrors.CodeTransport, "offline")
		}

		ok, err := f.engine.Logout(context.Background())
		if ok || !apperrors.HasCode(err, apperrors.CodePartialFailure) {
			t.Fatalf("logout = %v, %v", ok, err)
		}
		records, _ := f.cache.Load()
		if len(records) != 1 || records[0].Session.Messages[0].Content != "unsaved" {
			t.Fatalf("cache records = %+v", records)
		}
	})
}

func TestStoreMutationsRunThroughApply(t *testing.T) {
	t.Parallel()

	store := sessionstore.New(sessionstore.Config{})
	rs := remotetest.New()
	var applied atomic.Int32
	engine, err := New(Config{
		Store:      store,
		Remote:     rs,
		Credential: credential,
		Apply: func(_ context.Context, fn func()) error {
			applied.Add(1)
			fn()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	a := store.Create()
	store.Create()
	if ok, err := engine.Flush(context.Background()); !ok || err != nil {
		t.Fatalf("flush = %v, %v", ok, err)
	}
	if got := applied.Load(); got != 2 {
		t.Fatalf("applied after flush = %d, want one per rekey", got)
	}
	remoteA, ok := store.Resolve(a.ID)
	if !ok {
		t.Fatal("first session lost after flush")
	}
	if err := engine.Delete(context.Background(), remoteA); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err := engine.Logout(context.Background()); !ok || err != nil {
		t.Fatalf("logout = %v, %v", ok, err)
	}
	if got := applied.Load(); got != 4 {
		t.Fatalf("applied after delete and logout = %d, want 4", got)
	}
}

func TestFlushCountsRejectedApplyAsFailure(t *testing.T) {
	t.Parallel()

	store := sessionstore.New(sessionstore.Config{})
	engine, err := New(Config{
		Store:      store,
		Remote:     remotetest.New(),
		Credential: credential,
		Apply: func(context.Context, func()) error {
			return apperrors.New(apperrors.CodeTransport, "owner stopped")
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	s := store.Create()

	ok, err := engine.Flush(context.Background())
	if ok || !apperrors.HasCode(err, apperrors.CodePartialFailure) {
		t.Fatalf("flush = %v, %v", ok, err)
	}
	if _, found := store.Get(s.ID); !found {
		t.Fatal("session should keep its local id when the rekey is rejected")
	}
}
