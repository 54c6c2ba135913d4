// Package syncengine reconciles the local session store with the remote
// session store on load, flush, delete and logout.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/chatrelay/internal/chat/model"
	"github.com/louisbranch/chatrelay/internal/chat/remote"
	"github.com/louisbranch/chatrelay/internal/chat/sessionstore"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	platformotel "github.com/louisbranch/chatrelay/internal/platform/otel"
)

// Config wires an Engine.
type Config struct {
	Store      *sessionstore.Store
	Remote     remote.Store
	Credential string
	Logger     *slog.Logger
	// Apply runs fn, which mutates Store, on the goroutine that owns the
	// store. Nil runs fn on the calling goroutine.
	Apply func(ctx context.Context, fn func()) error
}

// Engine runs the reconciliation protocols. Flushes are serialized: a
// flush requested while another is running waits for it and then runs.
type Engine struct {
	store      *sessionstore.Store
	remote     remote.Store
	credential string
	logger     *slog.Logger
	tracer     trace.Tracer
	apply      func(context.Context, func()) error

	flushMu sync.Mutex
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncengine: session store is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("syncengine: remote store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	apply := cfg.Apply
	if apply == nil {
		apply = func(_ context.Context, fn func()) error {
			fn()
			return nil
		}
	}
	return &Engine{
		store:      cfg.Store,
		remote:     cfg.Remote,
		credential: cfg.Credential,
		logger:     logger,
		tracer:     platformotel.Tracer("chat/syncengine"),
		apply:      apply,
	}, nil
}

// Load seeds the session store. The remote list is authoritative when it
// returns sessions and replaces the local collection wholesale. When the
// remote call fails the durable local cache is used instead, and the
// returned error reports the remote failure. The result is always usable.
func (e *Engine) Load(ctx context.Context) (model.SyncResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.load")
	defer span.End()

	remoteSessions, err := e.remote.List(ctx, e.credential)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("remote session list failed, using local cache", "code", apperrors.CodeOf(err), "error", err)
		result := e.loadLocal(ctx)
		span.SetAttributes(attribute.String("sync.source", result.Source.String()))
		return result, err
	}
	if len(remoteSessions) == 0 {
		span.SetAttributes(attribute.String("sync.source", model.SourceEmpty.String()))
		return model.SyncResult{Source: model.SourceEmpty}, nil
	}

	sessions := make([]model.ChatSession, 0, len(remoteSessions))
	for _, rs := range remoteSessions {
		sessions = append(sessions, e.fromRemote(rs))
	}
	if err := e.apply(ctx, func() { e.store.Replace(sessions) }); err != nil {
		span.RecordError(err)
		return model.SyncResult{Source: model.SourceEmpty}, err
	}
	span.SetAttributes(
		attribute.String("sync.source", model.SourceBackend.String()),
		attribute.Int("sync.sessions", len(sessions)),
	)
	return model.SyncResult{Sessions: e.store.List(), Source: model.SourceBackend}, nil
}

func (e *Engine) loadLocal(ctx context.Context) model.SyncResult {
	var restoreErr error
	if err := e.apply(ctx, func() { _, restoreErr = e.store.Restore() }); err != nil {
		restoreErr = err
	}
	if restoreErr != nil {
		e.logger.Warn("session cache unreadable", "error", restoreErr)
	}
	if e.store.Len() == 0 {
		return model.SyncResult{Source: model.SourceEmpty}
	}
	return model.SyncResult{Sessions: e.store.List(), Source: model.SourceLocal}
}

func (e *Engine) fromRemote(rs remote.RemoteSession) model.ChatSession {
	messages, err := remote.DecodeMessages(rs.Messages)
	if err != nil {
		e.logger.Warn("remote session messages unreadable, loading empty",
			"code", apperrors.CodeSerialization,
			"remote_id", rs.ID,
			"error", err,
		)
		messages = []model.Message{}
	}
	createdAt := rs.SessionCreatedAt
	if createdAt.IsZero() {
		createdAt = rs.CreatedAt
	}
	return model.ChatSession{
		ID:        model.RemoteID(rs.ID),
		Name:      rs.Name,
		Messages:  messages,
		CreatedAt: createdAt.UTC(),
	}
}

// EnsureSession synthesizes exactly one new session when result is Empty
// and the store holds none. Other results are returned unchanged. It touches
// the store directly, so callers with an owner loop run it there.
func (e *Engine) EnsureSession(result model.SyncResult) model.SyncResult {
	if result.Source != model.SourceEmpty || e.store.Len() > 0 {
		return result
	}
	e.store.Create()
	result.Sessions = e.store.List()
	return result
}

// Flush writes every local session to the remote store, sequentially and in
// list order. Local sessions are created and re-keyed in place to their
// remote id; remote sessions are updated. One failing session does not stop
// the batch. Flush reports false with a PARTIAL_FAILURE error naming the
// failed sessions when any write failed. A credential rejection stays in the
// error chain so callers can detect AUTH.
func (e *Engine) Flush(ctx context.Context) (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "sync.flush")
	defer span.End()

	sessions := e.store.List()
	span.SetAttributes(attribute.Int("sync.sessions", len(sessions)))

	var (
		failed []string
		cause  error
	)
	for _, session := range sessions {
		err := e.flushOne(ctx, session)
		if err == nil {
			continue
		}
		e.logger.Warn("session save failed",
			"session_id", session.ID.String(),
			"code", apperrors.CodeOf(err),
			"error", err,
		)
		failed = append(failed, session.ID.String())
		if cause == nil || apperrors.HasCode(err, apperrors.CodeAuth) {
			cause = err
		}
	}

	if len(failed) == 0 {
		return true, nil
	}
	err := apperrors.WrapWithMetadata(
		apperrors.CodePartialFailure,
		fmt.Sprintf("%d of %d sessions failed to save", len(failed), len(sessions)),
		map[string]string{"failed": strings.Join(failed, ",")},
		cause,
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperrors.CodePartialFailure))
	return false, err
}

func (e *Engine) flushOne(ctx context.Context, session model.ChatSession) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "flush cancelled", err)
	}
	in := remote.InputFrom(session)

	if remoteID, ok := session.ID.Remote(); ok {
		_, err := e.remote.Update(ctx, e.credential, remoteID, in)
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			e.logger.Warn("remote session missing on update, skipped", "session_id", session.ID.String())
			return nil
		}
		return err
	}

	created, err := e.remote.Create(ctx, e.credential, in)
	if err != nil {
		return err
	}
	newID := model.RemoteID(created.ID)
	var rekeyErr error
	if err := e.apply(ctx, func() { rekeyErr = e.store.Rekey(session.ID, newID) }); err != nil {
		return fmt.Errorf("rekey session %s: %w", session.ID, err)
	}
	if rekeyErr != nil {
		if !apperrors.HasCode(rekeyErr, apperrors.CodeSessionNotFound) {
			return rekeyErr
		}
		// Removed locally while the create was in flight.
		e.logger.Warn("session removed during save, deleting remote copy",
			"session_id", session.ID.String(),
			"remote_id", created.ID,
		)
		if delErr := e.remote.Delete(ctx, e.credential, created.ID); delErr != nil {
			e.logger.Warn("remote cleanup failed", "remote_id", created.ID, "error", delErr)
		}
	}
	return nil
}

// Delete removes the session locally and, for remote sessions, from the
// remote store. A remote failure is returned but the local removal stands.
// A remote NOT_FOUND is logged and treated as done.
func (e *Engine) Delete(ctx context.Context, sessionID model.SessionID) error {
	var removeErr error
	if err := e.apply(ctx, func() { removeErr = e.store.Remove(sessionID) }); err != nil {
		return err
	}
	if removeErr != nil {
		return removeErr
	}
	remoteID, ok := sessionID.Remote()
	if !ok {
		return nil
	}
	err := e.remote.Delete(ctx, e.credential, remoteID)
	switch {
	case err == nil:
		return nil
	case apperrors.HasCode(err, apperrors.CodeNotFound):
		e.logger.Warn("remote session already gone", "session_id", sessionID.String())
		return nil
	default:
		e.logger.Warn("remote session delete failed", "session_id", sessionID.String(), "error", err)
		return err
	}
}

// Logout flushes and waits for the flush to finish. The local collection
// and the durable cache are cleared only when every session was saved;
// otherwise both are kept so unsaved work survives to the next start.
func (e *Engine) Logout(ctx context.Context) (bool, error) {
	ok, err := e.Flush(ctx)
	if !ok {
		e.logger.Warn("logout kept local sessions after incomplete save", "error", err)
		return false, err
	}
	if err := e.apply(ctx, e.store.Clear); err != nil {
		return false, err
	}
	return true, nil
}
