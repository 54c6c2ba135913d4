// Package client is the chat client runtime. A single owner loop applies
// every session mutation coming from the user and from the relay, so the
// messages of a session are stored in arrival order.
package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/louisbranch/chatrelay/internal/chat/connection"
	"github.com/louisbranch/chatrelay/internal/chat/model"
	"github.com/louisbranch/chatrelay/internal/chat/remote"
	"github.com/louisbranch/chatrelay/internal/chat/sessionstore"
	"github.com/louisbranch/chatrelay/internal/chat/syncengine"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
)

// MaxContentRunes matches the relay's message size limit.
const MaxContentRunes = 2000

// ErrClosed is returned by commands issued after Close or Logout.
var ErrClosed = errors.New("client: closed")

// Config wires a Client.
type Config struct {
	Context *Context
	Remote  remote.Store
	Dialer  connection.Dialer

	// AutoSaveInterval, when positive, flushes on a ticker while running.
	AutoSaveInterval time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	Now              func() time.Time
}

// Client is one logged-in chat user.
type Client struct {
	cctx   *Context
	store  *sessionstore.Store
	engine *syncengine.Engine
	conn   *connection.Manager
	now    func() time.Time

	autoSave time.Duration
	queue    *queue
	done     chan struct{}
	stopOnce sync.Once
	bg       sync.WaitGroup
	// loopExit closes when Run returns; queued work is never drained after.
	loopExit chan struct{}
	exitOnce sync.Once
	// closing rejects new commands while Logout flushes.
	closing atomic.Bool

	errMu       sync.Mutex
	errObserver map[int]func(error)
	nextErrObs  int
}

// New builds a client. Nothing touches the network until Start.
func New(cfg Config) (*Client, error) {
	if cfg.Context == nil {
		return nil, errors.New("client: context is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("client: remote store is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		cctx:        cfg.Context,
		now:         now,
		autoSave:    cfg.AutoSaveInterval,
		queue:       newQueue(),
		done:        make(chan struct{}),
		loopExit:    make(chan struct{}),
		errObserver: make(map[int]func(error)),
	}
	c.store = sessionstore.New(sessionstore.Config{
		Cache:  cfg.Context.Cache(),
		Logger: cfg.Context.Logger(),
		Now:    now,
	})
	engine, err := syncengine.New(syncengine.Config{
		Store:      c.store,
		Remote:     cfg.Remote,
		Credential: cfg.Context.Credential(),
		Logger:     cfg.Context.Logger(),
		Apply:      c.apply,
	})
	if err != nil {
		return nil, err
	}
	c.engine = engine
	conn, err := connection.New(connection.Config{
		Dialer:      cfg.Dialer,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		OnEvent:     c.onConnectionEvent,
		Logger:      cfg.Context.Logger(),
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Run is the owner loop. It returns when ctx ends or the client is closed.
// Every session mutation, including the sync engine's, executes here.
func (c *Client) Run(ctx context.Context) error {
	defer c.exitOnce.Do(func() { close(c.loopExit) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-c.queue.ready:
			for _, fn := range c.queue.drain() {
				fn()
			}
		}
	}
}

// Start loads sessions, guarantees at least one exists and opens the relay
// connection. A remote load failure is returned alongside a usable result
// and published to error subscribers.
func (c *Client) Start(ctx context.Context) (model.SyncResult, error) {
	if c.isClosed() {
		return model.SyncResult{}, ErrClosed
	}
	result, loadErr := c.engine.Load(ctx)
	if err := c.run(ctx, func() error {
		result = c.engine.EnsureSession(result)
		return nil
	}); err != nil {
		return result, err
	}
	if loadErr != nil {
		c.publishError(loadErr)
	}
	c.conn.Connect(c.cctx.Credential())
	if c.autoSave > 0 {
		c.bg.Add(1)
		go c.autoSaveLoop()
	}
	return result, loadErr
}

// SendMessage appends content to the current session and relays it. The
// message stays in the session when the relay is unreachable; the send
// error is returned.
func (c *Client) SendMessage(ctx context.Context, content string) (model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "message is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return model.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "message is too long")
	}

	var (
		msg     model.Message
		sendErr error
	)
	err := c.do(ctx, func() error {
		target := c.store.Current()
		if target.IsZero() {
			target = c.store.Create().ID
		}
		msg = model.NewMessage(content, true, c.now())
		if _, err := c.store.Append(target, msg); err != nil {
			return err
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeouts.Write)
		defer cancel()
		sendErr = c.conn.Send(sendCtx, model.Payload{
			Content:    msg.Content,
			Timestamp:  msg.Timestamp,
			IsFromUser: true,
			SessionID:  target.String(),
		})
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	if sendErr != nil {
		c.publishError(sendErr)
	}
	return msg, sendErr
}

// NewSession creates an empty session and selects it.
func (c *Client) NewSession(ctx context.Context) (model.ChatSession, error) {
	var session model.ChatSession
	err := c.do(ctx, func() error {
		session = c.store.Create()
		return nil
	})
	return session, err
}

// SelectSession makes an existing session current.
func (c *Client) SelectSession(ctx context.Context, id model.SessionID) error {
	return c.do(ctx, func() error {
		return c.store.SetCurrent(id)
	})
}

// DeleteSession removes a session locally and remotely. When it was the
// last session a fresh one is created so the list is never empty.
func (c *Client) DeleteSession(ctx context.Context, id model.SessionID) error {
	if c.isClosed() {
		return ErrClosed
	}
	err := c.engine.Delete(ctx, id)
	if apperrors.HasCode(err, apperrors.CodeSessionNotFound) {
		return err
	}
	if err != nil {
		c.publishError(err)
	}
	if ensureErr := c.do(ctx, func() error {
		if c.store.Len() == 0 {
			c.store.Create()
		}
		return nil
	}); ensureErr != nil && err == nil {
		err = ensureErr
	}
	return err
}

// Save flushes every session to the remote store.
func (c *Client) Save(ctx context.Context) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	ok, err := c.engine.Flush(ctx)
	if err != nil {
		c.publishError(err)
	}
	return ok, err
}

// Logout closes the relay connection, flushes and waits for the flush. The
// local sessions and cache are cleared only when the flush fully succeeded.
// New commands are refused from the start; the client and its Context are
// closed either way.
func (c *Client) Logout(ctx context.Context) (bool, error) {
	if c.isClosed() || !c.closing.CompareAndSwap(false, true) {
		return false, ErrClosed
	}
	_ = c.conn.Close()
	ok, err := c.engine.Logout(ctx)
	c.stop()
	if closeErr := c.cctx.Close(); closeErr != nil {
		c.cctx.Logger().Warn("close session cache", "error", closeErr)
	}
	return ok, err
}

// Close stops the client without flushing. The Context stays open.
func (c *Client) Close() error {
	c.stop()
	return nil
}

// Sessions returns the session list.
func (c *Client) Sessions() []model.ChatSession {
	return c.store.List()
}

// Current returns the current session.
func (c *Client) Current() (model.ChatSession, bool) {
	return c.store.Get(c.store.Current())
}

// State returns the relay connection state.
func (c *Client) State() model.ConnectionState {
	return c.conn.State()
}

// SubscribeSessions observes the session list.
func (c *Client) SubscribeSessions(fn func([]model.ChatSession)) func() {
	return c.store.Subscribe(fn)
}

// SubscribeState observes the relay connection state.
func (c *Client) SubscribeState(fn func(model.ConnectionState)) func() {
	return c.conn.Subscribe(fn)
}

// SubscribeErrors observes transport, auth and save errors.
func (c *Client) SubscribeErrors(fn func(error)) func() {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	key := c.nextErrObs
	c.nextErrObs++
	c.errObserver[key] = fn
	return func() {
		c.errMu.Lock()
		defer c.errMu.Unlock()
		delete(c.errObserver, key)
	}
}

func (c *Client) onConnectionEvent(ev connection.Event) {
	c.queue.push(func() { c.handleEvent(ev) })
}

func (c *Client) handleEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventMessage:
		c.appendReply(ev.Payload)
	case connection.EventError:
		c.publishError(ev.Err)
	case connection.EventDisconnect:
		if ev.Err != nil {
			c.publishError(ev.Err)
		}
	}
}

// appendReply stores a relayed message in the session it was sent from,
// following a local-to-remote rekey that happened while the reply was in
// flight. It falls back to the current session when the origin is gone.
func (c *Client) appendReply(payload model.Payload) {
	target := model.SessionID{}
	if payload.SessionID != "" {
		if id, err := model.ParseSessionID(payload.SessionID); err == nil {
			if resolved, ok := c.store.Resolve(id); ok {
				target = resolved
			}
		}
	}
	if target.IsZero() {
		target = c.store.Current()
	}
	if target.IsZero() {
		target = c.store.Create().ID
	}
	at := payload.Timestamp
	if at.IsZero() {
		at = c.now()
	}
	if _, err := c.store.Append(target, model.NewMessage(payload.Content, false, at)); err != nil {
		c.cctx.Logger().Warn("drop relayed message", "session_id", target.String(), "error", err)
	}
}

func (c *Client) autoSaveLoop() {
	defer c.bg.Done()
	ticker := time.NewTicker(c.autoSave)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeouts.RemoteRequest)
			_, _ = c.Save(ctx)
			cancel()
		}
	}
}

// do runs a user command on the owner loop and waits for it.
func (c *Client) do(ctx context.Context, fn func() error) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.run(ctx, fn)
}

// apply runs a sync engine mutation on the owner loop. Unlike do it is
// accepted while Logout is flushing.
func (c *Client) apply(ctx context.Context, fn func()) error {
	return c.run(ctx, func() error {
		fn()
		return nil
	})
}

func (c *Client) run(ctx context.Context, fn func() error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	result := make(chan error, 1)
	c.queue.push(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
	case <-c.loopExit:
	}
	select {
	case err := <-result:
		return err
	default:
		return ErrClosed
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
		c.bg.Wait()
	})
}

func (c *Client) isClosed() bool {
	if c.closing.Load() {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) publishError(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	observers := make([]func(error), 0, len(c.errObserver))
	for _, fn := range c.errObserver {
		observers = append(observers, fn)
	}
	c.errMu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}
