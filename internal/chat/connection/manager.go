// Package connection maintains the client's relay connection: it dials with
// an injected credential, retries a bounded number of times and reports
// connection events to a single handler.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/chatrelay/internal/chat/model"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
)

// DefaultMaxAttempts is the number of consecutive failed connection
// attempts after which the manager stops retrying.
const DefaultMaxAttempts = 5

// ErrNotConnected is returned by Send when there is no live connection.
var ErrNotConnected = apperrors.New(apperrors.CodeNotConnected, "relay is not connected")

// EventKind classifies an Event.
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventError
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to Config.OnEvent.
//
// EventDisconnect fires once per connection. Err is nil for a clean close
// and TRANSPORT coded for network loss. EventError with Terminal set means
// retries are exhausted (or the credential was rejected) and the manager is
// idle until Connect is called again. EventError without Terminal reports a
// frame the relay rejected; the connection stays up.
type Event struct {
	Kind     EventKind
	Payload  model.Payload
	Err      error
	Terminal bool
	Epoch    uint64
}

// Config configures a Manager.
type Config struct {
	Dialer Dialer
	// Credential, when set, starts the first connection attempt during New.
	Credential  string
	MaxAttempts int
	RetryDelay  time.Duration
	// OnEvent receives every event in order. It must not block or call
	// back into the Manager.
	OnEvent func(Event)
	Logger  *slog.Logger
}

// Manager owns at most one live transport. All methods are safe for
// concurrent use.
type Manager struct {
	dialer      Dialer
	maxAttempts int
	backoff     backoff.BackOff
	onEvent     func(Event)
	logger      *slog.Logger

	mu         sync.Mutex
	state      model.ConnectionState
	epoch      uint64
	credential string
	transport  Transport
	attempts   int
	timer      *time.Timer
	cancelDial context.CancelFunc
	closed     bool

	// emitMu orders event and state delivery and lets Close wait for an
	// in-flight delivery to finish.
	emitMu      sync.Mutex
	published   model.ConnectionState
	observers   map[int]func(model.ConnectionState)
	nextObserve int
}

// New validates cfg and, when cfg.Credential is set, starts connecting.
func New(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("connection: dialer is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = timeouts.ReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dialer:      cfg.Dialer,
		maxAttempts: maxAttempts,
		backoff:     backoff.NewConstantBackOff(delay),
		onEvent:     cfg.OnEvent,
		logger:      logger,
		observers:   make(map[int]func(model.ConnectionState)),
	}
	if cfg.Credential != "" {
		m.Connect(cfg.Credential)
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for state changes. The returned function removes
// the subscription.
func (m *Manager) Subscribe(fn func(model.ConnectionState)) func() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	key := m.nextObserve
	m.nextObserve++
	m.observers[key] = fn
	return func() {
		m.emitMu.Lock()
		defer m.emitMu.Unlock()
		delete(m.observers, key)
	}
}

// Connect starts a new connect cycle with credential, dropping any current
// connection or pending retry. It returns immediately.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	m.credential = credential
	previous, wasConnected := m.detachLocked()
	m.attempts = 0
	m.backoff.Reset()
	m.state = model.Connecting
	m.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	if wasConnected {
		m.emit(Event{Kind: EventDisconnect, Epoch: epoch})
	}
	m.publishState()
	go m.attempt(epoch)
}

// Disconnect closes the current connection without reconnecting. A live
// connection reports one clean EventDisconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	previous, wasConnected := m.detachLocked()
	m.state = model.Disconnected
	m.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	if wasConnected {
		m.emit(Event{Kind: EventDisconnect, Epoch: epoch})
	}
	m.publishState()
}

// Close tears the manager down. It cancels pending retries, closes the
// transport before returning and guarantees no event is delivered after it
// returns. A live connection reports its clean EventDisconnect first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.epoch++
	epoch := m.epoch
	previous, wasConnected := m.detachLocked()
	m.state = model.Disconnected
	m.mu.Unlock()

	var err error
	if previous != nil {
		err = previous.Close()
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if wasConnected && m.onEvent != nil {
		m.onEvent(Event{Kind: EventDisconnect, Epoch: epoch})
	}
	if m.published != model.Disconnected {
		m.published = model.Disconnected
		for _, fn := range m.observers {
			fn(model.Disconnected)
		}
	}
	m.observers = make(map[int]func(model.ConnectionState))
	return err
}

// Send writes payload on the live connection.
func (m *Manager) Send(ctx context.Context, payload model.Payload) error {
	m.mu.Lock()
	transport := m.transport
	connected := m.state == model.Connected
	m.mu.Unlock()
	if !connected || transport == nil {
		return ErrNotConnected
	}
	return transport.Send(ctx, payload)
}

// detachLocked stops timers and pending dials and takes the transport.
func (m *Manager) detachLocked() (Transport, bool) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	previous := m.transport
	m.transport = nil
	return previous, m.state == model.Connected
}

func (m *Manager) attempt(epoch uint64) {
	m.mu.Lock()
	if m.closed || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Dial)
	m.cancelDial = cancel
	credential := m.credential
	m.state = model.Connecting
	m.mu.Unlock()
	m.publishState()

	transport, err := m.dialer.Dial(ctx, credential)
	cancel()

	m.mu.Lock()
	if m.closed || epoch != m.epoch {
		m.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.attempts++
		attempts := m.attempts
		m.state = model.Disconnected
		terminal := apperrors.HasCode(err, apperrors.CodeAuth) || attempts >= m.maxAttempts
		if !terminal {
			m.timer = time.AfterFunc(m.backoff.NextBackOff(), func() { m.attempt(epoch) })
		}
		m.mu.Unlock()
		m.publishState()

		m.logger.Warn("relay connect attempt failed", "attempt", attempts, "max_attempts", m.maxAttempts, "error", err)
		if terminal {
			if !apperrors.HasCode(err, apperrors.CodeAuth) {
				err = apperrors.WrapWithMetadata(apperrors.CodeTransport, "relay unreachable",
					map[string]string{"attempts": fmt.Sprint(attempts)}, err)
			}
			m.emit(Event{Kind: EventError, Err: err, Terminal: true, Epoch: epoch})
		}
		return
	}

	m.transport = transport
	m.attempts = 0
	m.backoff.Reset()
	m.state = model.Connected
	m.mu.Unlock()

	m.publishState()
	m.emit(Event{Kind: EventConnect, Epoch: epoch})
	go m.readLoop(epoch, transport)
}

func (m *Manager) readLoop(epoch uint64, transport Transport) {
	for {
		inbound, err := transport.Receive()
		if err != nil {
			m.lost(epoch, transport, err)
			return
		}
		if inbound.Err != nil {
			m.emit(Event{Kind: EventError, Err: inbound.Err, Epoch: epoch})
			continue
		}
		m.emit(Event{Kind: EventMessage, Payload: inbound.Payload, Epoch: epoch})
	}
}

// lost handles the end of a connection the manager did not close itself
// and starts a new retry cycle.
func (m *Manager) lost(epoch uint64, transport Transport, cause error) {
	m.mu.Lock()
	if m.closed || epoch != m.epoch || m.transport != transport {
		m.mu.Unlock()
		return
	}
	m.epoch++
	next := m.epoch
	m.transport = nil
	m.state = model.Disconnected
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()

	_ = transport.Close()
	var err error
	if !errors.Is(cause, io.EOF) {
		err = apperrors.Wrap(apperrors.CodeTransport, "relay connection lost", cause)
		m.logger.Warn("relay connection lost", "error", cause)
	}
	m.publishState()
	m.emit(Event{Kind: EventDisconnect, Err: err, Epoch: next})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.epoch != next {
		return
	}
	m.timer = time.AfterFunc(m.backoff.NextBackOff(), func() { m.attempt(next) })
}

// emit delivers ev when its epoch is current and the manager is open.
func (m *Manager) emit(ev Event) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	live := !m.closed && ev.Epoch == m.epoch
	m.mu.Unlock()
	if live && m.onEvent != nil {
		m.onEvent(ev)
	}
}

// publishState notifies observers of the latest state if it changed since
// the last notification.
func (m *Manager) publishState() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	state := m.state
	closed := m.closed
	m.mu.Unlock()
	if closed || state == m.published {
		return
	}
	m.published = state
	for _, fn := range m.observers {
		fn(state)
	}
}
