package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/chatrelay/internal/chat/model"
	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/relay/api/frames"
)

// Inbound is one frame received from the relay: either a relayed message or
// a relay-side rejection.
type Inbound struct {
	Payload model.Payload
	Err     error
}

// Transport is an established relay connection.
type Transport interface {
	Send(ctx context.Context, payload model.Payload) error
	// Receive blocks for the next inbound frame. It returns io.EOF after a
	// clean close by the peer.
	Receive() (Inbound, error)
	Close() error
}

// Dialer opens transports with a bearer credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Transport, error)
}

// WebSocketDialer dials the relay's /ws endpoint.
type WebSocketDialer struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8090/ws".
	URL string
	// Origin defaults to URL with an http(s) scheme.
	Origin string
}

// Dial performs the WebSocket handshake with an Authorization header. A
// handshake answered with anything but 101 is reported as AUTH, since the
// relay rejects credentials before upgrading.
func (d WebSocketDialer) Dial(ctx context.Context, credential string) (Transport, error) {
	origin := strings.TrimSpace(d.Origin)
	if origin == "" {
		origin = "http" + strings.TrimPrefix(d.URL, "ws")
	}
	cfg, err := websocket.NewConfig(d.URL, origin)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "relay url", err)
	}
	cfg.Header = make(http.Header)
	authtoken.SetBearer(cfg.Header, credential)

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		if isBadStatus(err) {
			return nil, apperrors.Wrap(apperrors.CodeAuth, "relay rejected handshake", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeTransport, "dial relay", err)
	}
	return newWSTransport(conn), nil
}

func isBadStatus(err error) bool {
	if errors.Is(err, websocket.ErrBadStatus) {
		return true
	}
	var dialErr *websocket.DialError
	return errors.As(err, &dialErr) && dialErr.Err == websocket.ErrBadStatus
}

type wsTransport struct {
	conn    *websocket.Conn
	decoder *json.Decoder

	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		conn:    conn,
		decoder: json.NewDecoder(conn),
		encoder: json.NewEncoder(conn),
	}
}

func (t *wsTransport) Send(ctx context.Context, payload model.Payload) error {
	frame, err := frames.New(frames.TypeMessage, payload)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSerialization, "encode message", err)
	}

	deadline := time.Now().Add(timeouts.Write)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	if err := t.encoder.Encode(frame); err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "write message", err)
	}
	return nil
}

func (t *wsTransport) Receive() (Inbound, error) {
	for {
		var frame frames.Frame
		if err := t.decoder.Decode(&frame); err != nil {
			return Inbound{}, err
		}
		switch frame.Type {
		case frames.TypeMessage:
			var payload model.Payload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				return Inbound{Err: apperrors.Wrap(apperrors.CodeSerialization, "decode relayed message", err)}, nil
			}
			return Inbound{Payload: payload}, nil
		case frames.TypeError:
			var envelope frames.ErrorEnvelope
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				return Inbound{Err: apperrors.Wrap(apperrors.CodeSerialization, "decode relay error", err)}, nil
			}
			code := apperrors.Code(envelope.Error.Code)
			if code == "" {
				code = apperrors.CodeUnknown
			}
			return Inbound{Err: apperrors.New(code, fmt.Sprintf("relay: %s", envelope.Error.Message))}, nil
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
