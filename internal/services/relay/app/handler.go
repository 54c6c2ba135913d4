package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/louisbranch/chatrelay/internal/chat/model"
	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/services/relay/api/frames"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFrameBytes          = maxFramePayloadBytes + 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageContentRunes = 2000
)

// Close reasons recorded in metrics.
const (
	closePeer         = "peer_closed"
	closeDecodeErrors = "decode_errors"
	closeRateLimited  = "rate_limited"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type handlerOptions struct {
	authenticator Authenticator
	now           func() time.Time
	metrics       *relayMetrics
}

// NewHandler creates relay routes without authentication.
func NewHandler() http.Handler {
	return newHandler(handlerOptions{})
}

// NewHandlerWithAuthenticator creates relay routes that require a valid
// bearer token before the WebSocket upgrade.
func NewHandlerWithAuthenticator(authenticator Authenticator) http.Handler {
	return newHandler(handlerOptions{authenticator: authenticator})
}

func newHandler(opts handlerOptions) http.Handler {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.metrics == nil {
		opts.metrics = newRelayMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", opts.metrics.handler())

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, opts.now, opts.metrics)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if opts.authenticator != nil {
			token := authtoken.BearerFromRequest(r)
			if token == "" {
				log.Printf("relay: websocket unauthorized: missing bearer token remote=%s", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			userID, err := opts.authenticator.Authenticate(r.Context(), token)
			if err != nil || strings.TrimSpace(userID) == "" {
				log.Printf("relay: websocket unauthorized: remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(authtoken.WithUserID(r.Context(), strings.TrimSpace(userID)))
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

// wsPeer serializes writes to one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame frames.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// handleWSConn runs one connection from Open to Closed. Each connection owns
// its peer, limiter and goroutine, so a failure here never reaches another
// connection.
func handleWSConn(conn *websocket.Conn, now func() time.Time, metrics *relayMetrics) {
	conn.MaxPayloadBytes = maxFrameBytes
	metrics.active.Inc()
	reason := closePeer
	defer func() {
		_ = conn.Close()
		metrics.active.Dec()
		metrics.closed.WithLabelValues(reason).Inc()
	}()

	userID := "anonymous"
	if request := conn.Request(); request != nil {
		if resolved := authtoken.UserIDFromContext(request.Context()); resolved != "" {
			userID = resolved
		}
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0

	reject := func(requestID string, code apperrors.Code, message string) {
		metrics.rejected.WithLabelValues(string(code)).Inc()
		_ = writeWSError(peer, requestID, code, message)
	}

	for {
		var frame frames.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			reject("", apperrors.CodeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				log.Printf("relay: closing connection user=%s: too many invalid frames: %v", userID, err)
				reason = closeDecodeErrors
				return
			}
			continue
		}
		decodeErrors = 0

		if !limiter.Allow() {
			reject(frame.RequestID, apperrors.CodeResourceExhausted, "rate limit exceeded")
			reason = closeRateLimited
			return
		}

		if len(frame.Payload) > maxFramePayloadBytes {
			reject(frame.RequestID, apperrors.CodeInvalidArgument, "payload too large")
			continue
		}

		switch frame.Type {
		case frames.TypeMessage:
			handleMessageFrame(peer, frame, now, metrics, reject)
		default:
			reject(frame.RequestID, apperrors.CodeInvalidArgument, "unsupported frame type")
		}
	}
}

// handleMessageFrame stamps the message as relayed and writes it back on
// the connection it arrived on.
func handleMessageFrame(peer *wsPeer, frame frames.Frame, now func() time.Time, metrics *relayMetrics, reject func(string, apperrors.Code, string)) {
	var payload model.Payload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		reject(frame.RequestID, apperrors.CodeInvalidArgument, "invalid message payload")
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		reject(frame.RequestID, apperrors.CodeInvalidArgument, "content is required")
		return
	}
	if utf8.RuneCountInString(payload.Content) > maxMessageContentRunes {
		reject(frame.RequestID, apperrors.CodeInvalidArgument, "content must be at most 2000 characters")
		return
	}

	reply, err := frames.New(frames.TypeMessage, model.Payload{
		Content:    payload.Content,
		Timestamp:  now().UTC(),
		IsFromUser: false,
		SessionID:  payload.SessionID,
	})
	if err != nil {
		log.Printf("relay: encode reply: %v", err)
		return
	}
	reply.RequestID = frame.RequestID
	if err := peer.writeFrame(reply); err != nil {
		return
	}
	metrics.relayed.Inc()
}

func writeWSError(peer *wsPeer, requestID string, code apperrors.Code, message string) error {
	frame, err := frames.New(frames.TypeError, frames.ErrorEnvelope{
		Error: frames.Error{
			Code:      string(code),
			Message:   message,
			Retryable: code.Retryable(),
		},
	})
	if err != nil {
		return err
	}
	frame.RequestID = requestID
	return peer.writeFrame(frame)
}
