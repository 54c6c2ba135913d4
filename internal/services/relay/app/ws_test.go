package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/chatrelay/internal/chat/model"
	"github.com/louisbranch/chatrelay/internal/services/relay/api/frames"
)

type fakeAuthenticator struct {
	userID  string
	authErr error
}

func (f fakeAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	if token != "good-token" {
		return "", errors.New("unknown token")
	}
	return f.userID, nil
}

type wsClient struct {
	conn    *websocket.Conn
	decoder *json.Decoder
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestServer(t *testing.T, opts handlerOptions) *httptest.Server {
	t.Helper()
	if opts.now == nil {
		opts.now = fixedNow
	}
	srv := httptest.NewServer(newHandler(opts))
	t.Cleanup(srv.Close)
	return srv
}

func dialWSWithServerURL(httpURL string, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DialConfig(cfg)
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *wsClient {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, token)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &wsClient{conn: conn, decoder: json.NewDecoder(conn)}
}

func (c *wsClient) write(t *testing.T, frame any) {
	t.Helper()
	if err := websocket.JSON.Send(c.conn, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func (c *wsClient) read(t *testing.T) frames.Frame {
	t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got frames.Frame
	if err := c.decoder.Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func messageFrame(t *testing.T, requestID string, payload model.Payload) frames.Frame {
	t.Helper()
	frame, err := frames.New(frames.TypeMessage, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	frame.RequestID = requestID
	return frame
}

func decodeError(t *testing.T, frame frames.Frame) frames.Error {
	t.Helper()
	if frame.Type != frames.TypeError {
		t.Fatalf("frame type = %q, want %q", frame.Type, frames.TypeError)
	}
	var envelope frames.ErrorEnvelope
	if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return envelope.Error
}

func TestWSRelaysMessageAsReply(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})
	client := dialWS(t, srv, "")

	sent := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	client.write(t, messageFrame(t, "req-1", model.Payload{
		Content:    "hello",
		Timestamp:  sent,
		IsFromUser: true,
		SessionID:  "local:abc",
	}))

	got := client.read(t)
	if got.Type != frames.TypeMessage {
		t.Fatalf("frame type = %q, want %q", got.Type, frames.TypeMessage)
	}
	if got.RequestID != "req-1" {
		t.Fatalf("request id = %q, want req-1", got.RequestID)
	}
	var reply model.Payload
	if err := json.Unmarshal(got.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Content != "hello" {
		t.Fatalf("content = %q, want hello", reply.Content)
	}
	if reply.IsFromUser {
		t.Fatal("expected reply to be marked as not from user")
	}
	if !reply.Timestamp.Equal(fixedNow()) {
		t.Fatalf("timestamp = %v, want relay clock %v", reply.Timestamp, fixedNow())
	}
	if reply.SessionID != "local:abc" {
		t.Fatalf("session id = %q, want local:abc", reply.SessionID)
	}
}

func TestWSRelaysOnlyToSender(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})
	alice := dialWS(t, srv, "")
	bob := dialWS(t, srv, "")

	alice.write(t, messageFrame(t, "a", model.Payload{Content: "from alice", IsFromUser: true}))
	if got := alice.read(t); got.RequestID != "a" {
		t.Fatalf("alice request id = %q, want a", got.RequestID)
	}

	bob.write(t, messageFrame(t, "b", model.Payload{Content: "from bob", IsFromUser: true}))
	got := bob.read(t)
	var reply model.Payload
	if err := json.Unmarshal(got.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Content != "from bob" {
		t.Fatalf("bob received %q, want his own message", reply.Content)
	}
}

func TestWSRejectsInvalidMessages(t *testing.T) {
	tests := []struct {
		name    string
		payload model.Payload
	}{
		{name: "empty content", payload: model.Payload{Content: "   "}},
		{name: "content too long", payload: model.Payload{Content: strings.Repeat("é", maxMessageContentRunes+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, handlerOptions{})
			client := dialWS(t, srv, "")

			client.write(t, messageFrame(t, "bad", tt.payload))
			wsErr := decodeError(t, client.read(t))
			if wsErr.Code != "INVALID_ARGUMENT" {
				t.Fatalf("code = %q, want INVALID_ARGUMENT", wsErr.Code)
			}
			if wsErr.Retryable {
				t.Fatal("expected invalid argument to be non-retryable")
			}

			client.write(t, messageFrame(t, "ok", model.Payload{Content: "still open"}))
			if got := client.read(t); got.Type != frames.TypeMessage {
				t.Fatalf("frame type = %q, want connection to stay open", got.Type)
			}
		})
	}
}

func TestWSAcceptsMaxLengthContent(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})
	client := dialWS(t, srv, "")

	client.write(t, messageFrame(t, "max", model.Payload{Content: strings.Repeat("a", maxMessageContentRunes)}))
	if got := client.read(t); got.Type != frames.TypeMessage {
		t.Fatalf("frame type = %q, want message", got.Type)
	}
}

func TestWSRejectsUnsupportedFrameType(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})
	client := dialWS(t, srv, "")

	client.write(t, map[string]any{"type": "typing", "request_id": "t-1", "payload": map[string]any{}})
	got := client.read(t)
	if got.RequestID != "t-1" {
		t.Fatalf("request id = %q, want t-1", got.RequestID)
	}
	if wsErr := decodeError(t, got); wsErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code = %q, want INVALID_ARGUMENT", wsErr.Code)
	}
}

func TestWSClosesAfterRepeatedDecodeErrors(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})
	client := dialWS(t, srv, "")

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		client.write(t, map[string]any{"type": 7})
		if wsErr := decodeError(t, client.read(t)); wsErr.Code != "INVALID_ARGUMENT" {
			t.Fatalf("code = %q, want INVALID_ARGUMENT", wsErr.Code)
		}
	}

	_ = client.conn.SetDeadline(time.Now().Add(2 * time.Second))
	var extra frames.Frame
	if err := client.decoder.Decode(&extra); !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection closed, got frame %+v err %v", extra, err)
	}
}

func TestWSClosesWhenRateLimited(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})
	client := dialWS(t, srv, "")

	go func() {
		for i := 0; i < maxFramesPerSecond*2; i++ {
			frame, _ := frames.New(frames.TypeMessage, model.Payload{Content: "spam"})
			if err := websocket.JSON.Send(client.conn, frame); err != nil {
				return
			}
		}
	}()

	for {
		got := client.read(t)
		if got.Type == frames.TypeMessage {
			continue
		}
		wsErr := decodeError(t, got)
		if wsErr.Code != "RESOURCE_EXHAUSTED" {
			t.Fatalf("code = %q, want RESOURCE_EXHAUSTED", wsErr.Code)
		}
		if !wsErr.Retryable {
			t.Fatal("expected rate limit error to be retryable")
		}
		return
	}
}

func TestWSRejectsOversizedPayload(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})
	client := dialWS(t, srv, "")

	client.write(t, map[string]any{
		"type":       frames.TypeMessage,
		"request_id": "big",
		"payload":    map[string]any{"content": "x", "padding": strings.Repeat("p", maxFramePayloadBytes)},
	})
	if wsErr := decodeError(t, client.read(t)); wsErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code = %q, want INVALID_ARGUMENT", wsErr.Code)
	}
}

func TestWSAuthentication(t *testing.T) {
	srv := newTestServer(t, handlerOptions{authenticator: fakeAuthenticator{userID: "user-1"}})

	if conn, err := dialWSWithServerURL(srv.URL, ""); err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake without token to fail")
	}
	if conn, err := dialWSWithServerURL(srv.URL, "bad-token"); err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake with bad token to fail")
	}

	client := dialWS(t, srv, "good-token")
	client.write(t, messageFrame(t, "auth", model.Payload{Content: "hi"}))
	if got := client.read(t); got.Type != frames.TypeMessage {
		t.Fatalf("frame type = %q, want message", got.Type)
	}
}

func TestWSRecordsMetrics(t *testing.T) {
	metrics := newRelayMetrics()
	srv := newTestServer(t, handlerOptions{metrics: metrics})
	client := dialWS(t, srv, "")

	client.write(t, messageFrame(t, "m", model.Payload{Content: "count me"}))
	client.read(t)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("get metrics: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if strings.Contains(string(body), "chatrelay_relay_messages_relayed_total 1") &&
			strings.Contains(string(body), "chatrelay_relay_active_connections 1") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics did not record relay:\n%s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
