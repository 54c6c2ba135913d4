// Package frames defines the JSON frames carried over the relay WebSocket.
package frames

import (
	"encoding/json"
	"fmt"
)

const (
	// TypeMessage carries a model.Payload in both directions.
	TypeMessage = "message"
	// TypeError is sent by the relay when it rejects a frame.
	TypeError = "error"
)

// Frame is one WebSocket text frame.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorEnvelope is the payload of a TypeError frame.
type ErrorEnvelope struct {
	Error Error `json:"error"`
}

// Error describes why the relay rejected a frame.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// New encodes payload into a frame of the given type.
func New(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}
