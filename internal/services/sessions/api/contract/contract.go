// Package contract holds the JSON shapes exchanged between the sessions
// service and its clients.
package contract

import (
	"encoding/json"
	"time"
)

// SessionsPath is the collection route; items live at SessionsPath + "/{id}".
const SessionsPath = "/api/sessions"

// DeletedMessage is the acknowledgement body returned by a delete.
const DeletedMessage = "Session deleted"

// Attributes is the persisted view of a session. Messages is always a JSON
// array on responses.
type Attributes struct {
	Name             string          `json:"name"`
	Messages         json.RawMessage `json:"messages"`
	SessionCreatedAt time.Time       `json:"sessionCreatedAt"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Resource pairs a stringified numeric id with its attributes.
type Resource struct {
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes"`
}

// ListResponse answers GET SessionsPath.
type ListResponse struct {
	Data []Resource `json:"data"`
}

// ItemResponse answers create and update.
type ItemResponse struct {
	Data Resource `json:"data"`
}

// Input is the writable part of a session.
type Input struct {
	Name             string          `json:"name"`
	Messages         json.RawMessage `json:"messages"`
	SessionCreatedAt *time.Time      `json:"sessionCreatedAt,omitempty"`
}

// WriteRequest is the body of create and update.
type WriteRequest struct {
	Data Input `json:"data"`
}

// DeleteResponse answers a delete.
type DeleteResponse struct {
	Message string `json:"message"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorDetail.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
