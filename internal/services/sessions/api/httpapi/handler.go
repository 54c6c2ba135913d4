// Package httpapi serves the owner-scoped session REST API consumed by the
// chat client's remote store.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
	"github.com/louisbranch/chatrelay/internal/services/sessions/api/contract"
	"github.com/louisbranch/chatrelay/internal/services/sessions/storage"
)

const maxRequestBodyBytes = 1 << 20

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Options configures the API handler.
type Options struct {
	Store         storage.SessionStore
	Authenticator Authenticator
	// RequestsPerSecond and Burst bound each user's request rate.
	RequestsPerSecond float64
	Burst             int
}

type handler struct {
	store    storage.SessionStore
	auth     Authenticator
	limiters *limiterPool
	metrics  *apiMetrics
}

// NewHandler returns the sessions API routes plus /up and /metrics.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	h := &handler{
		store:    opts.Store,
		auth:     opts.Authenticator,
		limiters: newLimiterPool(opts.RequestsPerSecond, opts.Burst),
		metrics:  newAPIMetrics(),
	}

	itemPattern := contract.SessionsPath + "/{id}"
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle(http.MethodGet+" /metrics", h.metrics.handler())
	mux.HandleFunc(http.MethodGet+" "+contract.SessionsPath, h.route("list", h.handleList))
	mux.HandleFunc(http.MethodPost+" "+contract.SessionsPath, h.route("create", h.handleCreate))
	mux.HandleFunc(http.MethodPut+" "+itemPattern, h.route("update", h.handleUpdate))
	mux.HandleFunc(http.MethodDelete+" "+itemPattern, h.route("delete", h.handleDelete))
	return mux, nil
}

// route wraps an operation with metrics, authentication and the per-user
// rate limit, in that order.
func (h *handler) route(op string, next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return h.metrics.instrument(op, func(w http.ResponseWriter, r *http.Request) {
		token := authtoken.BearerFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		userID, err := h.auth.Authenticate(r.Context(), token)
		userID = strings.TrimSpace(userID)
		if err != nil || userID == "" {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if !h.limiters.Allow(userID) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r.WithContext(authtoken.WithUserID(r.Context(), userID)), userID)
	})
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	sessions, err := h.store.ListSessions(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, "list", err)
		return
	}
	resp := contract.ListResponse{Data: make([]contract.Resource, 0, len(sessions))}
	for _, session := range sessions {
		resp.Data = append(resp.Data, toResource(session))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	input, ok := readInput(w, r)
	if !ok {
		return
	}
	session, err := h.store.CreateSession(r.Context(), userID, input)
	if err != nil {
		h.writeStoreError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusOK, contract.ItemResponse{Data: toResource(session)})
}

func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	input, ok := readInput(w, r)
	if !ok {
		return
	}
	session, err := h.store.UpdateSession(r.Context(), userID, id, input)
	if err != nil {
		h.writeStoreError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, contract.ItemResponse{Data: toResource(session)})
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteSession(r.Context(), userID, id); err != nil {
		h.writeStoreError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, contract.DeleteResponse{Message: contract.DeletedMessage})
}

func (h *handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, storage.ErrInvalidMessages):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("sessions: %s failed: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("id")), 10, 63)
	if err != nil || id == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return 0, false
	}
	return id, true
}

func readInput(w http.ResponseWriter, r *http.Request) (storage.SessionInput, bool) {
	var req contract.WriteRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return storage.SessionInput{}, false
		}
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "missing data payload")
			return storage.SessionInput{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return storage.SessionInput{}, false
	}
	name := strings.TrimSpace(req.Data.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return storage.SessionInput{}, false
	}
	input := storage.SessionInput{Name: name, Messages: req.Data.Messages}
	if req.Data.SessionCreatedAt != nil {
		input.SessionCreatedAt = req.Data.SessionCreatedAt.UTC()
	}
	return input, true
}

func toResource(session storage.Session) contract.Resource {
	messages := session.Messages
	if len(messages) == 0 {
		messages = json.RawMessage("[]")
	}
	return contract.Resource{
		ID: strconv.FormatUint(session.ID, 10),
		Attributes: contract.Attributes{
			Name:             session.Name,
			Messages:         messages,
			SessionCreatedAt: session.SessionCreatedAt.UTC(),
			CreatedAt:        session.CreatedAt.UTC(),
			UpdatedAt:        session.UpdatedAt.UTC(),
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("sessions: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, contract.ErrorResponse{Error: contract.ErrorDetail{
		Status:  status,
		Name:    errorName(status),
		Message: message,
	}})
}

func errorName(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "ValidationError"
	case http.StatusUnauthorized:
		return "UnauthorizedError"
	case http.StatusNotFound:
		return "NotFoundError"
	case http.StatusTooManyRequests:
		return "RateLimitError"
	case http.StatusRequestEntityTooLarge:
		return "PayloadTooLargeError"
	default:
		return "ApplicationError"
	}
}
