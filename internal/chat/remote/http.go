package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	platformotel "github.com/louisbranch/chatrelay/internal/platform/otel"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/sessions/api/contract"
)

const maxResponseBytes = 8 << 20

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the sessions service origin, e.g. "http://localhost:8091".
	BaseURL string
	// HTTPClient is used for every request. Nil uses a client with
	// timeouts.RemoteRequest.
	HTTPClient *http.Client
}

// HTTPClient implements Store over the sessions REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base URL %q", cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeouts.RemoteRequest}
	}
	return &HTTPClient{
		baseURL: base,
		client:  client,
		tracer:  platformotel.Tracer("chat/remote"),
	}, nil
}

// List returns the caller's sessions, newest first.
func (c *HTTPClient) List(ctx context.Context, credential string) ([]RemoteSession, error) {
	ctx, span := c.tracer.Start(ctx, "sessions.list")
	defer span.End()

	var resp contract.ListResponse
	if err := c.do(ctx, http.MethodGet, contract.SessionsPath, credential, nil, &resp); err != nil {
		recordError(span, err)
		return nil, err
	}
	out := make([]RemoteSession, 0, len(resp.Data))
	for _, item := range resp.Data {
		session, err := fromResource(item)
		if err != nil {
			recordError(span, err)
			return nil, err
		}
		out = append(out, session)
	}
	span.SetAttributes(attribute.Int("sessions.count", len(out)))
	return out, nil
}

// Create persists a new session and returns it with its remote id.
func (c *HTTPClient) Create(ctx context.Context, credential string, in SessionInput) (RemoteSession, error) {
	ctx, span := c.tracer.Start(ctx, "sessions.create")
	defer span.End()

	session, err := c.write(ctx, http.MethodPost, contract.SessionsPath, credential, in)
	if err != nil {
		recordError(span, err)
		return RemoteSession{}, err
	}
	span.SetAttributes(attribute.Int64("session.id", int64(session.ID)))
	return session, nil
}

// Update replaces name, messages and creation time of session id.
func (c *HTTPClient) Update(ctx context.Context, credential string, id uint64, in SessionInput) (RemoteSession, error) {
	ctx, span := c.tracer.Start(ctx, "sessions.update", trace.WithAttributes(attribute.Int64("session.id", int64(id))))
	defer span.End()

	session, err := c.write(ctx, http.MethodPut, itemPath(id), credential, in)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			err = notFound(id)
		}
		recordError(span, err)
		return RemoteSession{}, err
	}
	return session, nil
}

// Delete removes session id.
func (c *HTTPClient) Delete(ctx context.Context, credential string, id uint64) error {
	ctx, span := c.tracer.Start(ctx, "sessions.delete", trace.WithAttributes(attribute.Int64("session.id", int64(id))))
	defer span.End()

	var resp contract.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, itemPath(id), credential, nil, &resp); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			err = notFound(id)
		}
		recordError(span, err)
		return err
	}
	return nil
}

func (c *HTTPClient) write(ctx context.Context, method, path, credential string, in SessionInput) (RemoteSession, error) {
	messages, err := EncodeMessages(in.Messages)
	if err != nil {
		return RemoteSession{}, err
	}
	body := contract.WriteRequest{Data: contract.Input{Name: in.Name, Messages: messages}}
	if !in.SessionCreatedAt.IsZero() {
		createdAt := in.SessionCreatedAt.UTC()
		body.Data.SessionCreatedAt = &createdAt
	}
	var resp contract.ItemResponse
	if err := c.do(ctx, method, path, credential, body, &resp); err != nil {
		return RemoteSession{}, err
	}
	return fromResource(resp.Data)
}

func (c *HTTPClient) do(ctx context.Context, method, path, credential string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeSerialization, "encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authtoken.SetBearer(req.Header, credential)

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperrors.Wrap(apperrors.CodeSerialization, "decode response", err)
	}
	return nil
}

func statusError(status int, payload []byte) error {
	message := http.StatusText(status)
	var body contract.ErrorResponse
	if err := json.Unmarshal(payload, &body); err == nil && body.Error.Message != "" {
		message = body.Error.Message
	}
	metadata := map[string]string{"status": strconv.Itoa(status)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.WithMetadata(apperrors.CodeAuth, message, metadata)
	case status == http.StatusNotFound:
		return apperrors.WithMetadata(apperrors.CodeNotFound, message, metadata)
	case status == http.StatusTooManyRequests:
		return apperrors.WithMetadata(apperrors.CodeResourceExhausted, message, metadata)
	case status == http.StatusBadRequest:
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument, message, metadata)
	default:
		return apperrors.WithMetadata(apperrors.CodeTransport, message, metadata)
	}
}

func fromResource(item contract.Resource) (RemoteSession, error) {
	id, err := strconv.ParseUint(item.ID, 10, 64)
	if err != nil || id == 0 {
		return RemoteSession{}, apperrors.WithMetadata(apperrors.CodeSerialization, "invalid remote session id", map[string]string{"id": item.ID})
	}
	return RemoteSession{
		ID:               id,
		Name:             item.Attributes.Name,
		Messages:         item.Attributes.Messages,
		SessionCreatedAt: item.Attributes.SessionCreatedAt,
		CreatedAt:        item.Attributes.CreatedAt,
		UpdatedAt:        item.Attributes.UpdatedAt,
	}, nil
}

func itemPath(id uint64) string {
	return contract.SessionsPath + "/" + strconv.FormatUint(id, 10)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
}

var _ Store = (*HTTPClient)(nil)
