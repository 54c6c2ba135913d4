// Package authtoken issues and verifies the bearer credentials shared by the
// relay, the sessions service and the chat client.
package authtoken

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
)

const (
	// DefaultIssuer names the token issuer when none is configured.
	DefaultIssuer = "chatrelay"
	// DefaultTTL is the lifetime of newly issued tokens.
	DefaultTTL = 24 * time.Hour
	// MinKeyBytes is the shortest accepted HMAC signing key.
	MinKeyBytes = 16
)

// Config defines how tokens are signed and verified.
type Config struct {
	Issuer string
	Key    []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Claims captures the validated identity carried by a token.
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

func (c Config) normalized() (Config, error) {
	if len(c.Key) < MinKeyBytes {
		return Config{}, fmt.Errorf("signing key must be at least %d bytes", MinKeyBytes)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// DecodeKey parses a hex-encoded signing key.
func DecodeKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("signing key is required")
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinKeyBytes)
	}
	return key, nil
}

// Issue signs a token for userID.
func Issue(cfg Config, userID string) (string, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "user id is required")
	}
	now := cfg.Now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates token and returns its claims. Every rejection is an
// AUTH-coded error.
func Verify(cfg Config, token string) (Claims, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return Claims{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeAuth, "credential is required")
	}

	var parsed tokenClaims
	_, err = jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, apperrors.New(apperrors.CodeAuth, "credential has no subject")
	}

	claims := Claims{UserID: parsed.Subject}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}
	return claims, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeAuth, "credential expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeAuth, "credential signature invalid", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperrors.Wrap(apperrors.CodeAuth, "credential malformed", err)
	default:
		return apperrors.Wrap(apperrors.CodeAuth, "credential rejected", err)
	}
}

// Verifier authenticates bearer credentials against a fixed Config.
type Verifier struct {
	cfg Config
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: normalized}, nil
}

// Authenticate returns the user id carried by token.
func (v *Verifier) Authenticate(_ context.Context, token string) (string, error) {
	if v == nil {
		return "", errors.New("verifier is not configured")
	}
	claims, err := Verify(v.cfg, token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// BearerFromRequest extracts the credential from an Authorization header.
func BearerFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// SetBearer writes the credential to an outgoing request header.
func SetBearer(header http.Header, token string) {
	if header == nil || strings.TrimSpace(token) == "" {
		return
	}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
}

// userIDContextKey is the context key for authenticated user identity.
type userIDContextKey struct{}

// WithUserID stores a user identifier in context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the user identifier stored in context.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(userIDContextKey{}).(string)
	return value
}
