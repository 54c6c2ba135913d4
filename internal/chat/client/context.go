package client

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/louisbranch/chatrelay/internal/chat/cache"
)

// Context is the per-login state shared by the client's components: the
// bearer credential, the durable session cache and the logger. It is
// created when a user session starts and closed at logout.
type Context struct {
	credential string
	cache      cache.Cache
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewContext validates its inputs. A nil cache uses an in-memory cache and
// a nil logger uses slog.Default.
func NewContext(credential string, c cache.Cache, logger *slog.Logger) (*Context, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errors.New("client: credential is required")
	}
	if c == nil {
		c = cache.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{credential: credential, cache: c, logger: logger}, nil
}

// Credential returns the bearer credential.
func (c *Context) Credential() string { return c.credential }

// Cache returns the durable session cache.
func (c *Context) Cache() cache.Cache { return c.cache }

// Logger returns the logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Close releases the cache. It is safe to call more than once.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.cache.Close()
	})
	return c.closeErr
}
