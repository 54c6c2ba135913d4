// Package server wires the sessions API runtime, storage and HTTP lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/sessions/api/httpapi"
	sessionsqlite "github.com/louisbranch/chatrelay/internal/services/sessions/storage/sqlite"
)

// Config defines the inputs for the sessions process.
type Config struct {
	HTTPAddr          string
	DBPath            string
	SigningKey        []byte
	TokenIssuer       string
	RequestsPerSecond float64
	Burst             int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the sessions HTTP API and storage lifecycle.
type Server struct {
	listener        net.Listener
	httpServer      *http.Server
	store           *sessionsqlite.Store
	shutdownTimeout time.Duration
}

// NewServer opens storage, binds the listener and builds the API.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if len(config.SigningKey) == 0 {
		return nil, errors.New("signing key is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		config.DBPath = filepath.Join("data", "sessions.db")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	verifier, err := authtoken.NewVerifier(authtoken.Config{Issuer: config.TokenIssuer, Key: config.SigningKey})
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}

	store, err := openSessionStore(config.DBPath)
	if err != nil {
		return nil, err
	}
	handler, err := httpapi.NewHandler(httpapi.Options{
		Store:             store,
		Authenticator:     verifier,
		RequestsPerSecond: config.RequestsPerSecond,
		Burst:             config.Burst,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		store:           store,
		shutdownTimeout: config.ShutdownTimeout,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a sessions server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init sessions server: %w", err)
	}
	return server.Serve(ctx)
}

// Serve runs the HTTP server until the context ends, then releases storage.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("sessions server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases sessions server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close sessions store: %v", err)
		}
		s.store = nil
	}
}

func openSessionStore(path string) (*sessionsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sessionsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sessions sqlite store: %w", err)
	}
	return store, nil
}
