// Package cmd holds the startup sequence shared by chatrelay commands: env
// and flag loading, and the tracing lifetime around a service run loop.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/chatrelay/internal/platform/config"
	"github.com/louisbranch/chatrelay/internal/platform/otel"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
)

// Service names one chatrelay process.
type Service string

const (
	ServiceRelay    Service = "relay"
	ServiceSessions Service = "sessions"
	ServiceChat     Service = "chat"
)

// LogPrefix is the standard log prefix for s, e.g. "[RELAY] ".
func (s Service) LogPrefix() string {
	return "[" + strings.ToUpper(string(s)) + "] "
}

// ParseConfig loads .env files and environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags; flags declared from env-loaded
// values therefore override the environment.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry runs a service loop between tracing setup and a bounded
// tracing shutdown.
func RunWithTelemetry(ctx context.Context, service Service, run func(context.Context) error) error {
	if strings.TrimSpace(string(service)) == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, string(service))
	if err != nil {
		return fmt.Errorf("%s telemetry: %w", service, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s: flush traces: %v", service, err)
		}
	}()
	return run(ctx)
}
