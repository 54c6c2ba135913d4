// Package relay parses relay command flags and starts the relay server.
package relay

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
	entrypoint "github.com/louisbranch/chatrelay/internal/platform/cmd"
	server "github.com/louisbranch/chatrelay/internal/services/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr    string `env:"CHATRELAY_RELAY_HTTP_ADDR" envDefault:":8090"`
	SigningKey  string `env:"CHATRELAY_SIGNING_KEY"`
	TokenIssuer string `env:"CHATRELAY_TOKEN_ISSUER"    envDefault:"chatrelay"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.SigningKey, "signing-key", cfg.SigningKey, "hex bearer-token signing key; empty disables auth")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "expected bearer-token issuer")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the relay inside the shared telemetry wrapper.
func Run(ctx context.Context, cfg Config) error {
	var key []byte
	if strings.TrimSpace(cfg.SigningKey) != "" {
		decoded, err := authtoken.DecodeKey(cfg.SigningKey)
		if err != nil {
			return err
		}
		key = decoded
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			SigningKey:  key,
			TokenIssuer: cfg.TokenIssuer,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
