// Package sessions parses sessions command flags and starts the sessions API.
package sessions

import (
	"context"
	"flag"
	"fmt"

	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
	entrypoint "github.com/louisbranch/chatrelay/internal/platform/cmd"
	server "github.com/louisbranch/chatrelay/internal/services/sessions/app"
)

// Config holds sessions command configuration.
type Config struct {
	HTTPAddr          string  `env:"CHATRELAY_SESSIONS_HTTP_ADDR" envDefault:":8091"`
	DBPath            string  `env:"CHATRELAY_SESSIONS_DB_PATH"   envDefault:"data/sessions.db"`
	SigningKey        string  `env:"CHATRELAY_SIGNING_KEY"`
	TokenIssuer       string  `env:"CHATRELAY_TOKEN_ISSUER"       envDefault:"chatrelay"`
	RequestsPerSecond float64 `env:"CHATRELAY_SESSIONS_RPS"       envDefault:"10"`
	Burst             int     `env:"CHATRELAY_SESSIONS_BURST"     envDefault:"20"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sessions HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.SigningKey, "signing-key", cfg.SigningKey, "hex bearer-token signing key")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "expected bearer-token issuer")
	fs.Float64Var(&cfg.RequestsPerSecond, "rps", cfg.RequestsPerSecond, "per-user request rate")
	fs.IntVar(&cfg.Burst, "burst", cfg.Burst, "per-user request burst")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sessions API inside the shared telemetry wrapper.
func Run(ctx context.Context, cfg Config) error {
	key, err := authtoken.DecodeKey(cfg.SigningKey)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSessions, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			SigningKey:        key,
			TokenIssuer:       cfg.TokenIssuer,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}); err != nil {
			return fmt.Errorf("serve sessions: %w", err)
		}
		return nil
	})
}
