// Package chat builds the chat terminal client: an interactive relay session
// plus helpers for inspecting remote sessions and minting dev tokens.
package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/louisbranch/chatrelay/internal/chat/cache/pebblecache"
	"github.com/louisbranch/chatrelay/internal/chat/client"
	"github.com/louisbranch/chatrelay/internal/chat/connection"
	"github.com/louisbranch/chatrelay/internal/chat/remote"
	entrypoint "github.com/louisbranch/chatrelay/internal/platform/cmd"
)

// Config holds chat command configuration.
type Config struct {
	RelayURL    string        `env:"CHATRELAY_RELAY_URL"     envDefault:"ws://localhost:8090/ws"`
	SessionsURL string        `env:"CHATRELAY_SESSIONS_URL"  envDefault:"http://localhost:8091"`
	Token       string        `env:"CHATRELAY_TOKEN"`
	DataDir     string        `env:"CHATRELAY_CHAT_DATA_DIR" envDefault:"data/chat"`
	AutoSave    time.Duration `env:"CHATRELAY_CHAT_AUTOSAVE" envDefault:"30s"`
	SigningKey  string        `env:"CHATRELAY_SIGNING_KEY"`
	TokenIssuer string        `env:"CHATRELAY_TOKEN_ISSUER"  envDefault:"chatrelay"`
}

// LoadConfig reads .env files and the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewRootCommand returns the chat command tree. Flags override cfg.
func NewRootCommand(cfg *Config, in io.Reader, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "chat",
		Short: "Terminal client for the chat relay",
		Long: `Terminal client for the chat relay.

Messages are sent to the relay and echoed back as replies. Sessions are kept
in a local cache and saved to the sessions service.

Quick Start:
  chat token --user alice        # mint a dev token (needs CHATRELAY_SIGNING_KEY)
  chat run --token <token>       # start an interactive session
  chat sessions --format yaml    # list saved sessions`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay WebSocket URL")
	flags.StringVar(&cfg.SessionsURL, "sessions-url", cfg.SessionsURL, "sessions service base URL")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")

	root.AddCommand(newRunCommand(cfg), newSessionsCommand(cfg), newTokenCommand(cfg))
	return root
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	root := NewRootCommand(&cfg, in, out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRunCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Type a line to send it. Commands:
  /new            start a new session
  /list           list sessions
  /switch <n>     select session n from /list
  /delete         delete the current session
  /save           save all sessions now
  /logout         save, clear local data and exit
  /quit           save and exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return entrypoint.RunWithTelemetry(cmd.Context(), entrypoint.ServiceChat, func(ctx context.Context) error {
				return runInteractive(ctx, *cfg, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "local session cache directory")
	cmd.Flags().DurationVar(&cfg.AutoSave, "autosave", cfg.AutoSave, "interval between automatic saves; 0 disables")
	return cmd
}

func runInteractive(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	if strings.TrimSpace(cfg.Token) == "" {
		return fmt.Errorf("a token is required (--token or CHATRELAY_TOKEN)")
	}
	store, err := pebblecache.Open(filepath.Join(cfg.DataDir, "cache"))
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cctx, err := client.NewContext(cfg.Token, store, logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	remoteStore, err := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: cfg.SessionsURL})
	if err != nil {
		_ = cctx.Close()
		return err
	}
	c, err := client.New(client.Config{
		Context:          cctx,
		Remote:           remoteStore,
		Dialer:           connection.WebSocketDialer{URL: cfg.RelayURL},
		AutoSaveInterval: cfg.AutoSave,
	})
	if err != nil {
		_ = cctx.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = c.Run(runCtx)
	}()

	repl := newREPL(c, in, out)
	err = repl.run(runCtx)
	if !repl.loggedOut {
		if closeErr := cctx.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
