// Package signingkey prints a random bearer-token signing key in the form
// expected by CHATRELAY_SIGNING_KEY.
package signingkey

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"

	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
)

// EnvName is the variable the services and the chat CLI read the key from.
const EnvName = "CHATRELAY_SIGNING_KEY"

// Config holds configuration for key generation.
type Config struct {
	Bytes int
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes it to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < authtoken.MinKeyBytes {
		return fmt.Errorf("bytes must be at least %d", authtoken.MinKeyBytes)
	}
	if out == nil {
		return fmt.Errorf("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "%s=%s\n", EnvName, hex.EncodeToString(buf))
	return err
}
