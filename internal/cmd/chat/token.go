package chat

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/louisbranch/chatrelay/internal/platform/authtoken"
)

func newTokenCommand(cfg *Config) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := authtoken.DecodeKey(cfg.SigningKey)
			if err != nil {
				return err
			}
			token, err := authtoken.Issue(authtoken.Config{
				Issuer: cfg.TokenIssuer,
				Key:    key,
				TTL:    ttl,
			}, userID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", authtoken.DefaultTTL, "token lifetime")
	cmd.Flags().StringVar(&cfg.SigningKey, "signing-key", cfg.SigningKey, "hex signing key")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
