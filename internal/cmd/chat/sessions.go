package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/louisbranch/chatrelay/internal/chat/remote"
)

// sessionView is the exported shape of one remote session.
type sessionView struct {
	ID        uint64        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	CreatedAt time.Time     `json:"createdAt" yaml:"created_at"`
	UpdatedAt time.Time     `json:"updatedAt" yaml:"updated_at"`
	Messages  []messageView `json:"messages" yaml:"messages"`
}

type messageView struct {
	From      string    `json:"from" yaml:"from"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

func newSessionsCommand(cfg *Config) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions saved in the sessions service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(cfg.Token) == "" {
				return fmt.Errorf("a token is required (--token or CHATRELAY_TOKEN)")
			}
			store, err := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: cfg.SessionsURL})
			if err != nil {
				return err
			}
			sessions, err := store.List(cmd.Context(), cfg.Token)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			views := make([]sessionView, 0, len(sessions))
			for _, session := range sessions {
				views = append(views, toSessionView(session))
			}
			return writeSessions(cmd.OutOrStdout(), format, views)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format (table, json, yaml)")
	return cmd
}

// toSessionView drops messages that cannot be decoded rather than failing
// the whole listing.
func toSessionView(session remote.RemoteSession) sessionView {
	view := sessionView{
		ID:        session.ID,
		Name:      session.Name,
		CreatedAt: session.SessionCreatedAt,
		UpdatedAt: session.UpdatedAt,
		Messages:  []messageView{},
	}
	messages, err := remote.DecodeMessages(session.Messages)
	if err != nil {
		return view
	}
	for _, msg := range messages {
		from := "relay"
		if msg.IsFromUser {
			from = "user"
		}
		view.Messages = append(view.Messages, messageView{From: from, Content: msg.Content, Timestamp: msg.Timestamp})
	}
	return view
}

func writeSessions(out io.Writer, format string, views []sessionView) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tMESSAGES\tCREATED")
		for _, view := range views {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", view.ID, view.Name, len(view.Messages), view.CreatedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format %q (table, json, yaml)", format)
	}
}
