package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/chatrelay/internal/chat/model"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
)

// chatClient is the part of client.Client the REPL drives.
type chatClient interface {
	Start(ctx context.Context) (model.SyncResult, error)
	SendMessage(ctx context.Context, content string) (model.Message, error)
	NewSession(ctx context.Context) (model.ChatSession, error)
	SelectSession(ctx context.Context, id model.SessionID) error
	DeleteSession(ctx context.Context, id model.SessionID) error
	Save(ctx context.Context) (bool, error)
	Logout(ctx context.Context) (bool, error)
	Close() error
	Sessions() []model.ChatSession
	Current() (model.ChatSession, bool)
	SubscribeSessions(fn func([]model.ChatSession)) func()
	SubscribeState(fn func(model.ConnectionState)) func()
	SubscribeErrors(fn func(error)) func()
}

type repl struct {
	client chatClient
	in     io.Reader

	outMu sync.Mutex
	out   io.Writer

	seenMu sync.Mutex
	seen   map[string]struct{}

	loggedOut bool
}

func newREPL(c chatClient, in io.Reader, out io.Writer) *repl {
	return &repl{client: c, in: in, out: out, seen: make(map[string]struct{})}
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) run(ctx context.Context) error {
	result, err := r.client.Start(ctx)
	r.printf("loaded %d session(s) from %s\n", len(result.Sessions), result.Source)
	if err != nil {
		r.printf("! %v\n", err)
	}
	for _, session := range r.client.Sessions() {
		r.markSeen(session)
	}

	defer r.client.SubscribeErrors(func(err error) { r.printf("! %v\n", err) })()
	defer r.client.SubscribeState(func(state model.ConnectionState) { r.printf("* %s\n", state) })()
	defer r.client.SubscribeSessions(r.printReplies)()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			r.quit(context.WithoutCancel(ctx))
			return nil
		case err := <-scanErr:
			r.quit(ctx)
			return err
		case line := <-lines:
			done, err := r.execute(ctx, line)
			if err != nil {
				r.printf("! %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// execute handles one input line and reports whether the session ended.
func (r *repl) execute(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := r.client.SendMessage(ctx, line)
		return false, err
	}

	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "/new":
		session, err := r.client.NewSession(ctx)
		if err == nil {
			r.printf("* %s\n", session.Name)
		}
		return false, err
	case "/list":
		current, _ := r.client.Current()
		for i, session := range r.client.Sessions() {
			marker := " "
			if session.ID == current.ID {
				marker = ">"
			}
			r.printf("%s %d. %s (%d messages)\n", marker, i+1, session.Name, len(session.Messages))
		}
		return false, nil
	case "/switch":
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		sessions := r.client.Sessions()
		if err != nil || n < 1 || n > len(sessions) {
			return false, fmt.Errorf("usage: /switch <1-%d>", len(sessions))
		}
		return false, r.client.SelectSession(ctx, sessions[n-1].ID)
	case "/delete":
		current, ok := r.client.Current()
		if !ok {
			return false, fmt.Errorf("no current session")
		}
		return false, r.client.DeleteSession(ctx, current.ID)
	case "/save":
		saveCtx, cancel := context.WithTimeout(ctx, timeouts.RemoteRequest)
		defer cancel()
		ok, err := r.client.Save(saveCtx)
		if ok {
			r.printf("* saved\n")
		}
		return false, err
	case "/logout":
		logoutCtx, cancel := context.WithTimeout(ctx, timeouts.RemoteRequest)
		defer cancel()
		ok, err := r.client.Logout(logoutCtx)
		r.loggedOut = true
		if !ok {
			r.printf("! some sessions were not saved; local copy kept\n")
		}
		return true, err
	case "/quit":
		r.quit(ctx)
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s", command)
	}
}

func (r *repl) quit(ctx context.Context) {
	saveCtx, cancel := context.WithTimeout(ctx, timeouts.RemoteRequest)
	defer cancel()
	if _, err := r.client.Save(saveCtx); err != nil {
		r.printf("! save before exit: %v\n", err)
	}
	_ = r.client.Close()
}

// printReplies prints relay replies not shown before.
func (r *repl) printReplies(sessions []model.ChatSession) {
	for _, session := range sessions {
		for _, msg := range session.Messages {
			if r.markMessage(msg.ID) && !msg.IsFromUser {
				r.printf("< [%s %s] %s\n", session.Name, msg.Timestamp.Local().Format(time.Kitchen), msg.Content)
			}
		}
	}
}

func (r *repl) markSeen(session model.ChatSession) {
	for _, msg := range session.Messages {
		r.markMessage(msg.ID)
	}
}

// markMessage records id and reports whether it was new.
func (r *repl) markMessage(id string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}
