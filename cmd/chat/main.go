// Package main runs the chat terminal client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	chatcmd "github.com/louisbranch/chatrelay/internal/cmd/chat"
	"github.com/louisbranch/chatrelay/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatcmd.Execute(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		config.Exitf("chat: %v", err)
	}
}
