// Command bayeuxd serves the Bayeux long-polling transport over HTTP.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("bayeuxd.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
