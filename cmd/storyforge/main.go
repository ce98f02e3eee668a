// Command storyforge is the entrypoint for both the CLI and (via
// `start --foreground`) the daemon process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version is injected at build time: -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	// SIGINT/SIGTERM cancel the root context so a foreground daemon
	// shuts down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(Run(ctx, os.Args[1:]))
}
