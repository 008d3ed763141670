// Command anvil runs HCL build files on the anvil execution core, serves the
// inspection API and doubles as the worker daemon binary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Build information injected via ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
