// Command anvil-guest is the worker daemon that runs as init inside a
// Firecracker microVM. It listens on vsock and serves the daemon protocol
// to the host with the built-in action catalog.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o anvil-guest ./cmd/anvil-guest
package main

import (
	"context"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/anvil/internal/agent"
	"github.com/seantiz/anvil/internal/builtin"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/daemon/microvm"
)

func main() {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(os.Getenv("ANVIL_LOG_LEVEL")), "text").With(
		"worker_id", os.Getenv(daemon.EnvWorkerID),
	)
	agent.SetupInit(logger)

	port := microvm.DefaultVsockPort
	if s := os.Getenv(microvm.EnvVsockPort); s != "" {
		p, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			logger.Error("invalid vsock port", "value", s, "error", err)
			os.Exit(1)
		}
		port = uint32(p)
	}

	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("anvil-guest listening", "port", port)

	a := agent.New(builtin.Catalog(), logger)
	if err := a.Serve(context.Background(), l); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
