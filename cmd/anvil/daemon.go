package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/agent"
	"github.com/seantiz/anvil/internal/builtin"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/daemon"
)

// stdio is the daemon's channel to the host.
type stdio struct {
	io.Reader
	io.Writer
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:    daemon.DaemonCommand + " [-- fork args...]",
		Short:  "Run as a worker daemon on stdin/stdout",
		Hidden: true,
		// The launcher appends the requirement's fork args after "--".
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries frames; logs go to stderr, which the host
			// forwards into its own log.
			level := config.ParseLogLevel(os.Getenv("ANVIL_LOG_LEVEL"))
			logger := config.NewLogger(os.Stderr, level, "json").With(
				"worker_id", os.Getenv(daemon.EnvWorkerID),
			)
			if len(args) > 0 {
				logger.Debug("daemon fork args", "args", args)
			}

			a := agent.New(builtin.Catalog(), logger)
			return a.ServeConn(cmd.Context(), stdio{Reader: cmd.InOrStdin(), Writer: cmd.OutOrStdout()})
		},
	}
}
