package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/config"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	cfgFile  string
	logLevel string
	cfg      config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "anvil",
		Short:         "Build worker execution core",
		Long:          `anvil runs build tasks that share capped services and offload work in-process, to namespace sandboxes or to reusable worker daemons.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "",
		"config file (default: ./anvil.yaml or ~/.config/anvil/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides config")

	root.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newDaemonCmd(),
		newActionsCmd(),
		newConfigCmd(),
	)
	return root
}

// load reads the configuration once flags are parsed.
func (a *app) load() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	return nil
}

func (a *app) logger(w io.Writer) *slog.Logger {
	return a.cfg.Log.Logger(w)
}
