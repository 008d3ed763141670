package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/session"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inspection and submission API",
		Long: `Start a long-lived session and expose it over HTTP. Work can be
submitted per operation and awaited; services, daemons, runners, work
history and live work output can be inspected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			if addr != "" {
				a.cfg.API.ListenAddr = addr
			}

			logger := a.logger(cmd.ErrOrStderr())
			sess, err := session.New(a.cfg, session.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}

			srv := api.NewServer(a.cfg.API, api.Deps{
				Store:    sess.Store,
				Services: sess.Services,
				Pool:     sess.Pool,
				Runners:  sess.Runners,
				Executor: sess.Executor,
				Tracker:  sess.Tracker,
			}, logger.With("component", "api"))
			runErr := srv.Run(cmd.Context())

			sess.Abort()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			return errors.Join(runErr, sess.Close(ctx))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (overrides config)")
	return cmd
}
