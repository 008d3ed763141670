package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/buildfile"
	"github.com/seantiz/anvil/internal/session"
)

const closeTimeout = 30 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var (
		maxTasks int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "run <build.hcl>",
		Short: "Run every task in a build file",
		Long: `Run every task of an HCL build file concurrently. Each task leases
the services it declares, submits its work under its own operation id and
waits for it. A failing task never stops the others; the command fails if
any task failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			f, err := buildfile.Load(args[0])
			if err != nil {
				return err
			}

			logger := a.logger(cmd.ErrOrStderr())
			sess, err := session.New(a.cfg, session.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}

			report, runErr := buildfile.Run(cmd.Context(), buildfile.Env{
				Services:         sess.Services,
				Executor:         sess.Executor,
				Tracer:           sess.Tracing.Tracer(),
				Logger:           logger,
				MaxParallelTasks: maxTasks,
			}, f)

			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			closeErr := sess.Close(ctx)

			if report != nil {
				if err := printReport(cmd.OutOrStdout(), report, asJSON); err != nil {
					return err
				}
			}
			return errors.Join(runErr, closeErr)
		},
	}
	cmd.Flags().IntVar(&maxTasks, "max-parallel-tasks", 0, "cap on concurrently running tasks (0 = unlimited)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, report *buildfile.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tWORK\tRESULT")
	for _, t := range report.Tasks {
		if len(t.Items) == 0 {
			result := "ok"
			if t.Error != "" {
				result = "FAILED: " + t.Error
			}
			fmt.Fprintf(tw, "%s\t-\t%s\n", t.Name, result)
			continue
		}
		for _, item := range t.Items {
			result := "ok"
			if item.Error != "" {
				result = "FAILED: " + item.Error
			} else if item.Output != nil {
				out, _ := json.Marshal(item.Output)
				result = string(out)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, item.Work, result)
		}
	}
	return tw.Flush()
}
