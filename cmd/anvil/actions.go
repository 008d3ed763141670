package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/builtin"
)

func newActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List built-in actions and service types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTION\tMODULE")
			for _, def := range builtin.Catalog().List() {
				fmt.Fprintf(tw, "%s\t%s\n", def.Name, def.Module)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "SERVICE TYPE")
			for _, t := range builtin.ServiceTypes() {
				fmt.Fprintln(tw, t)
			}
			return tw.Flush()
		},
	}
}
