package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage the content source catalogue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Load the YAML catalogue into the database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				n, err := a.syncSources(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d sources from %s\n", n, a.cfg.SourcesFile)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored sources with their fetch health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				sources, err := a.store.ListSources(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCATEGORY\tACTIVE\tERRORS\tURL")
				for _, s := range sources {
					fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", s.ID, s.Category, s.Active, s.Meta.ErrorCount, s.URL)
				}
				return w.Flush()
			},
		},
	)
	return cmd
}
