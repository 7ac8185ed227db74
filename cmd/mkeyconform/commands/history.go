package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/mkeyconform/internal/config"
	"github.com/piwi3910/mkeyconform/internal/results"
)

func newHistoryCmd(g *globals) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		Long:  `List runs recorded in the history store (results.path), newest first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}
			store, err := results.Open(cfg.Results.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), cfg.Output, runs, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "RUN ID\tDEVICE\tSTARTED\tPASSED\tFAILED\tSKIPPED\n")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
						r.RunID, r.Device, r.StartedAt.Local().Format(time.RFC3339),
						r.Summary.Passed, r.Summary.Failed, r.Summary.Skipped)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a past run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}
			store, err := results.Open(cfg.Results.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := store.Get(args[0])
			if err != nil {
				return err
			}
			return report.Write(cmd.OutOrStdout(), cfg.Output)
		},
	})

	return cmd
}
