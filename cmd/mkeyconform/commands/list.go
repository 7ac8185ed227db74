package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/mkeyconform/internal/config"
	"github.com/piwi3910/mkeyconform/internal/conformance"
)

type testView struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
}

func newListCmd(g *globals) *cobra.Command {
	var (
		suites []string
		filter string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conformance tests",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{Suites: suites, Filter: filter})
			if err != nil {
				return err
			}
			tests, err := conformance.Select(cfg.Suites, cfg.Filter)
			if err != nil {
				return err
			}

			views := make([]testView, 0, len(tests))
			for _, t := range tests {
				views = append(views, testView{ID: t.ID(), Description: t.Description})
			}
			return render(cmd.OutOrStdout(), cfg.Output, views, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\n", v.ID, v.Description)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringSliceVarP(&suites, "suite", "s", nil, "Suites to list (repeatable, default all)")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Test filter: substring or glob over suite/name")

	return cmd
}
