package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/mkeyconform/internal/config"
	"github.com/piwi3910/mkeyconform/internal/conformance"
	"github.com/piwi3910/mkeyconform/internal/metrics"
	"github.com/piwi3910/mkeyconform/internal/results"
	"github.com/piwi3910/mkeyconform/internal/server"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		suites      []string
		filter      string
		parallel    int
		metricsAddr string
		noSave      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run conformance suites",
		Long: `Run the selected suites against the device under test and print a report.

Examples:
  mkeyconform run
  mkeyconform run -s t10dif -s nvmedif
  mkeyconform run -f 'errors/*' -o json
  mkeyconform run --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{Suites: suites, Filter: filter, Parallel: parallel})
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}

			tests, err := conformance.Select(cfg.Suites, cfg.Filter)
			if err != nil {
				return err
			}
			if len(tests) == 0 {
				return fmt.Errorf("no tests match suites %v and filter %q", cfg.Suites, cfg.Filter)
			}

			b, err := newProvider(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Addr != "" {
				srvCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				srv := server.New(cfg.Metrics.Addr, server.Options{Provider: b, Device: cfg.Device})
				go func() {
					if err := srv.Start(srvCtx); err != nil {
						log.Error().Err(err).Msg("Metrics server stopped")
					}
				}()
			}

			report, runErr := conformance.NewRunner(b, cfg.Device, cfg.Parallel).Run(ctx, tests)
			metrics.SetDeviceCounters(b.GetMetrics())
			if report == nil {
				return runErr
			}

			if err := report.Write(cmd.OutOrStdout(), cfg.Output); err != nil {
				return err
			}
			if cfg.Results.Enabled && !noSave {
				if err := saveReport(cfg, report); err != nil {
					log.Error().Err(err).Msg("Failed to save run")
				}
			}

			if runErr != nil {
				return runErr
			}
			if report.Failed() {
				return fmt.Errorf("%w: %d of %d tests failed", conformance.ErrRunFailed, report.Summary.Failed, report.Summary.Total)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&suites, "suite", "s", nil, "Suites to run (repeatable, default all)")
	f.StringVarP(&filter, "filter", "f", "", "Test filter: substring or glob over suite/name")
	f.IntVarP(&parallel, "parallel", "p", 0, "Tests run concurrently")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	f.BoolVar(&noSave, "no-save", false, "Do not record the run in the history store")

	return cmd
}

func saveReport(cfg *config.Config, report *conformance.Report) error {
	store, err := results.Open(cfg.Results.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(report); err != nil {
		return err
	}
	if _, err := store.Prune(cfg.Results.Keep); err != nil {
		return err
	}
	log.Info().Str("run_id", report.RunID).Str("path", cfg.Results.Path).Msg("Saved run")
	return nil
}
