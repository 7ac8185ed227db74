package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/mkeyconform/internal/config"
	"github.com/piwi3910/mkeyconform/internal/hardware"
	"github.com/piwi3910/mkeyconform/internal/results"
	"github.com/piwi3910/mkeyconform/internal/server"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		addr    string
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics, health probes and the run history API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Metrics.Addr != "" {
				addr = cfg.Metrics.Addr
			}

			b, err := newProvider(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			opts := server.Options{
				Provider:       b,
				Device:         cfg.Device,
				Detector:       hardware.NewDetector(cfg.Sysfs.Root),
				AllowedOrigins: origins,
			}
			if cfg.Results.Enabled {
				store, err := results.Open(cfg.Results.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				opts.Store = store
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = server.New(addr, opts).Start(ctx)
			log.Info().Msg("Server shutdown complete")
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9464", "Listen address")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "CORS origin allowed on /api (repeatable, default any)")

	return cmd
}
