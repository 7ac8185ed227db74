// Package commands implements the mkeyconform command line.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/mkeyconform/internal/config"
	"github.com/piwi3910/mkeyconform/internal/conformance"
	"github.com/piwi3910/mkeyconform/internal/metrics"
	"github.com/piwi3910/mkeyconform/internal/verbs/sim"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	device     string
	logLevel   string
	output     string
}

// NewRootCmd builds the command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	metrics.Version = version
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "mkeyconform",
		Short: "RDMA memory key signature offload conformance harness",
		Long: `mkeyconform checks how an RDMA device handles indirect memory keys
with block signature offload: CRC32/CRC32C/CRC64, T10-DIF and NVMe-DIF
protection information, generated, checked and stripped in flight.

Suites run against the built-in simulated device. Configure with
mkeyconform.yaml or MKEYCONFORM_* environment variables:
  MKEYCONFORM_DEVICE
  MKEYCONFORM_PARALLEL
  MKEYCONFORM_RESULTS_ENABLED`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to configuration file")
	pf.StringVarP(&g.device, "device", "d", "", "Device under test")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVarP(&g.output, "output", "o", "", "Output format (text, json, yaml)")

	rootCmd.AddCommand(newRunCmd(g))
	rootCmd.AddCommand(newListCmd(g))
	rootCmd.AddCommand(newCapsCmd(g))
	rootCmd.AddCommand(newDevicesCmd(g))
	rootCmd.AddCommand(newHistoryCmd(g))
	rootCmd.AddCommand(newServeCmd(g))

	return rootCmd
}

// load reads the configuration with the persistent flags applied on top of
// opts and configures logging.
func (g *globals) load(opts config.Options) (*config.Config, error) {
	opts.Device = g.device
	opts.LogLevel = g.logLevel
	opts.Output = g.output
	cfg, err := config.Load(g.configPath, opts)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if lvl <= zerolog.DebugLevel {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// newProvider brings up the simulated device shaped by cfg.
func newProvider(cfg *config.Config) (*sim.Backend, error) {
	c, err := cfg.SimCaps()
	if err != nil {
		return nil, err
	}
	b := sim.New(sim.WithCaps(c))
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}

// render writes v as JSON or YAML, or calls text for the text format.
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case conformance.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case conformance.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return text(w)
}
