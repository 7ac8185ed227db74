// Package config provides configuration management for mkeyconform.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (MKEYCONFORM_* prefix)
//  3. Configuration file (mkeyconform.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("", config.Options{Device: "mlx5_0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/conformance"
)

// Config holds all configuration for mkeyconform.
type Config struct {
	// Device under test
	Device string `mapstructure:"device"`

	// Test selection
	Suites []string `mapstructure:"suites"`
	Filter string   `mapstructure:"filter"`

	// Number of tests run concurrently, each on its own device context
	Parallel int `mapstructure:"parallel"`

	LogLevel string `mapstructure:"log_level"`

	// Report format: text, json or yaml
	Output string `mapstructure:"output"`

	Results ResultsConfig `mapstructure:"results"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Sim     SimConfig     `mapstructure:"sim"`
	Sysfs   SysfsConfig   `mapstructure:"sysfs"`
}

// ResultsConfig configures the run history store.
type ResultsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// Keep is the number of runs retained; 0 keeps everything.
	Keep int `mapstructure:"keep"`
}

// MetricsConfig configures the Prometheus endpoint served during a run.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// SimConfig shapes the simulated device.
type SimConfig struct {
	// Disable lists capability names stripped from the simulated device.
	Disable        []string `mapstructure:"disable"`
	MaxMkeyEntries uint32   `mapstructure:"max_mkey_entries"`
}

// SysfsConfig configures host device discovery.
type SysfsConfig struct {
	Root string `mapstructure:"root"`
}

// Options are command-line overrides. Zero values leave the loaded value.
type Options struct {
	Device   string
	Suites   []string
	Filter   string
	Parallel int
	LogLevel string
	Output   string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("mkeyconform")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mkeyconform")
		v.AddConfigPath("$HOME/.mkeyconform")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("MKEYCONFORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Device != "" {
		v.Set("device", opts.Device)
	}
	if len(opts.Suites) > 0 {
		v.Set("suites", opts.Suites)
	}
	if opts.Filter != "" {
		v.Set("filter", opts.Filter)
	}
	if opts.Parallel != 0 {
		v.Set("parallel", opts.Parallel)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.Output != "" {
		v.Set("output", opts.Output)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device", "mlx5_0")
	v.SetDefault("suites", []string{})
	v.SetDefault("filter", "")
	v.SetDefault("parallel", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("output", conformance.FormatText)

	v.SetDefault("results.enabled", false)
	v.SetDefault("results.path", "./results")
	v.SetDefault("results.keep", 100)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("sim.disable", []string{})
	v.SetDefault("sim.max_mkey_entries", caps.Full().MaxMkeyEntries)

	v.SetDefault("sysfs.root", "/sys/class/infiniband")
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("device must be set")
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1, got %d", c.Parallel)
	}
	if !logLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	validOutput := false
	for _, f := range conformance.Formats {
		if c.Output == f {
			validOutput = true
			break
		}
	}
	if !validOutput {
		return fmt.Errorf("invalid output %q (valid: %s)", c.Output, strings.Join(conformance.Formats, ", "))
	}

	for _, name := range c.Sim.Disable {
		if !caps.Valid(name) {
			return fmt.Errorf("sim.disable: %w: %q", caps.ErrUnknownCapability, name)
		}
	}
	if c.Sim.MaxMkeyEntries == 0 {
		return fmt.Errorf("sim.max_mkey_entries must be positive")
	}

	if c.Results.Enabled && c.Results.Path == "" {
		return fmt.Errorf("results.path is required when results are enabled")
	}
	if c.Results.Keep < 0 {
		return fmt.Errorf("results.keep must not be negative")
	}

	return nil
}

// SimCaps is the capability snapshot of the simulated device.
func (c *Config) SimCaps() (caps.Snapshot, error) {
	s := caps.Full()
	s.MaxMkeyEntries = c.Sim.MaxMkeyEntries
	for _, name := range c.Sim.Disable {
		if err := s.Disable(name); err != nil {
			return s, err
		}
	}
	return s, nil
}
