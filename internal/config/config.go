// Package config loads worker settings from defaults, an optional YAML file,
// MEMORY_TRACKER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MEMORY_TRACKER"

// Config holds all configuration values for the worker.
type Config struct {
	// Tracking service
	APIBase      string        `mapstructure:"api_base"`
	Token        string        `mapstructure:"token"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	APIRateLimit float64       `mapstructure:"api_rate_limit"`

	// Registered build and environment identifiers
	BinaryID      string `mapstructure:"binary_id"`
	EnvironmentID string `mapstructure:"environment_id"`

	// Build
	RepoURL        string        `mapstructure:"repo_url"`
	OutputDir      string        `mapstructure:"output_dir"`
	ConfigureFlags string        `mapstructure:"configure_flags"`
	MakeFlags      string        `mapstructure:"make_flags"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// Scheduling
	MaxWorkers    int  `mapstructure:"max_workers"`
	BatchSize     int  `mapstructure:"batch_size"`
	Force         bool `mapstructure:"force"`
	LocalCheckout bool `mapstructure:"local_checkout"`

	// Observability
	Verbose      int    `mapstructure:"verbose"`
	LogJSON      bool   `mapstructure:"log_json"`
	OTelEndpoint string `mapstructure:"otel_endpoint"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		APIBase:        "http://localhost:8000",
		HTTPTimeout:    30 * time.Second,
		RepoURL:        "https://github.com/python/cpython.git",
		OutputDir:      "./benchmark_results",
		ConfigureFlags: "--enable-optimizations",
		MakeFlags:      "-j4",
		MaxWorkers:     1,
	}
}

// Load reads configuration. path may be empty, in which case memtracker.yaml
// in the working directory or ~/.memtracker.yaml is used if present.
// flags may be nil; only flags whose names match a key are bound,
// with dashes mapped to underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !knownKeys[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = cfg.MaxWorkers
	}
	return &cfg, nil
}

// Validate rejects inconsistent scheduling settings.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative, got %d", c.BatchSize)
	}
	if c.LocalCheckout && c.MaxWorkers > 1 {
		return errors.New("--local-checkout is incompatible with parallel processing (-j > 1)")
	}
	if c.APIRateLimit < 0 {
		return fmt.Errorf("api_rate_limit must not be negative, got %v", c.APIRateLimit)
	}
	return nil
}

// RunConfig is the per-run view handed to every pipeline component.
type RunConfig struct {
	Verbosity      int
	Force          bool
	APIBase        string
	Token          string
	BinaryID       string
	EnvironmentID  string
	OutputDir      string
	ConfigureFlags []string
	MakeFlags      []string
	CommandTimeout time.Duration
}

// RunConfig derives the run view. Flag strings are split on whitespace.
func (c *Config) RunConfig() RunConfig {
	return RunConfig{
		Verbosity:      c.Verbose,
		Force:          c.Force,
		APIBase:        c.APIBase,
		Token:          c.Token,
		BinaryID:       c.BinaryID,
		EnvironmentID:  c.EnvironmentID,
		OutputDir:      c.OutputDir,
		ConfigureFlags: strings.Fields(c.ConfigureFlags),
		MakeFlags:      strings.Fields(c.MakeFlags),
		CommandTimeout: c.CommandTimeout,
	}
}

// StreamOutput reports whether subprocess output is mirrored live.
func (r RunConfig) StreamOutput() bool {
	return r.Verbosity >= 3
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("api_base", d.APIBase)
	v.SetDefault("token", d.Token)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("api_rate_limit", d.APIRateLimit)
	v.SetDefault("binary_id", d.BinaryID)
	v.SetDefault("environment_id", d.EnvironmentID)
	v.SetDefault("repo_url", d.RepoURL)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("configure_flags", d.ConfigureFlags)
	v.SetDefault("make_flags", d.MakeFlags)
	v.SetDefault("command_timeout", d.CommandTimeout)
	v.SetDefault("max_workers", d.MaxWorkers)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("force", d.Force)
	v.SetDefault("local_checkout", d.LocalCheckout)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("otel_endpoint", d.OTelEndpoint)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

var knownKeys = map[string]bool{
	"api_base": true, "token": true, "http_timeout": true, "api_rate_limit": true,
	"binary_id": true, "environment_id": true, "repo_url": true, "output_dir": true,
	"configure_flags": true, "make_flags": true, "command_timeout": true,
	"max_workers": true, "batch_size": true, "force": true, "local_checkout": true,
	"verbose": true, "log_json": true, "otel_endpoint": true, "metrics_addr": true,
}

func findConfigFile() string {
	candidates := []string{"memtracker.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".memtracker.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
