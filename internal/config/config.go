// Package config loads agent settings from defaults, an optional YAML
// file, AEGIS_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/metorial/aegis/internal/alerts"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "AEGIS"

type Config struct {
	Token          string   `mapstructure:"token"`
	HTTPAddr       string   `mapstructure:"http_addr"`
	GRPCAddr       string   `mapstructure:"grpc_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Interval     time.Duration `mapstructure:"interval"`
	HistorySize  int           `mapstructure:"history_size"`
	TopProcesses int           `mapstructure:"top_processes"`

	MaxSessions  int           `mapstructure:"max_sessions"`
	SessionQueue int           `mapstructure:"session_queue"`
	CommandRate  float64       `mapstructure:"command_rate"`
	CommandBurst int           `mapstructure:"command_burst"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	DispatchQueue       int           `mapstructure:"dispatch_queue"`
	DispatchConcurrency int           `mapstructure:"dispatch_concurrency"`
	ActionTimeout       time.Duration `mapstructure:"action_timeout"`

	DBPath           string        `mapstructure:"db_path"`
	OutcomeRetention time.Duration `mapstructure:"outcome_retention"`

	DockerHost    string `mapstructure:"docker_host"`
	DisableDocker bool   `mapstructure:"disable_docker"`
	NvidiaSMI     string `mapstructure:"nvidia_smi"`

	ConsulAddr string `mapstructure:"consul_addr"`

	AlertWebhook  string        `mapstructure:"alert_webhook"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
	AlertRules    []alerts.Rule `mapstructure:"alert_rules"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("token", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("interval", "1s")
	v.SetDefault("history_size", 60)
	v.SetDefault("top_processes", 10)

	v.SetDefault("max_sessions", 0)
	v.SetDefault("session_queue", 16)
	v.SetDefault("command_rate", 5.0)
	v.SetDefault("command_burst", 10)
	v.SetDefault("write_timeout", "10s")

	v.SetDefault("dispatch_queue", 64)
	v.SetDefault("dispatch_concurrency", 4)
	v.SetDefault("action_timeout", "30s")

	v.SetDefault("db_path", "aegis.db")
	v.SetDefault("outcome_retention", "168h")

	v.SetDefault("docker_host", "")
	v.SetDefault("disable_docker", false)
	v.SetDefault("nvidia_smi", "nvidia-smi")

	v.SetDefault("consul_addr", "")

	v.SetDefault("alert_webhook", "")
	v.SetDefault("alert_cooldown", "5m")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration. path may be empty, and flags may be nil.
// Flag names use dashes where keys use underscores (--http-addr sets
// http_addr).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		known := make(map[string]bool)
		for _, key := range v.AllKeys() {
			known[key] = true
		}

		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !known[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.AlertRules) == 0 {
		cfg.AlertRules = alerts.DefaultRules()
	}

	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Token == "" {
		errs = multierror.Append(errs, fmt.Errorf("token is required (set %s_TOKEN)", EnvPrefix))
	}
	if c.HTTPAddr == "" {
		errs = multierror.Append(errs, errors.New("http_addr must not be empty"))
	}
	if c.Interval < 100*time.Millisecond {
		errs = multierror.Append(errs, fmt.Errorf("interval must be at least 100ms, got %s", c.Interval))
	}
	if c.HistorySize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("history_size must be positive, got %d", c.HistorySize))
	}
	if c.TopProcesses < 1 {
		errs = multierror.Append(errs, fmt.Errorf("top_processes must be positive, got %d", c.TopProcesses))
	}
	if c.MaxSessions < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_sessions must not be negative, got %d", c.MaxSessions))
	}
	if c.SessionQueue < 1 {
		errs = multierror.Append(errs, fmt.Errorf("session_queue must be positive, got %d", c.SessionQueue))
	}
	if c.CommandRate <= 0 || c.CommandBurst < 1 {
		errs = multierror.Append(errs, errors.New("command_rate and command_burst must be positive"))
	}
	if c.DispatchQueue < 1 || c.DispatchConcurrency < 1 {
		errs = multierror.Append(errs, errors.New("dispatch_queue and dispatch_concurrency must be positive"))
	}
	if c.ActionTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("action_timeout must be positive, got %s", c.ActionTimeout))
	}
	if c.DBPath == "" {
		errs = multierror.Append(errs, errors.New("db_path must not be empty"))
	}
	if c.AlertWebhook != "" {
		if u, err := url.Parse(c.AlertWebhook); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = multierror.Append(errs, fmt.Errorf("alert_webhook must be an http(s) URL, got %q", c.AlertWebhook))
		}
	}
	for _, r := range c.AlertRules {
		if r.Metric != alerts.MetricCPU && r.Metric != alerts.MetricMemory {
			errs = multierror.Append(errs, fmt.Errorf("alert rule %q: unknown metric %q", r.ID, r.Metric))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = multierror.Append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	return errs.ErrorOrNil()
}
