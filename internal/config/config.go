// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	uerrors "github.com/tombee/unitd/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete unitd configuration.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Units     UnitsConfig     `yaml:"units"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Locks     LocksConfig     `yaml:"locks"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Client    ClientConfig    `yaml:"client"`
}

// DaemonConfig configures the daemon process and its socket.
type DaemonConfig struct {
	// RuntimeDir holds the socket and PID file.
	// Environment: UNITD_HOME
	// Default: $XDG_RUNTIME_DIR/unitd, else ~/.unitd
	RuntimeDir string `yaml:"runtime_dir,omitempty"`

	// SocketPath is the Unix socket clients connect to.
	// Environment: UNITD_SOCKET
	// Default: <runtime_dir>/unitd.sock
	SocketPath string `yaml:"socket_path,omitempty"`

	// PIDFile is locked for the daemon's lifetime.
	// Environment: UNITD_PID_FILE
	// Default: <runtime_dir>/unitd.pid
	PIDFile string `yaml:"pid_file,omitempty"`

	// IdleTimeout stops the daemon after this long with no connections.
	// Environment: UNITD_IDLE_TIMEOUT
	// Default: 0 (never)
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`

	// RequestTimeout bounds a command while it is not waiting on a prompt.
	// Environment: UNITD_REQUEST_TIMEOUT
	// Default: 5m. Zero disables.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// MaxLineBytes caps a single inbound protocol line.
	// Default: 16 MiB
	MaxLineBytes int `yaml:"max_line_bytes,omitempty"`

	// OutboundQueue is the per-connection send queue length.
	// Default: 256
	OutboundQueue int `yaml:"outbound_queue,omitempty"`

	// DefaultUnit serves requests that name no unit.
	DefaultUnit string `yaml:"default_unit,omitempty"`
}

// SessionsConfig configures logical client sessions.
type SessionsConfig struct {
	// IdleTimeout is how long a session with no connections survives.
	// Zero removes it as soon as its last connection closes.
	// Default: 5m
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often expired sessions are collected.
	// Default: 30s
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// UnitsConfig configures unit discovery and lifecycle.
type UnitsConfig struct {
	// Dirs are searched in order for units referenced by name.
	// Environment: UNITD_UNITS_DIR (colon-separated)
	// Default: [~/.unitd/units]
	Dirs []string `yaml:"dirs,omitempty"`

	// Watch reloads units when their source changes.
	// Default: true
	Watch bool `yaml:"watch"`

	// Debounce collapses bursts of file events.
	// Default: 250ms
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// MaxReloadsPerMinute limits watcher-driven reloads per unit.
	// Default: 30
	MaxReloadsPerMinute int `yaml:"max_reloads_per_minute,omitempty"`

	// IdleTimeout shuts down instances unused for this long, unless the
	// unit declares its own. Default: 0 (disabled)
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`

	// IdleCheckInterval is how often idle instances are swept.
	// Default: 30s
	IdleCheckInterval time.Duration `yaml:"idle_check_interval,omitempty"`
}

// SchedulerConfig configures cron jobs.
type SchedulerConfig struct {
	// TickInterval is how often due jobs are checked.
	// Default: 30s
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`

	// MaxConcurrentJobs bounds simultaneously running jobs.
	// Default: 8
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs,omitempty"`

	// JobTimeout bounds a single run.
	// Default: 10m
	JobTimeout time.Duration `yaml:"job_timeout,omitempty"`
}

// LocksConfig configures named locks.
type LocksConfig struct {
	// DefaultTTL applies when a lock request has no timeout.
	// Default: 30s
	DefaultTTL time.Duration `yaml:"default_ttl,omitempty"`
}

// ChannelsConfig configures pub/sub.
type ChannelsConfig struct {
	// HistorySize is how many events each channel retains for replay.
	// Default: 100
	HistorySize int `yaml:"history_size,omitempty"`

	// MaxChannels bounds how many channels keep history at once.
	// Default: 1024
	MaxChannels int `yaml:"max_channels,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to log entries.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Addr is the HTTP listen address for /metrics.
	// Environment: UNITD_METRICS_ADDR
	// Default: 127.0.0.1:9465
	Addr string `yaml:"addr,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is one of stdout, otlp-http, otlp-grpc.
	// Default: stdout
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the collector address for the otlp exporters.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// SampleRate is the fraction of requests traced, 0 to 1.
	// Default: 1
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ClientConfig configures CLI connections to the daemon.
type ClientConfig struct {
	// AutoStart spawns the daemon when a command finds it missing.
	// Environment: UNITD_AUTO_START
	// Default: true
	AutoStart bool `yaml:"auto_start"`

	// StartTimeout is how long to wait for a spawned daemon.
	// Default: 10s
	StartTimeout time.Duration `yaml:"start_timeout,omitempty"`
}

// Valid tracing exporters.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			RuntimeDir:      defaultRuntimeDir(),
			RequestTimeout:  5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			MaxLineBytes:    16 << 20,
			OutboundQueue:   256,
		},
		Sessions: SessionsConfig{
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Units: UnitsConfig{
			Watch:               true,
			Debounce:            250 * time.Millisecond,
			MaxReloadsPerMinute: 30,
			IdleCheckInterval:   30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:      30 * time.Second,
			MaxConcurrentJobs: 8,
			JobTimeout:        10 * time.Minute,
		},
		Locks: LocksConfig{
			DefaultTTL: 30 * time.Second,
		},
		Channels: ChannelsConfig{
			HistorySize: 100,
			MaxChannels: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9465",
		},
		Tracing: TracingConfig{
			Exporter:   ExporterStdout,
			SampleRate: 1,
		},
		Client: ClientConfig{
			AutoStart:    true,
			StartTimeout: 10 * time.Second,
		},
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file. A missing file at
// the default location is not an error; a missing explicit path is.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	path, explicit := configPath, configPath != ""
	if !explicit {
		if p, err := ConfigPath(); err == nil {
			path = p
		}
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, &uerrors.ConfigError{
					Key:    "config_file",
					Reason: fmt.Sprintf("failed to load from %s", path),
					Cause:  err,
				}
			}
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &uerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults derives paths from the runtime and home directories once
// the file and environment have had their say.
func (c *Config) applyDefaults() {
	if c.Daemon.RuntimeDir == "" {
		c.Daemon.RuntimeDir = defaultRuntimeDir()
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(c.Daemon.RuntimeDir, "unitd.sock")
	}
	if c.Daemon.PIDFile == "" {
		c.Daemon.PIDFile = filepath.Join(c.Daemon.RuntimeDir, "unitd.pid")
	}
	if len(c.Units.Dirs) == 0 {
		c.Units.Dirs = []string{filepath.Join(HomeDir(), "units")}
	}
	for i, dir := range c.Units.Dirs {
		c.Units.Dirs[i] = expandHome(dir)
	}
	c.Daemon.SocketPath = expandHome(c.Daemon.SocketPath)
	c.Daemon.PIDFile = expandHome(c.Daemon.PIDFile)
	c.Daemon.RuntimeDir = expandHome(c.Daemon.RuntimeDir)
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides. Unparseable values are
// reported rather than silently ignored.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("UNITD_HOME"); val != "" {
		c.Daemon.RuntimeDir = val
	}
	if val := os.Getenv("UNITD_SOCKET"); val != "" {
		c.Daemon.SocketPath = val
	}
	if val := os.Getenv("UNITD_PID_FILE"); val != "" {
		c.Daemon.PIDFile = val
	}
	if val := os.Getenv("UNITD_UNITS_DIR"); val != "" {
		c.Units.Dirs = filepath.SplitList(val)
	}
	if val := os.Getenv("UNITD_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
		c.Metrics.Enabled = true
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"UNITD_IDLE_TIMEOUT", &c.Daemon.IdleTimeout},
		{"UNITD_REQUEST_TIMEOUT", &c.Daemon.RequestTimeout},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return &uerrors.ConfigError{Key: d.env, Reason: fmt.Sprintf("invalid duration %q", val), Cause: err}
		}
		*d.dst = parsed
	}

	if val := os.Getenv("UNITD_AUTO_START"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return &uerrors.ConfigError{Key: "UNITD_AUTO_START", Reason: fmt.Sprintf("invalid boolean %q", val), Cause: err}
		}
		c.Client.AutoStart = enabled
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Daemon.SocketPath == "" {
		errs = append(errs, "daemon.socket_path is required")
	}
	if c.Daemon.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("daemon.idle_timeout must not be negative, got %v", c.Daemon.IdleTimeout))
	}
	if c.Daemon.RequestTimeout < 0 {
		errs = append(errs, fmt.Sprintf("daemon.request_timeout must not be negative, got %v", c.Daemon.RequestTimeout))
	}
	if c.Daemon.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.shutdown_timeout must be positive, got %v", c.Daemon.ShutdownTimeout))
	}
	if c.Daemon.MaxLineBytes < 1024 {
		errs = append(errs, fmt.Sprintf("daemon.max_line_bytes must be at least 1024, got %d", c.Daemon.MaxLineBytes))
	}
	if c.Daemon.OutboundQueue < 1 {
		errs = append(errs, fmt.Sprintf("daemon.outbound_queue must be positive, got %d", c.Daemon.OutboundQueue))
	}

	if c.Sessions.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("sessions.idle_timeout must not be negative, got %v", c.Sessions.IdleTimeout))
	}
	if c.Sessions.SweepInterval <= 0 {
		errs = append(errs, fmt.Sprintf("sessions.sweep_interval must be positive, got %v", c.Sessions.SweepInterval))
	}

	if c.Units.MaxReloadsPerMinute < 1 {
		errs = append(errs, fmt.Sprintf("units.max_reloads_per_minute must be positive, got %d", c.Units.MaxReloadsPerMinute))
	}
	if c.Units.Debounce < 0 {
		errs = append(errs, fmt.Sprintf("units.debounce must not be negative, got %v", c.Units.Debounce))
	}
	if c.Units.IdleCheckInterval <= 0 {
		errs = append(errs, fmt.Sprintf("units.idle_check_interval must be positive, got %v", c.Units.IdleCheckInterval))
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.tick_interval must be positive, got %v", c.Scheduler.TickInterval))
	}
	if c.Scheduler.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_concurrent_jobs must be positive, got %d", c.Scheduler.MaxConcurrentJobs))
	}

	if c.Locks.DefaultTTL <= 0 {
		errs = append(errs, fmt.Sprintf("locks.default_ttl must be positive, got %v", c.Locks.DefaultTTL))
	}
	if c.Channels.HistorySize < 0 {
		errs = append(errs, fmt.Sprintf("channels.history_size must not be negative, got %d", c.Channels.HistorySize))
	}
	if c.Channels.MaxChannels < 0 {
		errs = append(errs, fmt.Sprintf("channels.max_channels must not be negative, got %d", c.Channels.MaxChannels))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of trace, debug, info, warn, error, got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case ExporterStdout:
		case ExporterOTLPHTTP, ExporterOTLPGRPC:
			if c.Tracing.Endpoint == "" {
				errs = append(errs, fmt.Sprintf("tracing.endpoint is required for the %s exporter", c.Tracing.Exporter))
			}
		default:
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of stdout, otlp-http, otlp-grpc, got %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
