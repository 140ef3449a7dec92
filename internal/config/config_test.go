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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/tombee/unitd/pkg/errors"
)

// isolate points every directory lookup at a fresh temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("UNITD_HOME", filepath.Join(dir, "home"))
	for _, env := range []string{"UNITD_SOCKET", "UNITD_PID_FILE", "UNITD_UNITS_DIR", "UNITD_IDLE_TIMEOUT",
		"UNITD_REQUEST_TIMEOUT", "UNITD_METRICS_ADDR", "UNITD_AUTO_START", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
		t.Setenv(env, "")
	}
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	home := filepath.Join(dir, "home")
	assert.Equal(t, home, cfg.Daemon.RuntimeDir)
	assert.Equal(t, filepath.Join(home, "unitd.sock"), cfg.Daemon.SocketPath)
	assert.Equal(t, filepath.Join(home, "unitd.pid"), cfg.Daemon.PIDFile)
	assert.Equal(t, []string{filepath.Join(home, "units")}, cfg.Units.Dirs)
	assert.Equal(t, 5*time.Minute, cfg.Daemon.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 16<<20, cfg.Daemon.MaxLineBytes)
	assert.Equal(t, 30, cfg.Units.MaxReloadsPerMinute)
	assert.Equal(t, 30*time.Second, cfg.Locks.DefaultTTL)
	assert.Equal(t, 100, cfg.Channels.HistorySize)
	assert.True(t, cfg.Units.Watch)
	assert.True(t, cfg.Client.AutoStart)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestRuntimeDirFromXDG(t *testing.T) {
	dir := isolate(t)
	t.Setenv("UNITD_HOME", "")
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run", "unitd", "unitd.sock"), cfg.Daemon.SocketPath)
}

func TestLoadFromFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
daemon:
  socket_path: /tmp/custom.sock
  request_timeout: 0s
  default_unit: tasks
sessions:
  idle_timeout: 0s
units:
  dirs: [/srv/units, /opt/units]
  watch: false
scheduler:
  max_concurrent_jobs: 2
channels:
  history_size: 10
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, filepath.Join(dir, "home", "unitd.pid"), cfg.Daemon.PIDFile)
	assert.Equal(t, time.Duration(0), cfg.Daemon.RequestTimeout)
	assert.Equal(t, "tasks", cfg.Daemon.DefaultUnit)
	assert.Equal(t, time.Duration(0), cfg.Sessions.IdleTimeout)
	assert.Equal(t, []string{"/srv/units", "/opt/units"}, cfg.Units.Dirs)
	assert.False(t, cfg.Units.Watch)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 10, cfg.Channels.HistorySize)
	assert.Equal(t, "text", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 1024, cfg.Channels.MaxChannels)
}

func TestLoadDefaultLocationFile(t *testing.T) {
	dir := isolate(t)
	cfgDir := filepath.Join(dir, "config", "unitd")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	writeConfig(t, cfgDir, "daemon:\n  default_unit: notes\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "notes", cfg.Daemon.DefaultUnit)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "daemon:\n  socket_path: /from/file.sock\n")

	t.Setenv("UNITD_SOCKET", "/from/env.sock")
	t.Setenv("UNITD_UNITS_DIR", "/a"+string(os.PathListSeparator)+"/b")
	t.Setenv("UNITD_IDLE_TIMEOUT", "90s")
	t.Setenv("UNITD_METRICS_ADDR", "127.0.0.1:9999")
	t.Setenv("UNITD_AUTO_START", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Units.Dirs)
	assert.Equal(t, 90*time.Second, cfg.Daemon.IdleTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
	assert.False(t, cfg.Client.AutoStart)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		env     map[string]string
		missing bool
		wantKey string
	}{
		{name: "missing explicit file", missing: true, wantKey: "config_file"},
		{name: "bad yaml", body: "daemon: [", wantKey: "config_file"},
		{name: "bad duration env", env: map[string]string{"UNITD_REQUEST_TIMEOUT": "soon"}, wantKey: "UNITD_REQUEST_TIMEOUT"},
		{name: "bad bool env", env: map[string]string{"UNITD_AUTO_START": "maybe"}, wantKey: "UNITD_AUTO_START"},
		{name: "invalid value", body: "scheduler:\n  max_concurrent_jobs: 0\n", wantKey: "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(dir, "absent.yaml")
			if !tt.missing {
				path = writeConfig(t, dir, tt.body)
			}

			_, err := Load(path)
			require.Error(t, err)

			var cfgErr *uerrors.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantKey, cfgErr.Key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "negative request timeout",
			mutate:  func(c *Config) { c.Daemon.RequestTimeout = -time.Second },
			wantErr: "daemon.request_timeout",
		},
		{
			name:    "tiny line limit",
			mutate:  func(c *Config) { c.Daemon.MaxLineBytes = 10 },
			wantErr: "daemon.max_line_bytes",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = ExporterOTLPGRPC
			},
			wantErr: "tracing.endpoint",
		},
		{
			name: "unknown exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: "tracing.exporter",
		},
		{
			name: "disabled tracing ignores exporter",
			mutate: func(c *Config) {
				c.Tracing.Exporter = "zipkin"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Daemon.SocketPath = "/tmp/unitd.sock"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigPath(t *testing.T) {
	dir := isolate(t)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config", "unitd", "config.yaml"), path)
}
