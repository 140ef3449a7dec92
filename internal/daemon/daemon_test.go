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

package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/config"
	"github.com/tombee/unitd/internal/lifecycle"
	"github.com/tombee/unitd/internal/protocol"
)

const counterUnit = `name: counter
scope: session
state:
  count: 0
methods:
  increment:
    params: [n]
    expr: set("count", state.count + (args.n ?? 1))
  greet:
    expr: '"hello " + ask("Your name?", "world")'
`

// testConfig returns a config rooted in a short temp dir; unix socket paths
// have a small length limit.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "unitd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	units := filepath.Join(dir, "units")
	require.NoError(t, os.MkdirAll(units, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(units, "counter.yaml"), []byte(counterUnit), 0600))

	cfg := config.Default()
	cfg.Daemon.RuntimeDir = filepath.Join(dir, "run")
	cfg.Daemon.SocketPath = filepath.Join(dir, "run", "unitd.sock")
	cfg.Daemon.PIDFile = filepath.Join(dir, "run", "unitd.pid")
	cfg.Units.Dirs = []string{units}
	cfg.Units.Watch = false
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, <-chan error) {
	t.Helper()
	d, err := New(cfg, Options{Version: "test", Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(context.Background())
	}()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(func() {
		_ = d.Shutdown(context.Background())
	})
	return d, errCh
}

func dial(t *testing.T, cfg *config.Config, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), cfg.Daemon.SocketPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDaemonServesUnits(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)
	ctx := testCtx(t)

	a := dial(t, cfg, client.WithSessionID("a"))
	b := dial(t, cfg, client.WithSessionID("b"))

	require.NoError(t, a.Ping(ctx))

	out, err := a.Call(ctx, "counter", "increment", map[string]any{"n": 2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)

	out, err = a.Call(ctx, "counter", "increment", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)

	// Session scoped: b has its own counter.
	out, err = b.Call(ctx, "counter", "increment", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out)
}

func TestDaemonPrompt(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	c := dial(t, cfg, client.WithPromptHandler(func(_ context.Context, p protocol.Prompt) (any, error) {
		assert.Equal(t, "Your name?", p.Message)
		return "ada", nil
	}))

	out, err := c.Call(testCtx(t), "counter", "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)
}

func TestDaemonWritesAndRemovesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)

	assert.FileExists(t, cfg.Daemon.SocketPath)
	pid, err := lifecycle.NewPIDFile(cfg.Daemon.PIDFile).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.NoFileExists(t, cfg.Daemon.SocketPath)
	assert.NoFileExists(t, cfg.Daemon.PIDFile)
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	second, err := New(cfg, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	err = second.Start(context.Background())
	require.ErrorIs(t, err, lifecycle.ErrAlreadyRunning)

	// The refused instance must leave the running daemon's socket alone.
	require.NoError(t, second.Shutdown(context.Background()))
	assert.FileExists(t, cfg.Daemon.SocketPath)
	require.NoError(t, dial(t, cfg).Ping(testCtx(t)))
}

func TestDaemonReplacesStaleSocket(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Daemon.RuntimeDir, 0700))
	require.NoError(t, os.WriteFile(cfg.Daemon.PIDFile, []byte("999999\n"), 0600))

	// A socket file nobody listens on, as a crashed daemon leaves behind.
	stale, err := net.Listen("unix", cfg.Daemon.SocketPath)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	startDaemon(t, cfg)
	require.NoError(t, dial(t, cfg).Ping(testCtx(t)))
}

func TestDaemonFailedStartLeavesSocketPathAlone(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, path string)
		check   func(t *testing.T, path string)
	}{
		{
			name: "regular file",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("user data"), 0600))
			},
			check: func(t *testing.T, path string) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				assert.Equal(t, "user data", string(data))
			},
		},
		{
			name: "live socket",
			prepare: func(t *testing.T, path string) {
				ln, err := net.Listen("unix", path)
				require.NoError(t, err)
				t.Cleanup(func() { ln.Close() })
			},
			check: func(t *testing.T, path string) {
				conn, err := net.Dial("unix", path)
				require.NoError(t, err)
				conn.Close()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			require.NoError(t, os.MkdirAll(cfg.Daemon.RuntimeDir, 0700))
			tt.prepare(t, cfg.Daemon.SocketPath)

			d, err := New(cfg, Options{Registerer: prometheus.NewRegistry()})
			require.NoError(t, err)

			require.Error(t, d.Start(context.Background()))
			require.NoError(t, d.Shutdown(context.Background()))

			tt.check(t, cfg.Daemon.SocketPath)
			assert.NoFileExists(t, cfg.Daemon.PIDFile)
		})
	}
}

func TestDaemonShutdownRequest(t *testing.T) {
	cfg := testConfig(t)
	d, errCh := startDaemon(t, cfg)

	require.NoError(t, dial(t, cfg).Shutdown(testCtx(t)))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after shutdown request")
	}
	require.NoError(t, d.Shutdown(context.Background()))
	assert.NoFileExists(t, cfg.Daemon.SocketPath)
}

func TestDaemonIdleShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.IdleTimeout = 200 * time.Millisecond
	d, errCh := startDaemon(t, cfg)

	select {
	case <-d.Stopping():
	case <-time.After(5 * time.Second):
		t.Fatal("idle daemon did not stop")
	}
	require.NoError(t, <-errCh)
}

func TestIdleMonitorCheck(t *testing.T) {
	now := time.Unix(1000, 0)
	busy := false
	m := newIdleMonitor(time.Minute, func() bool { return busy }, func() {})
	m.now = func() time.Time { return now }

	assert.False(t, m.check(), "first idle observation starts the clock")

	now = now.Add(30 * time.Second)
	assert.False(t, m.check())

	busy = true
	now = now.Add(time.Minute)
	assert.False(t, m.check(), "busy resets the clock")

	busy = false
	assert.False(t, m.check())
	now = now.Add(time.Minute)
	assert.True(t, m.check())
}

func TestRequestTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(-1), requestTimeout(0))
	assert.Equal(t, time.Minute, requestTimeout(time.Minute))
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.SocketPath = "/tmp/a.sock"
	idle := 3 * time.Minute

	require.NoError(t, applyOverrides(cfg, RunOptions{
		SocketPath:  "/tmp/b.sock",
		UnitsDirs:   []string{"/srv/units"},
		DefaultUnit: "todo",
		IdleTimeout: &idle,
	}))
	assert.Equal(t, "/tmp/b.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, []string{"/srv/units"}, cfg.Units.Dirs)
	assert.Equal(t, "todo", cfg.Daemon.DefaultUnit)
	assert.Equal(t, idle, cfg.Daemon.IdleTimeout)

	negative := -time.Second
	assert.Error(t, applyOverrides(cfg, RunOptions{IdleTimeout: &negative}))
}
