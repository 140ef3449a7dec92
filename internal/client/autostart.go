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

package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tombee/unitd/internal/lifecycle"
)

// AutoStartedEnv marks a daemon started on demand by a client.
const AutoStartedEnv = "UNITD_AUTO_STARTED"

// AutoStartConfig configures automatic daemon startup behavior.
type AutoStartConfig struct {
	// Enabled enables automatic daemon startup.
	Enabled bool

	// SocketPath is the socket the daemon should listen on.
	SocketPath string

	// ConfigPath is passed to the daemon as --config when set.
	ConfigPath string

	// LogPath receives the daemon's output. Defaults to unitd.log next to
	// the socket.
	LogPath string

	// Binary is the unitd executable. Defaults to the running executable.
	Binary string

	// StartTimeout is how long to wait for the daemon to start.
	StartTimeout time.Duration
}

// StartDaemon starts unitd in the background and waits until it answers a
// ping on the configured socket.
func StartDaemon(ctx context.Context, cfg AutoStartConfig) error {
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(filepath.Dir(cfg.SocketPath), "unitd.log")
	}

	binary, err := daemonBinary(cfg.Binary)
	if err != nil {
		return err
	}

	args := []string{"serve", "--socket", cfg.SocketPath}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}

	_, err = lifecycle.Spawn(lifecycle.Detached{
		Binary:  binary,
		Args:    args,
		Env:     append(os.Environ(), AutoStartedEnv+"=1"),
		LogPath: cfg.LogPath,
	})
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for daemon to start (log: %s)", cfg.LogPath)
		case <-ticker.C:
			if pingSocket(ctx, cfg.SocketPath) == nil {
				return nil
			}
		}
	}
}

// EnsureDaemon connects to the daemon, starting it first if it is not
// running and auto-start is enabled.
func EnsureDaemon(ctx context.Context, cfg AutoStartConfig, opts ...Option) (*Client, error) {
	c, err := Dial(ctx, cfg.SocketPath, opts...)
	if err == nil {
		return c, nil
	}
	if !IsDaemonNotRunning(err) {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	if !cfg.Enabled {
		return nil, err
	}

	if err := StartDaemon(ctx, cfg); err != nil {
		return nil, fmt.Errorf("auto-start failed: %w", err)
	}
	return Dial(ctx, cfg.SocketPath, opts...)
}

func pingSocket(ctx context.Context, socketPath string) error {
	c, err := Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(ctx)
}

func daemonBinary(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if exe, err := os.Executable(); err == nil && filepath.Base(exe) == "unitd" {
		return exe, nil
	}
	path, err := exec.LookPath("unitd")
	if err != nil {
		return "", fmt.Errorf("unitd not found in PATH: %w", err)
	}
	return path, nil
}
