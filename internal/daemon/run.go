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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/unitd/internal/config"
	"github.com/tombee/unitd/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath selects a config file; empty uses the default location.
	ConfigPath string

	// Config overrides
	SocketPath  string
	PIDFile     string
	UnitsDirs   []string
	DefaultUnit string

	// IdleTimeout overrides daemon.idle_timeout when non-nil.
	IdleTimeout *time.Duration
}

// Run starts the daemon and blocks until a signal, a shutdown request or
// the idle timeout stops it.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := applyOverrides(cfg, opts); err != nil {
		return err
	}

	d, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		<-errCh
	case runErr = <-errCh:
	}

	if err := d.Shutdown(context.Background()); err != nil {
		logger.Error("Error during shutdown", slog.Any("error", err))
		if runErr == nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}
	if runErr != nil {
		logger.Error("Daemon error", slog.Any("error", runErr))
		return fmt.Errorf("daemon error: %w", runErr)
	}
	return nil
}

// applyOverrides layers command-line flags over the loaded config and
// re-validates the result.
func applyOverrides(cfg *config.Config, opts RunOptions) error {
	if opts.SocketPath != "" {
		cfg.Daemon.SocketPath = opts.SocketPath
	}
	if opts.PIDFile != "" {
		cfg.Daemon.PIDFile = opts.PIDFile
	}
	if len(opts.UnitsDirs) > 0 {
		cfg.Units.Dirs = opts.UnitsDirs
	}
	if opts.IdleTimeout != nil {
		cfg.Daemon.IdleTimeout = *opts.IdleTimeout
	}
	if opts.DefaultUnit != "" {
		cfg.Daemon.DefaultUnit = opts.DefaultUnit
	}
	return cfg.Validate()
}
