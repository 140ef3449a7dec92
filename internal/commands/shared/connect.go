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

package shared

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/unitd/internal/cli/prompt"
	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/config"
	internallog "github.com/tombee/unitd/internal/log"
)

// LoadConfig loads the config named by --config and applies --socket.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, err
	}
	if s := GetSocketPath(); s != "" {
		cfg.Daemon.SocketPath = s
	}
	return cfg, nil
}

// AutoStartConfig derives client auto-start settings from cfg and the
// global flags.
func AutoStartConfig(cfg *config.Config) client.AutoStartConfig {
	return client.AutoStartConfig{
		Enabled:      cfg.Client.AutoStart && !GetNoAutoStart(),
		SocketPath:   cfg.Daemon.SocketPath,
		ConfigPath:   GetConfigPath(),
		StartTimeout: cfg.Client.StartTimeout,
	}
}

// Connect opens a client to the daemon, starting it when allowed. Unit
// prompts are asked on the terminal, or answered with their defaults
// when the session is non-interactive.
func Connect(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	answerer := prompt.NewAnswerer(prompt.NewSurveyPrompter(!IsNonInteractive()))
	base := []client.Option{
		client.WithSessionID(GetSessionID()),
		client.WithPromptHandler(answerer.Answer),
	}
	if GetVerbose() {
		base = append(base, client.WithLogger(internallog.New(&internallog.Config{
			Level:  "debug",
			Format: internallog.FormatText,
			Output: os.Stderr,
		})))
	}
	return client.EnsureDaemon(ctx, AutoStartConfig(cfg), append(base, opts...)...)
}

// CommandContext returns a context cancelled by SIGINT or SIGTERM and
// bounded by --timeout when set.
func CommandContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if d := GetTimeout(); d > 0 {
		tctx, cancel := context.WithTimeout(ctx, d)
		return tctx, func() {
			cancel()
			stop()
		}
	}
	return ctx, stop
}
