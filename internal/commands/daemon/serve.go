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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/commands/shared"
	unitd "github.com/tombee/unitd/internal/daemon"
)

// Serve command flags
var (
	servePIDFile     string
	serveUnitsDirs   []string
	serveDefaultUnit string
	serveIdleTimeout time.Duration
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the unitd daemon in the foreground",
		Long: `Run the unitd daemon in the foreground.

The daemon listens on a Unix socket, hosts units, and runs their scheduled
jobs. It exits on SIGINT or SIGTERM, on a shutdown request from a client,
or after the idle timeout when nothing is connected and no jobs exist.`,
		Example: `  # Start with settings from config.yaml
  unitd serve

  # Serve units from a project directory, stopping after 10 idle minutes
  unitd serve --units-dir ./units --idle-timeout 10m`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&servePIDFile, "pid-file", "", "PID file path (overrides config)")
	cmd.Flags().StringSliceVar(&serveUnitsDirs, "units-dir", nil, "Directory to search for units (repeatable)")
	cmd.Flags().StringVar(&serveDefaultUnit, "default-unit", "", "Unit serving requests that name none")
	cmd.Flags().DurationVar(&serveIdleTimeout, "idle-timeout", 0, "Stop after this long with no clients or jobs")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, c, b := shared.GetVersion()

	opts := unitd.RunOptions{
		Version:     v,
		Commit:      c,
		BuildDate:   b,
		ConfigPath:  shared.GetConfigPath(),
		SocketPath:  shared.GetSocketPath(),
		PIDFile:     servePIDFile,
		UnitsDirs:   serveUnitsDirs,
		DefaultUnit: serveDefaultUnit,
	}
	if cmd.Flags().Changed("idle-timeout") {
		idle := serveIdleTimeout
		opts.IdleTimeout = &idle
	}

	return unitd.Run(opts)
}
