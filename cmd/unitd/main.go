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

package main

import (
	"github.com/tombee/unitd/internal/cli"
	"github.com/tombee/unitd/internal/commands/channels"
	"github.com/tombee/unitd/internal/commands/completion"
	"github.com/tombee/unitd/internal/commands/config"
	"github.com/tombee/unitd/internal/commands/daemon"
	"github.com/tombee/unitd/internal/commands/jobs"
	"github.com/tombee/unitd/internal/commands/locks"
	"github.com/tombee/unitd/internal/commands/mcpserver"
	"github.com/tombee/unitd/internal/commands/unit"
	versioncmd "github.com/tombee/unitd/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Daemon
	rootCmd.AddCommand(daemon.NewServeCommand())
	rootCmd.AddCommand(daemon.NewCommand())

	// Units
	rootCmd.AddCommand(unit.NewCallCommand())
	rootCmd.AddCommand(unit.NewReloadCommand())

	// Coordination
	rootCmd.AddCommand(locks.NewLockCommand())
	rootCmd.AddCommand(locks.NewUnlockCommand())
	rootCmd.AddCommand(locks.NewLocksCommand())
	rootCmd.AddCommand(jobs.NewScheduleCommand())
	rootCmd.AddCommand(jobs.NewUnscheduleCommand())
	rootCmd.AddCommand(jobs.NewJobsCommand())
	rootCmd.AddCommand(channels.NewPublishCommand())
	rootCmd.AddCommand(channels.NewSubscribeCommand())
	rootCmd.AddCommand(channels.NewEventsCommand())

	// MCP bridge
	rootCmd.AddCommand(mcpserver.NewCommand())

	// Setup
	rootCmd.AddCommand(config.NewConfigCommand())
	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
