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

/*
Package cli builds the unitd root command: its global flags, the JSON
capable help command and the mapping from errors to exit codes. The verbs
themselves live under internal/commands; format and prompt render unit
results and answer unit questions on the terminal.

# Command Tree

The CLI is organized as:

	unitd
	├── serve        Run the daemon in the foreground
	├── daemon       start, stop, status, ping
	├── call         Invoke a unit method
	├── reload       Reload a unit from disk
	├── lock         Acquire a named lock
	├── unlock       Release a named lock
	├── locks        List held locks
	├── schedule     Schedule a recurring method call
	├── unschedule   Remove a scheduled job
	├── jobs         List scheduled jobs
	├── publish      Publish to a channel
	├── subscribe    Stream channel messages
	├── events       Replay channel history
	├── mcp          Expose units as MCP tools over stdio
	├── config       show, path, validate
	├── completion   Shell completion scripts
	├── version      Show version
	└── help         Show help

# Wiring

main stamps the build, adds each verb and installs the help command:

	cli.SetVersion(version, commit, date)
	root := cli.NewRootCommand()
	root.AddCommand(unit.NewCallCommand())
	root.SetHelpCommand(cli.NewHelpCommand(root))
	if err := root.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Debug logging from the client (excludes -q)
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file
	--socket         Daemon socket path
	--session        Session id to attach to
	--no-autostart   Fail instead of starting the daemon
	--timeout        Bound the whole command

# Exit Codes

  - Exit 0: Success
  - Exit 1: General error
  - Exit 2: Invalid usage
  - Exit 3: Daemon not running
  - Exit 4: Not found
  - Exit 5: Timed out
  - Exit 78: Configuration error
*/
package cli
