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

package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/unitd/internal/commands/shared"
)

// SetVersion stamps build metadata. Call it before NewRootCommand so
// --version reports it.
func SetVersion(version, commit, date string) {
	shared.SetVersion(version, commit, date)
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// NewRootCommand builds the bare unitd command carrying the global flags.
// Subcommands are added by main.
func NewRootCommand() *cobra.Command {
	version, _, _ := shared.GetVersion()

	cmd := &cobra.Command{
		Use:   "unitd",
		Short: "unitd - local unit host",
		Long: `unitd hosts units, small modules of named methods, in a background
daemon reachable over a Unix socket. Units keep state across calls and
share it through sessions, locks, channels and scheduled jobs.

The daemon starts on demand. Run 'unitd call <unit> <method>' to invoke
a method, or 'unitd serve' to run the daemon in the foreground.`,
		Version: version,
		// Errors are printed once by HandleExitError with the right exit code.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	bindGlobalFlags(cmd.PersistentFlags())
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	return cmd
}

func bindGlobalFlags(fs *pflag.FlagSet) {
	g := shared.RegisterFlagPointers()

	fs.BoolVarP(g.Verbose, "verbose", "v", false, "Enable verbose output")
	fs.BoolVarP(g.Quiet, "quiet", "q", false, "Suppress non-error output")
	fs.BoolVar(g.JSON, "json", false, "Output in JSON format")
	fs.StringVar(g.Config, "config", "", "Path to config file (default: ~/.config/unitd/config.yaml)")
	fs.StringVar(g.Socket, "socket", "", "Daemon socket path (overrides config)")
	fs.StringVar(g.Session, "session", "", "Session id to attach to (default: new session)")
	fs.BoolVar(g.NoAutoStart, "no-autostart", false, "Do not start the daemon if it is not running")
	fs.DurationVar(g.Timeout, "timeout", 0, "Bound the whole command (0 means no limit)")
}

// HandleExitError prints err and exits with the code it maps to.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
