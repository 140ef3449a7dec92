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

package mcpserver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/bridge"
	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/commands/shared"
	"github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/protocol"
)

// manifestGlob finds unit manifests under a directory.
const manifestGlob = "**/*.{yaml,yml}"

// NewCommand creates the mcp command
func NewCommand() *cobra.Command {
	var (
		logLevel       string
		callsPerMinute int
	)

	cmd := &cobra.Command{
		Use:   "mcp <unit-path>...",
		Short: "Expose units as MCP tools over stdio",
		Long: `Serve the methods of the given units as Model Context Protocol tools.

Each argument is a unit manifest or a directory searched recursively for
manifests. Every method becomes a tool named <unit>_<method>; tool calls
are forwarded to the daemon, which is started on demand. Prompts raised
by a unit are answered with their default, and fail the call when there
is none.

Configuration example for an MCP client:
  {
    "mcpServers": {
      "units": {
        "command": "unitd",
        "args": ["mcp", "/path/to/units"]
      }
    }
  }`,
		Annotations: map[string]string{
			"group": "integrations",
		},
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPServer(cmd, args, logLevel, callsPerMinute)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging verbosity (debug, info, warn, error)")
	cmd.Flags().IntVar(&callsPerMinute, "calls-per-minute", 120, "Maximum tool calls per minute")

	return cmd
}

func runMCPServer(cmd *cobra.Command, args []string, logLevel string, callsPerMinute int) error {
	versionStr, _, _ := shared.GetVersion()

	// stdout carries the MCP stream
	logger := log.New(&log.Config{Level: logLevel, Format: log.FormatText, Output: os.Stderr})

	paths, err := expandUnitPaths(args)
	if err != nil {
		return err
	}

	ctx, cancel := shared.CommandContext(cmd.Context())
	defer cancel()

	c, err := shared.Connect(ctx,
		client.WithClientType(protocol.ClientMCP),
		client.WithPromptHandler(bridge.AnswerWithDefault),
		client.WithLogger(log.WithComponent(logger, "client")),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	srv, err := bridge.NewServer(bridge.Config{
		Name:           "unitd",
		Version:        versionStr,
		UnitPaths:      paths,
		Caller:         c,
		CallsPerMinute: callsPerMinute,
		Logger:         log.WithComponent(logger, "bridge"),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return fmt.Errorf("connection to daemon closed")
	}
}

// expandUnitPaths resolves manifest files and directories to absolute
// manifest paths, sorted and without duplicates.
func expandUnitPaths(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		if !seen[abs] {
			seen[abs] = true
			paths = append(paths, abs)
		}
		return nil
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("unit path %s: %w", arg, err)
		}
		if !info.IsDir() {
			if err := add(arg); err != nil {
				return nil, err
			}
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(arg), manifestGlob)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no unit manifests found in %s", arg)
		}
		for _, m := range matches {
			if err := add(filepath.Join(arg, filepath.FromSlash(m))); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(paths)
	return paths, nil
}
