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

// Package unit implements the commands that invoke and reload units.
package unit

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/cli/format"
	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/commands/completion"
	"github.com/tombee/unitd/internal/commands/shared"
)

// NewCallCommand creates the call command.
func NewCallCommand() *cobra.Command {
	var (
		pairs    []string
		argsJSON string
		argsFile string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "call <unit> <method>",
		Short: "Invoke a method on a unit",
		Long: `Invoke a method on a unit hosted by the daemon.

The unit is a name resolved against units.dirs, or a path to a manifest.
Questions the unit asks are prompted on the terminal; in non-interactive
contexts their defaults are used.

Session-scoped units keep their state between calls that share a
--session id.`,
		Example: `  # Call a unit by name
  unitd call counter increment --arg by=2

  # Call a manifest by path with a JSON argument object
  unitd call ./units/deploy.yaml plan --args '{"env":"staging"}'

  # Share session state between calls
  unitd --session dev call counter increment`,
		Annotations: map[string]string{
			"group": "units",
		},
		Args:              cobra.ExactArgs(2),
		ValidArgsFunction: completion.CompleteUnitThenMethod,
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := parseArgs(pairs, argsJSON, argsFile, cmd.InOrStdin())
			if err != nil {
				return shared.NewUsageError("invalid arguments", err)
			}

			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.Call(ctx, args[0], args[1], callArgs)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("call", result)
			}
			return printResult(cmd, result, output, format.IsTTY())
		},
	}

	cmd.Flags().StringArrayVarP(&pairs, "arg", "a", nil, "Argument in key=value format (repeatable)")
	cmd.Flags().StringVar(&argsJSON, "args", "", "Arguments as a JSON object")
	cmd.Flags().StringVar(&argsFile, "args-file", "", "JSON file with arguments (use '-' for stdin)")
	cmd.Flags().StringVarP(&output, "format", "f", "", "Render the result as "+strings.Join(format.Names(), ", "))
	_ = cmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return format.Names(), cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// NewReloadCommand creates the reload command.
func NewReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <path>",
		Short: "Reload a unit from its source",
		Long: `Reload a unit from its manifest. Running instances are shut down and
the next call starts them from the new definition. Invalid manifests are
rejected and the previous version keeps serving.`,
		Annotations: map[string]string{
			"group": "units",
		},
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Reload(ctx, args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("reload", res)
			}

			printReload(cmd.OutOrStdout(), args[0], res)
			return nil
		},
	}
}

// printReload lists the reloaded unit's methods under a summary line.
func printReload(out io.Writer, path string, res *client.ReloadResult) {
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Reloaded %s (%s)", res.Unit, filepath.Base(path))))
	for _, m := range res.Methods {
		line := "  " + m.Name
		if m.Description != "" {
			line += "  " + shared.Paint(shared.ToneMuted, m.Description)
		}
		fmt.Fprintln(out, line)
	}
}

// printResult renders result in the requested format.
func printResult(cmd *cobra.Command, result any, output string, isTTY bool) error {
	rendered, err := format.Render(result, output, isTTY)
	if err != nil {
		return err
	}
	if rendered == "" {
		return nil
	}
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)
	return err
}
