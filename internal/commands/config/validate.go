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

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/commands/shared"
	"github.com/tombee/unitd/internal/config"
	"github.com/tombee/unitd/internal/unit/manifest"
)

// maxSocketPath is the usable length of a Unix socket path on Linux.
const maxSocketPath = 107

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long: `Validate the configuration file and environment overrides.

Checks performed:
  - YAML syntax and field values
  - Socket path fits the Unix socket limit
  - Unit directories exist
  - The default unit resolves and its manifest is valid

With --strict, warnings are treated as errors.`,
		Example: `  # Validate configuration
  unitd config validate

  # Validate with warnings as errors
  unitd config validate --strict

  # Get validation result as JSON
  unitd config validate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.OutOrStdout(), strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")

	return cmd
}

// runValidate performs configuration validation.
func runValidate(out io.Writer, strict bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		result := ValidationResult{Errors: []string{err.Error()}}
		return outputValidationResult(out, result, strict)
	}
	return outputValidationResult(out, validateConfig(cfg), strict)
}

// validateConfig checks what config.Validate cannot: the filesystem.
func validateConfig(cfg *config.Config) ValidationResult {
	var errors []string
	var warnings []string

	if n := len(cfg.Daemon.SocketPath); n > maxSocketPath {
		errors = append(errors, fmt.Sprintf("daemon.socket_path is %d bytes; Unix sockets allow at most %d", n, maxSocketPath))
	}

	for _, dir := range cfg.Units.Dirs {
		info, err := os.Stat(dir)
		switch {
		case os.IsNotExist(err):
			warnings = append(warnings, fmt.Sprintf("units directory %s does not exist", dir))
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("units directory %s: %v", dir, err))
		case !info.IsDir():
			errors = append(errors, fmt.Sprintf("units directory %s is not a directory", dir))
		}
	}

	if name := cfg.Daemon.DefaultUnit; name != "" {
		path := findUnit(name, cfg.Units.Dirs)
		if path == "" {
			errors = append(errors, fmt.Sprintf("daemon.default_unit %q not found in units.dirs", name))
		} else if _, err := manifest.ReadFile(path); err != nil {
			errors = append(errors, fmt.Sprintf("daemon.default_unit %q: %v", name, err))
		}
	}

	if cfg.Daemon.RequestTimeout == 0 {
		warnings = append(warnings, "daemon.request_timeout is 0; commands never time out")
	}

	return ValidationResult{
		Valid:    len(errors) == 0,
		Errors:   errors,
		Warnings: warnings,
	}
}

func findUnit(name string, dirs []string) string {
	for _, dir := range dirs {
		for _, ext := range manifest.Extensions {
			candidate := filepath.Join(dir, name+ext)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

// outputValidationResult prints the result and returns an error when it
// should fail the command.
func outputValidationResult(out io.Writer, result ValidationResult, strict bool) error {
	failed := !result.Valid || (strict && len(result.Warnings) > 0)
	result.Valid = !failed

	if shared.GetJSON() {
		if err := shared.EmitJSON(result); err != nil {
			return err
		}
	} else {
		for _, e := range result.Errors {
			fmt.Fprintln(out, shared.RenderError(e))
		}
		for _, w := range result.Warnings {
			fmt.Fprintln(out, shared.RenderWarn(w))
		}
		if !failed {
			fmt.Fprintln(out, shared.RenderOK("Configuration is valid"))
		}
	}

	if failed {
		return &shared.ExitError{Code: shared.ExitConfig, Message: "configuration is invalid"}
	}
	return nil
}
