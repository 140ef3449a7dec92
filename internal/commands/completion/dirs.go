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

package completion

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/commands/shared"
	"github.com/tombee/unitd/internal/config"
)

// errUntrustedConfig is returned for a config file others can write.
// Completion runs on every tab press, so such a file is ignored rather
// than loaded.
var errUntrustedConfig = errors.New("config file is writable by group or others")

// trusted reports whether path is missing or only writable by its owner.
func trusted(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.Mode().Perm()&0o022 == 0
}

// unitDirs returns the configured unit directories, honoring --config and
// the environment the same way the daemon does.
func unitDirs() ([]string, error) {
	path := shared.GetConfigPath()
	explicit := path != ""
	if !explicit {
		p, err := config.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if !trusted(path) {
		return nil, errUntrustedConfig
	}
	if !explicit {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.Units.Dirs, nil
}

// guarded runs a completion and turns panics and nil results into an
// empty, non-file completion.
func guarded(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	defer func() {
		if recover() != nil {
			results, directive = []string{}, cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}
