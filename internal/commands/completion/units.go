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
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/unit"
	"github.com/tombee/unitd/internal/unit/manifest"
)

// maxUnitNames caps the names offered from unit directories.
const maxUnitNames = 200

// CompleteUnitThenMethod completes a unit as the first argument and one of
// its methods as the second.
func CompleteUnitThenMethod(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	switch len(args) {
	case 0:
		return CompleteUnits(cmd, args, toComplete)
	case 1:
		return guarded(func() ([]string, cobra.ShellCompDirective) {
			dirs, err := unitDirs()
			if err != nil {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			return methodsOf(resolveUnit(args[0], dirs), toComplete), cobra.ShellCompDirectiveNoFileComp
		})
	}
	return []string{}, cobra.ShellCompDirectiveNoFileComp
}

// CompleteUnits offers unit names from the configured directories. Input
// that looks like a path falls back to file completion.
func CompleteUnits(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return guarded(func() ([]string, cobra.ShellCompDirective) {
		if looksLikePath(toComplete) {
			return []string{}, cobra.ShellCompDirectiveDefault
		}
		dirs, err := unitDirs()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return unitNames(dirs, toComplete), cobra.ShellCompDirectiveNoFileComp
	})
}

// unitNames lists manifest names in dirs that start with prefix. Earlier
// dirs shadow later ones, matching how the daemon resolves names.
func unitNames(dirs []string, prefix string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !hasManifestExt(e.Name()) {
				continue
			}
			name := unit.NameFromPath(e.Name())
			if seen[name] || !strings.HasPrefix(name, prefix) {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > maxUnitNames {
		names = names[:maxUnitNames]
	}
	return names
}

// resolveUnit finds the manifest for a name or returns a path as given.
func resolveUnit(target string, dirs []string) string {
	if looksLikePath(target) {
		return target
	}
	for _, dir := range dirs {
		for _, ext := range manifest.Extensions {
			candidate := filepath.Join(dir, target+ext)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

func methodsOf(path, prefix string) []string {
	if path == "" {
		return nil
	}
	m, err := manifest.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	for _, name := range m.MethodNames() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

func hasManifestExt(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range manifest.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func looksLikePath(s string) bool {
	return strings.ContainsRune(s, filepath.Separator) || strings.HasPrefix(s, ".") || filepath.Ext(s) != ""
}
