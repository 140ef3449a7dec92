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
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeterYAML = `
name: greeter
methods:
  hello:
    expr: '"hi " + args.name'
  help:
    expr: '"usage"'
  bye:
    expr: '"bye"'
`

func writeUnit(t *testing.T, dir, file, body string) string {
	t.Helper()
	p := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestUnitNames(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeUnit(t, first, "greeter.yaml", greeterYAML)
	writeUnit(t, first, "notes.txt", "x")
	writeUnit(t, second, "greeter.yml", greeterYAML)
	writeUnit(t, second, "backup.yml", greeterYAML)
	require.NoError(t, os.Mkdir(filepath.Join(second, "dir.yaml"), 0o755))

	assert.Equal(t, []string{"backup", "greeter"}, unitNames([]string{first, second, "/nonexistent"}, ""))
	assert.Equal(t, []string{"greeter"}, unitNames([]string{first, second}, "gr"))
}

func TestResolveUnitAndMethods(t *testing.T) {
	dir := t.TempDir()
	path := writeUnit(t, dir, "greeter.yaml", greeterYAML)

	assert.Equal(t, path, resolveUnit("greeter", []string{dir}))
	assert.Equal(t, "./x.yaml", resolveUnit("./x.yaml", []string{dir}))
	assert.Empty(t, resolveUnit("missing", []string{dir}))

	assert.Equal(t, []string{"hello", "help"}, methodsOf(path, "he"))
	assert.Equal(t, []string{"bye", "hello", "help"}, methodsOf(path, ""))
	assert.Nil(t, methodsOf("", ""))
	assert.Nil(t, methodsOf(filepath.Join(dir, "missing.yaml"), ""))
}

func TestLooksLikePath(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"greeter", false},
		{"./greeter", true},
		{"units/greeter", true},
		{"greeter.yaml", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, looksLikePath(tt.in))
		})
	}
}

func TestCompleteUnitsPathFallsBackToFiles(t *testing.T) {
	results, directive := CompleteUnits(&cobra.Command{}, nil, "./un")
	assert.Empty(t, results)
	assert.Equal(t, cobra.ShellCompDirectiveDefault, directive)
}

func TestCompleteUnitThenMethodStopsAfterTwo(t *testing.T) {
	results, directive := CompleteUnitThenMethod(&cobra.Command{}, []string{"a", "b"}, "")
	assert.Empty(t, results)
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, directive)
}
