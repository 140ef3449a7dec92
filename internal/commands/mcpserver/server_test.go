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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandUnitPaths(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string) string {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("name: x\n"), 0o644))
		return p
	}
	a := write("units/a.yaml")
	b := write("units/nested/b.yml")
	write("units/readme.md")
	single := write("other.yaml")

	got, err := expandUnitPaths([]string{filepath.Join(dir, "units"), single, a})
	require.NoError(t, err)
	assert.Equal(t, []string{single, a, b}, got)
}

func TestExpandUnitPathsErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := expandUnitPaths([]string{filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0o755))
	_, err = expandUnitPaths([]string{empty})
	assert.ErrorContains(t, err, "no unit manifests")
}

func TestCommandRequiresPaths(t *testing.T) {
	cmd := NewCommand()
	cmd.SetArgs(nil)
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	assert.Error(t, cmd.Execute())
}
