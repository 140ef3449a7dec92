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

package unit

import (
	"os"
	"path/filepath"
)

// resolver maps unit names to source files in a list of directories.
type resolver struct {
	dirs       []string
	extensions []string
}

// find returns the first existing "<dir>/<name><ext>", searching dirs in
// order and extensions in order within each dir.
func (r resolver) find(name string) (string, bool) {
	if name == "" || filepath.Base(name) != name {
		return "", false
	}
	for _, dir := range r.dirs {
		for _, ext := range r.extensions {
			candidate := filepath.Join(dir, name+ext)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate, true
			}
		}
	}
	return "", false
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
