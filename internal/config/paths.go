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
	"os"
	"path/filepath"
	"strings"
)

const appName = "unitd"

// xdgDir returns $env/unitd, or ~/fallback/unitd when env is unset.
func xdgDir(env, fallback string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, fallback, appName), nil
}

// ConfigDir returns the directory holding config.yaml, honoring
// XDG_CONFIG_HOME. It is not created.
func ConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// ConfigPath returns the default config file location.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// HomeDir returns unitd's home directory, ~/.unitd unless UNITD_HOME is set.
func HomeDir() string {
	if dir := os.Getenv("UNITD_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(home, "."+appName)
}

// defaultRuntimeDir holds the socket and PID file: UNITD_HOME, then
// $XDG_RUNTIME_DIR/unitd, then HomeDir.
func defaultRuntimeDir() string {
	if os.Getenv("UNITD_HOME") == "" && os.Getenv("XDG_RUNTIME_DIR") != "" {
		if dir, err := xdgDir("XDG_RUNTIME_DIR", ""); err == nil {
			return dir
		}
	}
	return HomeDir()
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
