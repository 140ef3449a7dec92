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

package shared

import "time"

// globals holds the persistent flag values bound by the root command.
var globals struct {
	verbose     bool
	quiet       bool
	json        bool
	config      string
	socket      string
	session     string
	noAutoStart bool
	timeout     time.Duration
}

// build is stamped by main from linker flags.
var build = struct{ version, commit, date string }{"dev", "unknown", "unknown"}

// GlobalFlags points at the values behind the root command's persistent
// flags.
type GlobalFlags struct {
	Verbose     *bool
	Quiet       *bool
	JSON        *bool
	Config      *string
	Socket      *string
	Session     *string
	NoAutoStart *bool
	Timeout     *time.Duration
}

// RegisterFlagPointers hands the root command the variables to bind.
func RegisterFlagPointers() GlobalFlags {
	return GlobalFlags{
		Verbose:     &globals.verbose,
		Quiet:       &globals.quiet,
		JSON:        &globals.json,
		Config:      &globals.config,
		Socket:      &globals.socket,
		Session:     &globals.session,
		NoAutoStart: &globals.noAutoStart,
		Timeout:     &globals.timeout,
	}
}

// SetVersion records build metadata.
func SetVersion(version, commit, date string) {
	build.version, build.commit, build.date = version, commit, date
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return build.version, build.commit, build.date
}

func GetVerbose() bool { return globals.verbose }

func GetQuiet() bool { return globals.quiet }

func GetJSON() bool { return globals.json }

// GetConfigPath returns --config, empty for the default location.
func GetConfigPath() string { return globals.config }

// GetSocketPath returns --socket, empty when unset.
func GetSocketPath() string { return globals.socket }

// GetSessionID returns the session to join, empty for a fresh one.
func GetSessionID() string { return globals.session }

func GetNoAutoStart() bool { return globals.noAutoStart }

// GetTimeout returns the per-command timeout, zero for none.
func GetTimeout() time.Duration { return globals.timeout }

// SetConfigPathForTest overrides --config.
func SetConfigPathForTest(path string) { globals.config = path }

// SetSocketPathForTest overrides --socket.
func SetSocketPathForTest(path string) { globals.socket = path }
