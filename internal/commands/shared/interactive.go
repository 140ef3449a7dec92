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

import (
	"os"

	"golang.org/x/term"
)

// ciMarkers are environment variables CI systems set. A marker counts
// when its value is "true" or "1", or, when anyValue is set, non-empty.
var ciMarkers = []struct {
	name     string
	anyValue bool
}{
	{name: "CI"},
	{name: "GITHUB_ACTIONS"},
	{name: "GITLAB_CI"},
	{name: "CIRCLECI"},
	{name: "BUILDKITE"},
	{name: "JENKINS_HOME", anyValue: true},
}

// IsNonInteractive reports whether unit prompts must be answered without
// asking anyone. UNITD_NON_INTERACTIVE=true forces it; a CI environment or
// a stdin that is not a terminal implies it.
func IsNonInteractive() bool {
	if os.Getenv("UNITD_NON_INTERACTIVE") == "true" {
		return true
	}
	return inCI() || !term.IsTerminal(int(os.Stdin.Fd()))
}

func inCI() bool {
	for _, m := range ciMarkers {
		v := os.Getenv(m.name)
		if v == "true" || v == "1" || (m.anyValue && v != "") {
			return true
		}
	}
	return false
}
