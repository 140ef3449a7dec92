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

package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseArgs merges a JSON object with key=value pairs, pairs winning.
func parseArgs(pairs []string, argsJSON string) (map[string]any, error) {
	args := make(map[string]any)
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, fmt.Errorf("args must be a JSON object: %w", err)
		}
		if args == nil {
			args = make(map[string]any)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q (expected key=value)", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			args[key] = typed
		} else {
			args[key] = value
		}
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}
