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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxArgsFileSize bounds --args-file input.
const maxArgsFileSize = 10 << 20

// parseArgs builds a call's arguments. The JSON object from --args-file or
// --args comes first, then each --arg key=value overrides it. A value that
// parses as JSON keeps its type, anything else is a string.
func parseArgs(pairs []string, argsJSON, argsFile string, stdin io.Reader) (map[string]any, error) {
	args := make(map[string]any)

	var raw []byte
	switch {
	case argsFile != "" && argsJSON != "":
		return nil, fmt.Errorf("--args and --args-file cannot be combined")
	case argsFile == "-":
		data, err := io.ReadAll(io.LimitReader(stdin, maxArgsFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read args from stdin: %w", err)
		}
		raw = data
	case argsFile != "":
		info, err := os.Stat(argsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read args file: %w", err)
		}
		if info.Size() > maxArgsFileSize {
			return nil, fmt.Errorf("args file exceeds %d bytes", maxArgsFileSize)
		}
		data, err := os.ReadFile(argsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read args file: %w", err)
		}
		raw = data
	case argsJSON != "":
		raw = []byte(argsJSON)
	}

	if len(raw) > maxArgsFileSize {
		return nil, fmt.Errorf("args exceed %d bytes", maxArgsFileSize)
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
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

	return args, nil
}
