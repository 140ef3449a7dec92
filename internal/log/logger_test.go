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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		level     string
		format    Format
		addSource bool
	}{
		{"defaults", map[string]string{}, "info", FormatJSON, false},
		{"debug flag", map[string]string{"UNITD_DEBUG": "1"}, "debug", FormatJSON, true},
		{"unitd level wins", map[string]string{"UNITD_LOG_LEVEL": "WARN", "LOG_LEVEL": "error"}, "warn", FormatJSON, false},
		{"generic level", map[string]string{"LOG_LEVEL": "error"}, "error", FormatJSON, false},
		{"text format with source", map[string]string{"LOG_FORMAT": "TEXT", "LOG_SOURCE": "1"}, "info", FormatText, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"UNITD_DEBUG", "UNITD_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.level {
				t.Errorf("level = %q, want %q", cfg.Level, tt.level)
			}
			if cfg.Format != tt.format {
				t.Errorf("format = %q, want %q", cfg.Format, tt.format)
			}
			if cfg.AddSource != tt.addSource {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.addSource)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	WithComponent(logger, "router").Info("test message", UnitKey, "counter")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if entry["component"] != "router" || entry[UnitKey] != "counter" {
		t.Errorf("missing fields in %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogOutcome(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})
	req := RequestInfo{Type: "lock", RequestID: "r1", SessionID: "s1", ConnID: "c1"}

	LogOutcome(logger, req, 3, errors.New("boom"))
	out := buf.String()
	if !strings.Contains(out, "request failed") || !strings.Contains(out, "error=boom") {
		t.Errorf("unexpected failure log: %s", out)
	}

	buf.Reset()
	LogOutcome(logger, req, 1, nil)
	if !strings.Contains(buf.String(), "request completed") {
		t.Errorf("unexpected success log: %s", buf.String())
	}
}
