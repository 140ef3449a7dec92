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

package format

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		format  string
		want    string
		wantErr string
	}{
		{name: "nil", result: nil, format: "", want: ""},
		{name: "string default", result: "hello", format: "", want: "hello"},
		{name: "string strips escapes", result: "a\x1b[31mred\x1b[0m", format: "string", want: "ared"},
		{name: "object as string", result: map[string]any{"n": 1.0}, format: "", want: "{\n  \"n\": 1\n}"},
		{name: "json object", result: []any{"a", true}, format: "json", want: "[\n  \"a\",\n  true\n]"},
		{name: "json string holding json", result: `{"a":1}`, format: "JSON", want: "{\n  \"a\": 1\n}"},
		{name: "json plain string", result: "hi", format: "json", want: `"hi"`},
		{name: "number integral float", result: 42.0, format: "number", want: "42"},
		{name: "number fraction", result: 0.25, format: "number", want: "0.25"},
		{name: "number from string", result: " 7 ", format: "number", want: "7"},
		{name: "number json.Number", result: json.Number("1e3"), format: "number", want: "1e3"},
		{name: "number rejects text", result: "seven", format: "number", wantErr: "not a number"},
		{name: "number rejects object", result: map[string]any{}, format: "number", wantErr: "numeric result"},
		{name: "markdown plain without tty", result: "# Title", format: "markdown", want: "# Title"},
		{name: "markdown needs string", result: 1.0, format: "markdown", wantErr: "string result"},
		{name: "code plain without tty", result: "x := 1", format: "code:go", want: "x := 1"},
		{name: "code needs string", result: true, format: "code:go", wantErr: "string result"},
		{name: "unknown format", result: "x", format: "yaml", wantErr: "unknown format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.result, tt.format, false)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHighlight(t *testing.T) {
	src := `{"a": 1}`
	assert.Equal(t, src, highlight(src, "", true), "no language")
	assert.Equal(t, src, highlight(src, JSON, false), "plain output")
	assert.Equal(t, src, highlight(src, "no-such-language-xyz", true))

	colored := highlight(src, JSON, true)
	assert.Contains(t, colored, "\x1b[")
}

func TestRenderCodeUnknownLanguageOnTTY(t *testing.T) {
	got, err := Render("x := 1", "code:no-such-language-xyz", true)
	require.NoError(t, err)
	assert.Equal(t, "x := 1", got)
}

func TestRenderMarkdownTTY(t *testing.T) {
	out := renderMarkdown("# Title\n\nbody", true)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "body")
}

func TestIsColorTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	tests := []struct {
		name    string
		noColor string
		term    string
	}{
		{name: "regular file", term: "xterm-256color"},
		{name: "no color", noColor: "1", term: "xterm-256color"},
		{name: "dumb term", term: "dumb"},
		{name: "unset term", term: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("TERM", tt.term)
			assert.False(t, IsColorTerminal(f))
		})
	}
}
