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

// Package format renders unit method results for the terminal.
//
// Results arrive as decoded JSON values. Strings print as given, anything
// else prints as indented JSON. On a color terminal JSON and code are
// highlighted with chroma and markdown is rendered with glamour; piped
// output is always plain so scripts see exactly what the unit returned.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

// Output formats accepted by Render. Code takes a language suffix,
// e.g. "code:go".
const (
	String   = "string"
	JSON     = "json"
	Markdown = "markdown"
	Number   = "number"
	Code     = "code"
)

// maxStyledBytes bounds what is handed to the highlighter or markdown
// renderer. Larger results print plain.
const maxStyledBytes = 2 << 20

const (
	chromaFormatter = "terminal256"
	chromaStyle     = "monokai"
	markdownWidth   = 100
)

// escapeSeq matches terminal control sequences a unit might embed in a
// string result.
var escapeSeq = regexp.MustCompile(`\x1b(\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(\x07|\x1b\\)|[@-Z\\-_])`)

// Names lists the formats for flag help and completion.
func Names() []string {
	return []string{String, JSON, Markdown, Number, Code + ":<lang>"}
}

// Render formats result as format. An empty format means string. A nil
// result renders as "".
func Render(result any, format string, tty bool) (string, error) {
	if result == nil {
		return "", nil
	}

	kind, lang, _ := strings.Cut(strings.ToLower(strings.TrimSpace(format)), ":")
	if kind == "" {
		kind = String
	}

	switch kind {
	case String:
		if s, ok := result.(string); ok {
			return stripEscapes(s), nil
		}
		return renderJSON(result, tty)
	case JSON:
		return renderJSON(result, tty)
	case Number:
		return renderNumber(result)
	case Markdown:
		s, ok := result.(string)
		if !ok {
			return "", fmt.Errorf("markdown format needs a string result, got %T", result)
		}
		return renderMarkdown(stripEscapes(s), tty), nil
	case Code:
		s, ok := result.(string)
		if !ok {
			return "", fmt.Errorf("code format needs a string result, got %T", result)
		}
		return highlight(stripEscapes(s), lang, tty), nil
	default:
		return "", fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(Names(), ", "))
	}
}

func renderJSON(result any, tty bool) (string, error) {
	if s, ok := result.(string); ok && json.Valid([]byte(s)) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			result = v
		}
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return highlight(string(data), JSON, tty), nil
}

func renderNumber(result any) (string, error) {
	var f float64
	switch v := result.(type) {
	case float64:
		f = v
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		return v.String(), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return "", fmt.Errorf("result %q is not a number", v)
		}
		f = parsed
	default:
		return "", fmt.Errorf("number format needs a numeric result, got %T", result)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func renderMarkdown(s string, tty bool) string {
	if !tty || len(s) > maxStyledBytes {
		return s
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(markdownWidth),
	)
	if err != nil {
		return s
	}
	out, err := r.Render(s)
	if err != nil {
		return s
	}
	return out
}

// highlight colors s as lang. Unknown languages and plain output
// return s unchanged.
func highlight(s, lang string, tty bool) string {
	if !tty || lang == "" || len(s) > maxStyledBytes {
		return s
	}
	// quick.Highlight falls back to a plaintext lexer that still emits color.
	if lexers.Get(lang) == nil {
		return s
	}
	var buf bytes.Buffer
	if err := quick.Highlight(&buf, s, lang, chromaFormatter, chromaStyle); err != nil {
		return s
	}
	return buf.String()
}

func stripEscapes(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	return escapeSeq.ReplaceAllString(s, "")
}
