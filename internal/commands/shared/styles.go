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
	"github.com/charmbracelet/lipgloss"

	"github.com/tombee/unitd/internal/cli/format"
)

// Tone selects the style for a piece of CLI output.
type Tone int

const (
	ToneOK Tone = iota
	ToneWarn
	ToneError
	ToneMuted
	ToneHeader
)

var tones = map[Tone]lipgloss.Style{
	ToneOK:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	ToneWarn:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	ToneError:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	ToneMuted:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	ToneHeader: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
}

const (
	symbolOK    = "✓"
	symbolWarn  = "⚠"
	symbolError = "✗"
)

// ColorEnabled reports whether stdout gets styled output.
func ColorEnabled() bool {
	return format.IsTTY()
}

// Paint styles text with tone, or returns it unchanged when color is off.
func Paint(tone Tone, text string) string {
	if !ColorEnabled() {
		return text
	}
	return tones[tone].Render(text)
}

// RenderOK prefixes msg with a green check.
func RenderOK(msg string) string {
	return Paint(ToneOK, symbolOK) + " " + msg
}

// RenderWarn prefixes msg with a warning sign.
func RenderWarn(msg string) string {
	return Paint(ToneWarn, symbolWarn) + " " + msg
}

// RenderError prefixes msg with a red cross.
func RenderError(msg string) string {
	return Paint(ToneError, symbolError) + " " + msg
}

// RenderStatus renders a bracketed status such as [running].
func RenderStatus(tone Tone, label string) string {
	return Paint(tone, "["+label+"]")
}

// RenderLabel renders the key half of a key: value line.
func RenderLabel(label string) string {
	return Paint(ToneMuted, label)
}
