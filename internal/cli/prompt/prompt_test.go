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

package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/protocol"
)

func TestAnswer(t *testing.T) {
	tests := []struct {
		name      string
		responses []any
		prompt    protocol.Prompt
		want      any
		wantCall  string
	}{
		{
			name:      "text",
			responses: []any{"alice"},
			prompt:    protocol.Prompt{Type: protocol.PromptText, Message: "name?"},
			want:      "alice",
			wantCall:  "PromptString(name?)",
		},
		{
			name:     "text falls back to default",
			prompt:   protocol.Prompt{Type: protocol.PromptText, Message: "name?", Default: "bob"},
			want:     "bob",
			wantCall: "PromptString(name?)",
		},
		{
			name:      "password",
			responses: []any{"hunter2"},
			prompt:    protocol.Prompt{Type: protocol.PromptPassword, Message: "token"},
			want:      "hunter2",
			wantCall:  "PromptPassword(token)",
		},
		{
			name:      "confirm",
			responses: []any{true},
			prompt:    protocol.Prompt{Type: protocol.PromptConfirm, Message: "sure?"},
			want:      true,
			wantCall:  "PromptBool(sure?)",
		},
		{
			name:      "select by index",
			responses: []any{"2"},
			prompt:    protocol.Prompt{Type: protocol.PromptSelect, Message: "pick", Options: []string{"red", "blue"}},
			want:      "blue",
			wantCall:  "PromptEnum(pick)",
		},
		{
			name:      "number",
			responses: []any{3},
			prompt:    protocol.Prompt{Type: protocol.PromptNumber, Message: "count"},
			want:      float64(3),
			wantCall:  "PromptNumber(count)",
		},
		{
			name:      "unknown kind is text",
			responses: []any{"x"},
			prompt:    protocol.Prompt{Type: "other", Message: "q"},
			want:      "x",
			wantCall:  "PromptString(q)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockPrompter(true, tt.responses...)
			got, err := NewAnswerer(mock).Answer(context.Background(), tt.prompt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{tt.wantCall}, mock.GetCallLog())
		})
	}
}

func TestAnswerNonInteractive(t *testing.T) {
	mock := NewMockPrompter(false, "ignored")
	a := NewAnswerer(mock)

	got, err := a.Answer(context.Background(), protocol.Prompt{Type: protocol.PromptConfirm, Message: "ok?", Default: false})
	require.NoError(t, err)
	assert.Equal(t, false, got)

	_, err = a.Answer(context.Background(), protocol.Prompt{Type: protocol.PromptText, Message: "name?"})
	assert.ErrorIs(t, err, ErrNonInteractive)
	assert.Empty(t, mock.GetCallLog())
}

func TestAnswerSelectWithoutOptions(t *testing.T) {
	_, err := NewAnswerer(NewMockPrompter(true)).Answer(context.Background(), protocol.Prompt{Type: protocol.PromptSelect, Message: "pick"})
	assert.Error(t, err)
}

func TestSurveyPrompterNonInteractive(t *testing.T) {
	sp := NewSurveyPrompter(false)
	ctx := context.Background()

	assert.False(t, sp.IsInteractive())
	_, err := sp.PromptString(ctx, "q", "")
	assert.ErrorIs(t, err, ErrNonInteractive)
	_, err = sp.PromptPassword(ctx, "q")
	assert.ErrorIs(t, err, ErrNonInteractive)
	_, err = sp.PromptNumber(ctx, "q", 1)
	assert.ErrorIs(t, err, ErrNonInteractive)
	_, err = sp.PromptBool(ctx, "q", true)
	assert.ErrorIs(t, err, ErrNonInteractive)
	_, err = sp.PromptEnum(ctx, "q", []string{"a"}, "a")
	assert.ErrorIs(t, err, ErrNonInteractive)
}

func TestAnswerNonInteractiveDefaults(t *testing.T) {
	tests := []struct {
		name    string
		prompt  protocol.Prompt
		want    any
		wantErr bool
	}{
		{
			name:   "confirm from string",
			prompt: protocol.Prompt{Type: protocol.PromptConfirm, Message: "ok?", Default: "yes"},
			want:   true,
		},
		{
			name:   "number from string",
			prompt: protocol.Prompt{Type: protocol.PromptNumber, Message: "n", Default: "2.5"},
			want:   2.5,
		},
		{
			name:   "select by position",
			prompt: protocol.Prompt{Type: protocol.PromptSelect, Message: "pick", Options: []string{"red", "green"}, Default: 2.0},
			want:   "green",
		},
		{
			name:   "text from number",
			prompt: protocol.Prompt{Type: protocol.PromptText, Message: "name", Default: 7.0},
			want:   "7",
		},
		{
			name:    "select default not an option",
			prompt:  protocol.Prompt{Type: protocol.PromptSelect, Message: "pick", Options: []string{"red"}, Default: "blue"},
			wantErr: true,
		},
		{
			name:    "confirm default unreadable",
			prompt:  protocol.Prompt{Type: protocol.PromptConfirm, Message: "ok?", Default: "perhaps"},
			wantErr: true,
		},
	}

	a := NewAnswerer(NewMockPrompter(false))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Answer(context.Background(), tt.prompt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnswerRejectsControlCharacters(t *testing.T) {
	mock := NewMockPrompter(true, "bad\x07bell")
	_, err := NewAnswerer(mock).Answer(context.Background(), protocol.Prompt{Type: protocol.PromptText, Message: "q"})
	assert.Error(t, err)
}

func TestAnswerSelectUnknownChoice(t *testing.T) {
	mock := NewMockPrompter(true, "purple")
	_, err := NewAnswerer(mock).Answer(context.Background(), protocol.Prompt{Type: protocol.PromptSelect, Message: "pick", Options: []string{"red"}})
	assert.Error(t, err)
}

func TestCheckText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"newline and tab", "a\nb\tc", false},
		{"null byte", "a\x00b", true},
		{"bell", "a\x07", true},
		{"too large", strings.Repeat("x", MaxInputSize+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkText(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAsNumber(t *testing.T) {
	n, err := asNumber(" 2.5 ")
	require.NoError(t, err)
	assert.Equal(t, 2.5, n)

	n, err = asNumber(3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, n)

	_, err = asNumber("")
	assert.Error(t, err)
	_, err = asNumber(true)
	assert.Error(t, err)
}

func TestAsBool(t *testing.T) {
	for _, in := range []any{"y", "YES", "true", "1", true} {
		b, err := asBool(in)
		require.NoError(t, err, in)
		assert.True(t, b, in)
	}
	for _, in := range []any{"n", "No", "false", "0", false} {
		b, err := asBool(in)
		require.NoError(t, err, in)
		assert.False(t, b, in)
	}
	_, err := asBool("maybe")
	assert.Error(t, err)
	_, err = asBool(1.0)
	assert.Error(t, err)
}

func TestPickOption(t *testing.T) {
	options := []string{"red", "green", "Red"}

	tests := []struct {
		in      any
		want    string
		wantErr bool
	}{
		{in: "Red", want: "Red"},
		{in: "GREEN", want: "green"},
		{in: "1", want: "red"},
		{in: 2.0, want: "green"},
		{in: "4", wantErr: true},
		{in: "blue", wantErr: true},
		{in: true, wantErr: true},
	}
	for _, tt := range tests {
		got, err := pickOption(tt.in, options)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := pickOption("red", nil)
	assert.Error(t, err)
}
