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

// Package prompt answers the questions a unit asks while a command is
// suspended. Interactive terminals are prompted through survey; other
// contexts fall back to each prompt's default.
package prompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/tombee/unitd/internal/protocol"
)

// ErrNonInteractive is returned when a prompt has no default and nobody
// can be asked.
var ErrNonInteractive = errors.New("cannot prompt in non-interactive mode")

// MaxInputSize is the maximum allowed input size in bytes.
const MaxInputSize = 65536

// Prompter defines the interface for interactive input collection.
// Implementations include SurveyPrompter (production) and MockPrompter (testing).
type Prompter interface {
	PromptString(ctx context.Context, message, def string) (string, error)
	PromptPassword(ctx context.Context, message string) (string, error)
	PromptNumber(ctx context.Context, message string, def float64) (float64, error)
	PromptBool(ctx context.Context, message string, def bool) (bool, error)
	PromptEnum(ctx context.Context, message string, options []string, def string) (string, error)

	// IsInteractive returns true if prompts can be displayed
	IsInteractive() bool
}

// Answerer turns daemon prompts into answers using a Prompter.
type Answerer struct {
	prompter Prompter
}

// NewAnswerer creates an Answerer backed by p.
func NewAnswerer(p Prompter) *Answerer {
	return &Answerer{prompter: p}
}

// Answer collects the value for one prompt. Its signature matches
// client.PromptHandler. Without a terminal the prompt's default is sent,
// converted to the type its kind expects.
func (a *Answerer) Answer(ctx context.Context, p protocol.Prompt) (any, error) {
	if p.Type == protocol.PromptSelect && len(p.Options) == 0 {
		return nil, fmt.Errorf("select prompt %q has no options", p.Message)
	}

	if !a.prompter.IsInteractive() {
		if p.Default == nil {
			return nil, fmt.Errorf("%w: %q", ErrNonInteractive, p.Message)
		}
		v, err := defaultAnswer(p)
		if err != nil {
			return nil, fmt.Errorf("default for %q: %w", p.Message, err)
		}
		return v, nil
	}

	switch p.Type {
	case protocol.PromptPassword:
		return checked(a.prompter.PromptPassword(ctx, p.Message))

	case protocol.PromptConfirm:
		def, _ := asBool(p.Default)
		return a.prompter.PromptBool(ctx, p.Message, def)

	case protocol.PromptSelect:
		def, _ := pickOption(p.Default, p.Options)
		choice, err := a.prompter.PromptEnum(ctx, p.Message, p.Options, def)
		if err != nil {
			return nil, err
		}
		return pickOption(choice, p.Options)

	case protocol.PromptNumber:
		def, _ := asNumber(p.Default)
		return a.prompter.PromptNumber(ctx, p.Message, def)

	default:
		def := ""
		if p.Default != nil {
			v, _ := defaultAnswer(p)
			def, _ = v.(string)
		}
		return checked(a.prompter.PromptString(ctx, p.Message, def))
	}
}

func checked(s string, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if err := checkText(s); err != nil {
		return nil, err
	}
	return s, nil
}
