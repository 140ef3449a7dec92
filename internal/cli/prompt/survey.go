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
	"os"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
)

// SurveyPrompter asks questions on the terminal with survey. Questions
// are drawn on stderr so a command's stdout carries only its result.
type SurveyPrompter struct {
	interactive bool
	opts        []survey.AskOpt
}

// NewSurveyPrompter creates a prompter. When interactive is false every
// question fails with ErrNonInteractive.
func NewSurveyPrompter(interactive bool) *SurveyPrompter {
	return &SurveyPrompter{
		interactive: interactive,
		opts:        []survey.AskOpt{survey.WithStdio(os.Stdin, os.Stderr, os.Stderr)},
	}
}

func (sp *SurveyPrompter) ask(q survey.Prompt, out any, opts ...survey.AskOpt) error {
	if !sp.interactive {
		return ErrNonInteractive
	}
	return survey.AskOne(q, out, append(opts, sp.opts...)...)
}

// textValidator adapts checkText to survey.
func textValidator(ans any) error {
	if s, ok := ans.(string); ok {
		return checkText(s)
	}
	return nil
}

// numberValidator adapts asNumber to survey.
func numberValidator(ans any) error {
	_, err := asNumber(ans)
	return err
}

// PromptString asks for a line of text.
func (sp *SurveyPrompter) PromptString(_ context.Context, message, def string) (string, error) {
	var answer string
	err := sp.ask(&survey.Input{Message: message, Default: def}, &answer, survey.WithValidator(textValidator))
	return answer, err
}

// PromptPassword asks for text without echoing it.
func (sp *SurveyPrompter) PromptPassword(_ context.Context, message string) (string, error) {
	var answer string
	err := sp.ask(&survey.Password{Message: message}, &answer)
	return answer, err
}

// PromptNumber asks for a number. A zero default shows no default.
func (sp *SurveyPrompter) PromptNumber(_ context.Context, message string, def float64) (float64, error) {
	q := &survey.Input{Message: message}
	if def != 0 {
		q.Default = strconv.FormatFloat(def, 'f', -1, 64)
	}

	var answer string
	if err := sp.ask(q, &answer, survey.WithValidator(survey.Required), survey.WithValidator(numberValidator)); err != nil {
		return 0, err
	}
	return asNumber(answer)
}

// PromptBool asks a yes/no question.
func (sp *SurveyPrompter) PromptBool(_ context.Context, message string, def bool) (bool, error) {
	var answer bool
	err := sp.ask(&survey.Confirm{Message: message, Default: def}, &answer)
	return answer, err
}

// PromptEnum asks the user to pick one of options.
func (sp *SurveyPrompter) PromptEnum(_ context.Context, message string, options []string, def string) (string, error) {
	q := &survey.Select{Message: message, Options: options}
	if def != "" {
		q.Default = def
	}

	var answer string
	err := sp.ask(q, &answer)
	return answer, err
}

// IsInteractive reports whether questions reach a person.
func (sp *SurveyPrompter) IsInteractive() bool {
	return sp.interactive
}
