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
	"fmt"
	"sync"
)

// MockPrompter implements Prompter with scripted responses for testing.
// When the script runs out it returns the prompt's default.
type MockPrompter struct {
	mu           sync.Mutex
	responses    []any
	currentIndex int
	interactive  bool
	callLog      []string
}

// NewMockPrompter creates a new mock prompter with pre-scripted responses.
func NewMockPrompter(interactive bool, responses ...any) *MockPrompter {
	return &MockPrompter{
		responses:   responses,
		interactive: interactive,
	}
}

func (mp *MockPrompter) next(call string) (any, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.callLog = append(mp.callLog, call)
	if mp.currentIndex >= len(mp.responses) {
		return nil, false
	}
	resp := mp.responses[mp.currentIndex]
	mp.currentIndex++
	return resp, true
}

// PromptString returns the next string response.
func (mp *MockPrompter) PromptString(_ context.Context, message, def string) (string, error) {
	resp, ok := mp.next(fmt.Sprintf("PromptString(%s)", message))
	if !ok {
		return def, nil
	}
	if str, ok := resp.(string); ok {
		return str, nil
	}
	return "", fmt.Errorf("mock response is not a string")
}

// PromptPassword returns the next string response.
func (mp *MockPrompter) PromptPassword(_ context.Context, message string) (string, error) {
	resp, ok := mp.next(fmt.Sprintf("PromptPassword(%s)", message))
	if !ok {
		return "", fmt.Errorf("no mock response available")
	}
	if str, ok := resp.(string); ok {
		return str, nil
	}
	return "", fmt.Errorf("mock response is not a string")
}

// PromptNumber returns the next numeric response.
func (mp *MockPrompter) PromptNumber(_ context.Context, message string, def float64) (float64, error) {
	resp, ok := mp.next(fmt.Sprintf("PromptNumber(%s)", message))
	if !ok {
		return def, nil
	}
	switch num := resp.(type) {
	case float64:
		return num, nil
	case int:
		return float64(num), nil
	}
	return 0, fmt.Errorf("mock response is not a number")
}

// PromptBool returns the next boolean response.
func (mp *MockPrompter) PromptBool(_ context.Context, message string, def bool) (bool, error) {
	resp, ok := mp.next(fmt.Sprintf("PromptBool(%s)", message))
	if !ok {
		return def, nil
	}
	if b, ok := resp.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("mock response is not a boolean")
}

// PromptEnum returns the next enum response.
func (mp *MockPrompter) PromptEnum(_ context.Context, message string, _ []string, def string) (string, error) {
	resp, ok := mp.next(fmt.Sprintf("PromptEnum(%s)", message))
	if !ok {
		return def, nil
	}
	if str, ok := resp.(string); ok {
		return str, nil
	}
	return "", fmt.Errorf("mock response is not a string")
}

// IsInteractive returns the configured interactive state.
func (mp *MockPrompter) IsInteractive() bool {
	return mp.interactive
}

// GetCallLog returns the log of all prompt calls made.
func (mp *MockPrompter) GetCallLog() []string {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return append([]string(nil), mp.callLog...)
}
