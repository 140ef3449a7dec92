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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/tombee/unitd/internal/protocol"
)

// checkText rejects text answers with control characters or more than
// MaxInputSize bytes. Newlines and tabs are allowed.
func checkText(s string) error {
	if len(s) > MaxInputSize {
		return fmt.Errorf("answer exceeds %d bytes", MaxInputSize)
	}
	for i, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("answer contains control character %U at byte %d", r, i)
		}
	}
	return nil
}

// asBool reads a confirm value. Strings accept y/yes/true/1 and n/no/false/0.
func asBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "y", "yes", "true", "1":
			return true, nil
		case "n", "no", "false", "0":
			return false, nil
		}
		return false, fmt.Errorf("%q is not yes or no", b)
	}
	return false, fmt.Errorf("%T is not a yes/no value", v)
}

// asNumber reads a number value from JSON or text.
func asNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

// pickOption resolves v to one of options, by name (case-insensitive)
// or by 1-based position.
func pickOption(v any, options []string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("no options to choose from")
	}

	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case float64, int:
		s = fmt.Sprint(x)
	default:
		return "", fmt.Errorf("%T is not an option", v)
	}

	for _, opt := range options {
		if opt == s {
			return opt, nil
		}
	}
	for _, opt := range options {
		if strings.EqualFold(opt, s) {
			return opt, nil
		}
	}
	if i, err := strconv.Atoi(s); err == nil && i >= 1 && i <= len(options) {
		return options[i-1], nil
	}
	return "", fmt.Errorf("%q is not one of %s", s, strings.Join(options, ", "))
}

// defaultAnswer converts p.Default to the type p's kind answers with.
func defaultAnswer(p protocol.Prompt) (any, error) {
	switch p.Type {
	case protocol.PromptConfirm:
		return asBool(p.Default)
	case protocol.PromptNumber:
		return asNumber(p.Default)
	case protocol.PromptSelect:
		return pickOption(p.Default, p.Options)
	default:
		if s, ok := p.Default.(string); ok {
			return s, nil
		}
		return fmt.Sprint(p.Default), nil
	}
}
