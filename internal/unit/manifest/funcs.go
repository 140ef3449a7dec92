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

package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/unit"
)

// invocation carries the per-call state behind the functions an expr
// method can call.
type invocation struct {
	ctx     context.Context
	input   unit.InputProvider
	state   map[string]any
	changed map[string]any

	// err keeps the first error a function raised, so the caller sees it
	// rather than expr's wrapped form.
	err error
}

type exprFunc = func(params ...any) (any, error)

// envTemplate lists the names an expr method may use. Only the keys and
// value types matter at compile time.
func envTemplate() map[string]any {
	var noop exprFunc = func(...any) (any, error) { return nil, nil }
	return map[string]any{
		"args":    map[string]any{},
		"state":   map[string]any{},
		"unit":    "",
		"session": "",
		"set":     noop,
		"ask":     noop,
		"secret":  noop,
		"confirm": noop,
		"choose":  noop,
		"number":  noop,
		"fail":    noop,
	}
}

func (c *invocation) env(args map[string]any, unitName string) map[string]any {
	return map[string]any{
		"args":    args,
		"state":   c.state,
		"unit":    unitName,
		"session": unit.SessionIDFrom(c.ctx),
		"set":     exprFunc(c.set),
		"ask":     exprFunc(c.ask),
		"secret":  exprFunc(c.secret),
		"confirm": exprFunc(c.confirm),
		"choose":  exprFunc(c.choose),
		"number":  exprFunc(c.number),
		"fail":    exprFunc(c.fail),
	}
}

func (c *invocation) raise(err error) (any, error) {
	if c.err == nil {
		c.err = err
	}
	return nil, err
}

// set(key, value) stores value in unit state and returns it.
func (c *invocation) set(params ...any) (any, error) {
	if len(params) != 2 {
		return c.raise(errors.New("set expects (key, value)"))
	}
	key, ok := params[0].(string)
	if !ok {
		return c.raise(fmt.Errorf("set: key must be a string, got %T", params[0]))
	}
	c.state[key] = params[1]
	c.changed[key] = params[1]
	return params[1], nil
}

// ask(message[, default]) prompts for free text.
func (c *invocation) ask(params ...any) (any, error) {
	msg, def, err := messageAndDefault("ask", params)
	if err != nil {
		return c.raise(err)
	}
	return c.prompt(protocol.Prompt{Type: protocol.PromptText, Message: msg, Default: def})
}

// secret(message) prompts for a value that should not be echoed.
func (c *invocation) secret(params ...any) (any, error) {
	msg, _, err := messageAndDefault("secret", params)
	if err != nil {
		return c.raise(err)
	}
	return c.prompt(protocol.Prompt{Type: protocol.PromptPassword, Message: msg})
}

// confirm(message[, default]) prompts for yes or no.
func (c *invocation) confirm(params ...any) (any, error) {
	msg, def, err := messageAndDefault("confirm", params)
	if err != nil {
		return c.raise(err)
	}
	v, err := c.prompt(protocol.Prompt{Type: protocol.PromptConfirm, Message: msg, Default: def})
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return c.raise(fmt.Errorf("confirm: expected a boolean answer, got %T", v))
	}
	return b, nil
}

// choose(message, options) prompts for one of options.
func (c *invocation) choose(params ...any) (any, error) {
	if len(params) != 2 {
		return c.raise(errors.New("choose expects (message, options)"))
	}
	msg, ok := params[0].(string)
	if !ok {
		return c.raise(errors.New("choose: message must be a string"))
	}
	raw, ok := params[1].([]any)
	if !ok {
		return c.raise(fmt.Errorf("choose: options must be a list, got %T", params[1]))
	}
	options := make([]string, 0, len(raw))
	for _, o := range raw {
		options = append(options, fmt.Sprint(o))
	}

	v, err := c.prompt(protocol.Prompt{Type: protocol.PromptSelect, Message: msg, Options: options})
	if err != nil {
		return nil, err
	}
	s := fmt.Sprint(v)
	for _, o := range options {
		if o == s {
			return s, nil
		}
	}
	return c.raise(fmt.Errorf("choose: %q is not one of the options", s))
}

// number(message[, default]) prompts for a number.
func (c *invocation) number(params ...any) (any, error) {
	msg, def, err := messageAndDefault("number", params)
	if err != nil {
		return c.raise(err)
	}
	v, err := c.prompt(protocol.Prompt{Type: protocol.PromptNumber, Message: msg, Default: def})
	if err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		var f float64
		if _, err := fmt.Sscan(n, &f); err == nil {
			return f, nil
		}
	}
	return c.raise(fmt.Errorf("number: %v is not a number", v))
}

// fail(message) aborts the method with message.
func (c *invocation) fail(params ...any) (any, error) {
	if len(params) == 0 {
		return c.raise(errors.New("failed"))
	}
	return c.raise(errors.New(fmt.Sprint(params[0])))
}

func (c *invocation) prompt(p protocol.Prompt) (any, error) {
	raw, err := c.input.Ask(c.ctx, p)
	if err != nil {
		return c.raise(err)
	}
	if len(raw) == 0 {
		return p.Default, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return c.raise(fmt.Errorf("%s: invalid answer: %w", p.Type, err))
	}
	return v, nil
}

func messageAndDefault(fn string, params []any) (string, any, error) {
	if len(params) == 0 || len(params) > 2 {
		return "", nil, fmt.Errorf("%s expects (message[, default])", fn)
	}
	msg, ok := params[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%s: message must be a string", fn)
	}
	var def any
	if len(params) == 2 {
		def = params[1]
	}
	return msg, def, nil
}
