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

// Package unit hosts loadable units: it resolves a unit name or path to a
// running instance, keeps instances alive between calls, swaps them on
// reload and retires them when idle.
//
// The registry never looks inside an instance. A Loader turns a source path
// into an Instance; optional interfaces let an instance describe itself and
// release resources on shutdown.
package unit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/unitd/internal/protocol"
)

// Loader creates instances from unit sources.
type Loader interface {
	Load(ctx context.Context, path string) (Instance, error)
}

// Instance is a running unit.
type Instance interface {
	// Invoke runs method with args. input is never nil; methods use it to
	// ask the caller for values.
	Invoke(ctx context.Context, method string, args map[string]any, input InputProvider) (any, error)
}

// Shutdowner is implemented by instances holding resources.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Describer is implemented by instances that can list their methods and
// declare how they are shared.
type Describer interface {
	Describe() Description
}

// InputProvider asks whoever triggered an invocation for a value. It blocks
// until the value arrives or ctx is done.
type InputProvider interface {
	Ask(ctx context.Context, p protocol.Prompt) (json.RawMessage, error)
}

// Scope controls how many instances of a unit exist.
type Scope string

const (
	// ScopeShared serves every session from one instance.
	ScopeShared Scope = "shared"
	// ScopeSession gives each session its own instance.
	ScopeSession Scope = "session"
)

// Description is what a unit says about itself.
type Description struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Scope       Scope         `json:"scope"`
	IdleTimeout time.Duration `json:"idleTimeout,omitempty"`
	Methods     []Method      `json:"methods,omitempty"`
}

// Method describes one invokable operation.
type Method struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params,omitempty"`
}

// NameFromPath derives a unit name from its source path: the base name with
// every extension removed, so "/x/todo.unit.yaml" is "todo".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	if len(base) > 1 {
		if i := strings.IndexByte(base[1:], '.'); i >= 0 {
			base = base[:i+1]
		}
	}
	return base
}

// noInput answers every prompt with an error. It backs invocations that
// have no interactive caller, such as scheduled jobs.
type noInput struct{}

func (noInput) Ask(context.Context, protocol.Prompt) (json.RawMessage, error) {
	return nil, ErrNoInput
}

// NoInput is an InputProvider for non-interactive callers.
var NoInput InputProvider = noInput{}

// describe asks inst to describe itself. The registry's name for the unit
// always wins over the name the unit reports.
func describe(inst Instance, name string) Description {
	var d Description
	if ds, ok := inst.(Describer); ok {
		d = ds.Describe()
	}
	d.Name = name
	if d.Scope == "" {
		d.Scope = ScopeShared
	}
	return d
}
