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
	"fmt"
	"log/slog"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/tombee/unitd/internal/unit"
	uerrors "github.com/tombee/unitd/pkg/errors"
)

// Loader implements unit.Loader for manifest files.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With(slog.String("component", "manifest"))}
}

// Load reads, validates and compiles the manifest at path. A manifest whose
// programs fail to compile does not load.
func (l *Loader) Load(_ context.Context, path string) (unit.Instance, error) {
	m, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(m)
}

type method struct {
	spec MethodSpec
	prog *vm.Program
	code *gojq.Code
}

// Instance is a running manifest unit. State is shared by every invocation
// on the instance; each invocation works on a copy and commits the keys it
// set when it succeeds.
type Instance struct {
	manifest *Manifest
	methods  map[string]*method

	mu    sync.Mutex
	state map[string]any
}

// Compile turns a validated manifest into an instance.
func Compile(m *Manifest) (*Instance, error) {
	inst := &Instance{
		manifest: m,
		methods:  make(map[string]*method, len(m.Methods)),
		state:    cloneMap(m.State),
	}

	for _, name := range m.MethodNames() {
		spec := m.Methods[name]
		meth := &method{spec: spec}

		if spec.Expr != "" {
			prog, err := expr.Compile(spec.Expr, expr.Env(envTemplate()), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, &uerrors.ValidationError{
					Field:   "methods." + name + ".expr",
					Message: fmt.Sprintf("failed to compile expression: %s", err.Error()),
				}
			}
			meth.prog = prog
		} else {
			query, err := gojq.Parse(spec.JQ)
			if err != nil {
				return nil, &uerrors.ValidationError{
					Field:   "methods." + name + ".jq",
					Message: fmt.Sprintf("parse error: %s", err.Error()),
				}
			}
			code, err := gojq.Compile(query)
			if err != nil {
				return nil, &uerrors.ValidationError{
					Field:   "methods." + name + ".jq",
					Message: fmt.Sprintf("compile error: %s", err.Error()),
				}
			}
			meth.code = code
		}
		inst.methods[name] = meth
	}
	return inst, nil
}

// Describe implements unit.Describer.
func (i *Instance) Describe() unit.Description {
	return i.manifest.Describe()
}

// State returns a copy of the instance state.
func (i *Instance) State() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return cloneMap(i.state)
}

// Invoke implements unit.Instance.
func (i *Instance) Invoke(ctx context.Context, name string, args map[string]any, input unit.InputProvider) (any, error) {
	meth, ok := i.methods[name]
	if !ok {
		return nil, &uerrors.NotFoundError{Resource: "method", ID: i.manifest.Name + "." + name}
	}
	if args == nil {
		args = map[string]any{}
	}

	call := &invocation{
		ctx:     ctx,
		input:   input,
		state:   i.State(),
		changed: make(map[string]any),
	}

	var (
		result any
		err    error
	)
	if meth.prog != nil {
		result, err = expr.Run(meth.prog, call.env(args, i.manifest.Name))
	} else {
		result, err = runJQ(ctx, meth.code, map[string]any{
			"args":  args,
			"state": call.state,
			"unit":  i.manifest.Name,
		})
	}
	if err != nil {
		if call.err != nil {
			return nil, call.err
		}
		return nil, err
	}

	if len(call.changed) > 0 {
		i.mu.Lock()
		for k, v := range call.changed {
			i.state[k] = v
		}
		i.mu.Unlock()
	}
	return result, nil
}

// runJQ returns the filter's single output, or an array when it produces
// several.
func runJQ(ctx context.Context, code *gojq.Code, input map[string]any) (any, error) {
	normalized, err := normalize(input)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalize converts values to the plain JSON types gojq accepts.
func normalize(v map[string]any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
