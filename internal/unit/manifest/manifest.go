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

// Package manifest loads units declared in YAML. Each method is a small
// program: either an expr expression or a jq filter.
//
//	name: counter
//	scope: session
//	state: { count: 0 }
//	methods:
//	  increment:
//	    params: [n]
//	    expr: set("count", state.count + (args.n ?? 1))
//	  evens:
//	    jq: '[.args.items[] | select(. % 2 == 0)]'
package manifest

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/unitd/internal/unit"
	uerrors "github.com/tombee/unitd/pkg/errors"
)

// Extensions are the file extensions manifest units use, in lookup order.
var Extensions = []string{".yaml", ".yml"}

// Manifest is the parsed form of a unit file.
type Manifest struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description,omitempty"`
	Scope       unit.Scope            `yaml:"scope,omitempty"`
	IdleTimeout time.Duration         `yaml:"idle_timeout,omitempty"`
	State       map[string]any        `yaml:"state,omitempty"`
	Methods     map[string]MethodSpec `yaml:"methods"`
}

// MethodSpec declares one method. Exactly one of Expr and JQ is set.
type MethodSpec struct {
	Description string   `yaml:"description,omitempty"`
	Params      []string `yaml:"params,omitempty"`
	Expr        string   `yaml:"expr,omitempty"`
	JQ          string   `yaml:"jq,omitempty"`
}

// ReadFile reads and validates a manifest.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = unit.NameFromPath(path)
	}
	return m, nil
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's structure. Program syntax is checked when
// the manifest is compiled.
func (m *Manifest) Validate() error {
	switch m.Scope {
	case "", unit.ScopeShared, unit.ScopeSession:
	default:
		return &uerrors.ValidationError{
			Field:      "scope",
			Message:    fmt.Sprintf("unknown scope %q", m.Scope),
			Suggestion: "use shared or session",
		}
	}

	if len(m.Methods) == 0 {
		return &uerrors.ValidationError{Field: "methods", Message: "at least one method is required"}
	}

	for _, name := range m.MethodNames() {
		spec := m.Methods[name]
		if (spec.Expr == "") == (spec.JQ == "") {
			return &uerrors.ValidationError{
				Field:   "methods." + name,
				Message: "exactly one of expr or jq must be set",
			}
		}
	}
	return nil
}

// MethodNames returns method names in sorted order.
func (m *Manifest) MethodNames() []string {
	names := make([]string, 0, len(m.Methods))
	for name := range m.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe converts the manifest to the registry's description.
func (m *Manifest) Describe() unit.Description {
	d := unit.Description{
		Name:        m.Name,
		Description: m.Description,
		Scope:       m.Scope,
		IdleTimeout: m.IdleTimeout,
	}
	if d.Scope == "" {
		d.Scope = unit.ScopeShared
	}
	for _, name := range m.MethodNames() {
		spec := m.Methods[name]
		d.Methods = append(d.Methods, unit.Method{
			Name:        name,
			Description: spec.Description,
			Params:      spec.Params,
		})
	}
	return d
}
