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

package unit

import (
	"errors"

	uerrors "github.com/tombee/unitd/pkg/errors"
)

var (
	// ErrUnitNotFound is matched by errors for names no source resolves to.
	ErrUnitNotFound = errors.New("unit: not found")

	// ErrReloadFailed wraps the loader error of a failed reload. The
	// previous instance keeps serving.
	ErrReloadFailed = errors.New("unit: reload failed")

	// ErrNoInput is returned when a non-interactive invocation asks for input.
	ErrNoInput = errors.New("unit: no interactive caller to answer prompt")

	// ErrClosed is returned after the registry has shut down.
	ErrClosed = errors.New("unit: registry closed")
)

type notFoundError struct {
	uerrors.NotFoundError
}

func (e *notFoundError) Unwrap() []error {
	return []error{&e.NotFoundError, ErrUnitNotFound}
}

func unitNotFound(name string) error {
	return &notFoundError{uerrors.NotFoundError{Resource: "unit", ID: name}}
}

type reloadError struct {
	path  string
	cause error
}

func (e *reloadError) Error() string {
	return "reload " + e.path + ": " + e.cause.Error()
}

func (e *reloadError) Unwrap() []error {
	return []error{ErrReloadFailed, e.cause}
}
