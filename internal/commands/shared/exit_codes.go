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

package shared

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/lifecycle"
	pkgerrors "github.com/tombee/unitd/pkg/errors"
)

// Exit codes for unitd commands
const (
	ExitSuccess          = 0
	ExitFailed           = 1
	ExitUsage            = 2
	ExitDaemonNotRunning = 3
	ExitNotFound         = 4
	ExitTimeout          = 5
	ExitConfig           = 78 // EX_CONFIG from sysexits.h
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewUsageError creates an error for malformed command arguments
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitUsage,
		Message: msg,
		Cause:   cause,
	}
}

// NewNotFoundError creates an error for a missing unit, job or lock
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitNotFound,
		Message: msg,
		Cause:   cause,
	}
}

// guidance is implemented by errors that know how the user can fix them.
type guidance interface {
	Guidance() string
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		notFound *pkgerrors.NotFoundError
		timeout  *pkgerrors.TimeoutError
		cfgErr   *pkgerrors.ConfigError
	)
	switch {
	case client.IsDaemonNotRunning(err):
		return ExitDaemonNotRunning
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		return ExitFailed
	case errors.As(err, &notFound):
		return ExitNotFound
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	case errors.As(err, &cfgErr):
		return ExitConfig
	}
	return ExitFailed
}

// HandleExitError prints err with any guidance and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	if GetJSON() {
		_ = EmitJSONError("", []JSONError{{
			Code:       pkgerrors.Classify(err),
			Message:    err.Error(),
			Suggestion: suggestion(err),
		}})
		os.Exit(ExitCode(err))
	}

	fmt.Fprintln(os.Stderr, RenderError(err.Error()))
	if s := suggestion(err); s != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", s)
	}
	os.Exit(ExitCode(err))
}

// suggestion walks the error chain for user guidance.
func suggestion(err error) string {
	var g guidance
	if errors.As(err, &g) {
		return g.Guidance()
	}
	return ""
}
