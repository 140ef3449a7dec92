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

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	uerrors "github.com/tombee/unitd/pkg/errors"
)

var (
	// ErrInvalidRequest is wrapped by every validation failure.
	ErrInvalidRequest = errors.New("protocol: invalid request")

	// ErrMissingID is returned when a request lacks an id.
	ErrMissingID = fmt.Errorf("%w: missing id", ErrInvalidRequest)
)

// MaxLockTimeout is the largest lockTimeout, in milliseconds, that still
// fits a time.Duration.
const MaxLockTimeout = int64(math.MaxInt64 / int64(time.Millisecond))

// requiredFields lists the verb-specific fields that must be non-empty.
var requiredFields = map[RequestType][]string{
	TypeCommand:        {"method"},
	TypePing:           nil,
	TypeShutdown:       nil,
	TypeReload:         {"unitPath"},
	TypePromptResponse: nil,
	TypeSubscribe:      {"channel"},
	TypeUnsubscribe:    {"channel"},
	TypePublish:        {"channel"},
	TypeLock:           {"lockName"},
	TypeUnlock:         {"lockName"},
	TypeSchedule:       {"jobId", "method", "cron"},
	TypeUnschedule:     {"jobId"},
	TypeListJobs:       nil,
	TypeListLocks:      nil,
	TypeGetEventsSince: {"channel"},
}

// Validate checks the request shape before dispatch. It returns a
// *errors.ValidationError wrapping ErrInvalidRequest.
func (r *Request) Validate() error {
	if r.ID == "" {
		return &validationError{
			ValidationError: uerrors.ValidationError{Field: "id", Message: "required on every request"},
			sentinel:        ErrMissingID,
		}
	}

	fields, ok := requiredFields[r.Type]
	if !ok {
		return invalid("type", fmt.Sprintf("unknown request type %q", r.Type))
	}

	for _, f := range fields {
		if r.field(f) == "" {
			return invalid(f, fmt.Sprintf("required for %s", r.Type))
		}
	}

	if r.LockTimeout < 0 {
		return invalid("lockTimeout", "must not be negative")
	}
	if r.LockTimeout > MaxLockTimeout {
		return invalid("lockTimeout", fmt.Sprintf("must not exceed %d ms", MaxLockTimeout))
	}

	return nil
}

func (r *Request) field(name string) string {
	switch name {
	case "method":
		return r.Method
	case "unitPath":
		return r.UnitPath
	case "channel":
		return r.Channel
	case "lockName":
		return r.LockName
	case "jobId":
		return r.JobID
	case "cron":
		return r.Cron
	}
	return ""
}

// validationError pairs the shared ValidationError with a protocol sentinel
// so callers can use either errors.As or errors.Is.
type validationError struct {
	uerrors.ValidationError
	sentinel error
}

func (e *validationError) Unwrap() []error {
	return []error{&e.ValidationError, e.sentinel}
}

func invalid(field, msg string) error {
	return &validationError{
		ValidationError: uerrors.ValidationError{Field: field, Message: msg},
		sentinel:        ErrInvalidRequest,
	}
}

// ParseRequest decodes and validates one line. On failure the returned
// error is suitable for an error response; use BestEffortID to address it.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, &validationError{
			ValidationError: uerrors.ValidationError{Message: fmt.Sprintf("malformed JSON: %v", err)},
			sentinel:        ErrInvalidRequest,
		}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return &req, nil
}

// BestEffortID extracts the id from a line that failed to parse or validate.
// Numeric ids are accepted and stringified. A synthetic id is returned when
// nothing usable is found.
func BestEffortID(line []byte) string {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &head); err == nil && len(head.ID) > 0 {
		var s string
		if json.Unmarshal(head.ID, &s) == nil && s != "" {
			return s
		}
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(head.ID))
		dec.UseNumber()
		if dec.Decode(&n) == nil {
			if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
				return n.String()
			}
		}
	}
	return SyntheticID()
}

// Encode marshals a response as a single newline-terminated line.
func Encode(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", resp.Type, err)
	}
	return append(data, '\n'), nil
}

// DecodeResponse decodes one line sent by the daemon. Used by clients.
func DecodeResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Type == "" {
		return nil, errors.New("decode response: missing type")
	}
	return &resp, nil
}
