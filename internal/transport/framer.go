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

package transport

import (
	"bytes"
	"errors"
)

// ErrLineTooLong is reported when an inbound line exceeds the framer limit.
// The oversized line is discarded up to its terminating newline.
var ErrLineTooLong = errors.New("transport: line exceeds maximum size")

// Framer splits a byte stream into newline-delimited messages. Bytes after
// the last newline are kept until a later Feed completes them.
type Framer struct {
	buf        []byte
	max        int
	discarding bool
}

// NewFramer returns a framer that rejects lines longer than max bytes.
// A non-positive max disables the limit.
func NewFramer(max int) *Framer {
	return &Framer{max: max}
}

// Feed consumes data and returns every line it completed, in arrival order.
// Empty lines are skipped. ErrLineTooLong is returned alongside any lines
// that were still complete when one or more oversized lines were dropped.
func (f *Framer) Feed(data []byte) ([][]byte, error) {
	var (
		lines    [][]byte
		overflow bool
	)

	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')

		if f.discarding {
			if idx < 0 {
				return lines, nil
			}
			f.discarding = false
			data = data[idx+1:]
			continue
		}

		if idx < 0 {
			f.buf = append(f.buf, data...)
			if f.max > 0 && len(f.buf) > f.max {
				f.buf = f.buf[:0]
				f.discarding = true
				overflow = true
			}
			break
		}

		line := make([]byte, 0, len(f.buf)+idx)
		line = append(line, f.buf...)
		line = append(line, data[:idx]...)
		f.buf = f.buf[:0]
		data = data[idx+1:]

		if f.max > 0 && len(line) > f.max {
			overflow = true
			continue
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}

	if overflow {
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Buffered reports how many bytes of an incomplete line are held.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
