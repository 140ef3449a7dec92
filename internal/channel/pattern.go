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

package channel

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern kinds accepted by Subscribe:
//
//	board:42      exact channel name
//	board:*       trailing wildcard, matched by prefix ("board:")
//	*             every channel
//	board/**/ops  doublestar glob over '/'-separated segments
type matcher struct {
	pattern string
	prefix  string
	exact   bool
	glob    bool
}

func newMatcher(pattern string) (matcher, error) {
	m := matcher{pattern: pattern}

	switch {
	case pattern == "*":
		m.prefix = ""
	case strings.HasSuffix(pattern, "*") && !hasMeta(pattern[:len(pattern)-1]):
		m.prefix = pattern[:len(pattern)-1]
	case !hasMeta(pattern):
		m.exact = true
	default:
		if !doublestar.ValidatePattern(pattern) {
			return matcher{}, &InvalidPatternError{Pattern: pattern}
		}
		m.glob = true
	}
	return m, nil
}

func (m matcher) match(channel string) bool {
	switch {
	case m.exact:
		return channel == m.pattern
	case m.glob:
		ok, err := doublestar.Match(m.pattern, channel)
		return err == nil && ok
	default:
		return strings.HasPrefix(channel, m.prefix)
	}
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// InvalidPatternError reports a subscription pattern that cannot be parsed.
type InvalidPatternError struct {
	Pattern string
}

func (e *InvalidPatternError) Error() string {
	return "invalid channel pattern: " + e.Pattern
}

// ErrorType implements errors.ErrorClassifier.
func (e *InvalidPatternError) ErrorType() string { return "validation" }

// IsRetryable implements errors.ErrorClassifier.
func (e *InvalidPatternError) IsRetryable() bool { return false }
