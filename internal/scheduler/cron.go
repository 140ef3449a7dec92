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

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression. Each field is a bitset
// of the values it allows.
type Schedule struct {
	minute uint64 // 0-59
	hour   uint64 // 0-23
	dom    uint64 // 1-31
	month  uint64 // 1-12
	dow    uint64 // 0-6, Sunday is 0

	// domStar and dowStar record an unrestricted field. When both day
	// fields are restricted a day matches if either one does.
	domStar bool
	dowStar bool

	expr string
}

type bounds struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	minuteBounds = bounds{name: "minute", min: 0, max: 59}
	hourBounds   = bounds{name: "hour", min: 0, max: 23}
	domBounds    = bounds{name: "day-of-month", min: 1, max: 31}
	monthBounds  = bounds{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	// 7 is accepted as an alias for Sunday and folded onto 0.
	dowBounds = bounds{name: "day-of-week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

var macros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// Parse parses a cron expression of the form
// "minute hour day-of-month month day-of-week", or one of the @hourly,
// @daily, @weekly, @monthly, @yearly macros.
//
//	*/5 * * * *     every five minutes
//	0 9 * * mon-fri 09:00 on weekdays
//	0 0 1,15 * *    midnight on the 1st and 15th
func Parse(expr string) (*Schedule, error) {
	spec := strings.TrimSpace(expr)
	if m, ok := macros[strings.ToLower(spec)]; ok {
		spec = m
	}

	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(fields))
	}

	s := &Schedule{expr: expr}
	var err error

	if s.minute, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if s.hour, err = parseField(fields[1], hourBounds); err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if s.dom, err = parseField(fields[2], domBounds); err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if s.month, err = parseField(fields[3], monthBounds); err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if s.dow, err = parseField(fields[4], dowBounds); err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if s.dow&(1<<7) != 0 {
		s.dow = s.dow&^(1<<7) | 1
	}

	s.domStar = isStar(fields[2])
	s.dowStar = isStar(fields[4])
	return s, nil
}

func isStar(field string) bool {
	return field == "*" || field == "?"
}

// parseField parses a comma-separated list of values, ranges and steps.
func parseField(field string, b bounds) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(field, ",") {
		v, err := parsePart(part, b)
		if err != nil {
			return 0, err
		}
		bits |= v
	}
	return bits, nil
}

// parsePart handles one of: *, ?, N, name, N-M, and any of those with /step.
func parsePart(part string, b bounds) (uint64, error) {
	step := 1
	rangePart := part
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid %s step %q", b.name, part[idx+1:])
		}
		step = n
		rangePart = part[:idx]
	}

	var start, end int
	switch {
	case rangePart == "*" || rangePart == "?":
		start, end = b.min, b.max
	case strings.Contains(rangePart, "-"):
		lo, hi, _ := strings.Cut(rangePart, "-")
		var err error
		if start, err = parseValue(lo, b); err != nil {
			return 0, err
		}
		if end, err = parseValue(hi, b); err != nil {
			return 0, err
		}
	default:
		v, err := parseValue(rangePart, b)
		if err != nil {
			return 0, err
		}
		start, end = v, v
		// "N/step" runs from N to the end of the field.
		if step > 1 {
			end = b.max
		}
	}

	if start > end {
		return 0, fmt.Errorf("invalid %s range %d-%d", b.name, start, end)
	}

	var bits uint64
	for i := start; i <= end; i += step {
		bits |= 1 << uint(i)
	}
	return bits, nil
}

func parseValue(s string, b bounds) (int, error) {
	if v, ok := b.names[strings.ToLower(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q", b.name, s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%s value %d out of range [%d-%d]", b.name, v, b.min, b.max)
	}
	return v, nil
}

// String returns the expression the schedule was parsed from.
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the first matching minute strictly after from, in from's
// location. The zero time is returned if nothing matches within five years,
// which only happens for impossible dates such as "0 0 30 2 *".
func (s *Schedule) Next(from time.Time) time.Time {
	loc := from.Location()
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !has(s.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !has(s.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !has(s.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := has(s.dom, t.Day())
	dowOK := has(s.dow, int(t.Weekday()))

	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}
