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

package jobs

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/scheduler"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		pairs    []string
		argsJSON string
		want     map[string]any
		wantErr  bool
	}{
		{name: "none", want: nil},
		{name: "pairs", pairs: []string{"n=3", "who=ops"}, want: map[string]any{"n": float64(3), "who": "ops"}},
		{name: "json then pairs", argsJSON: `{"n":1,"x":true}`, pairs: []string{"n=2"}, want: map[string]any{"n": float64(2), "x": true}},
		{name: "bad pair", pairs: []string{"n"}, wantErr: true},
		{name: "bad json", argsJSON: `"str"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.pairs, tt.argsJSON)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJobs(&buf, nil))
	assert.Equal(t, "No jobs scheduled\n", buf.String())

	buf.Reset()
	jobs := []scheduler.Job{
		{ID: "nightly", Unit: "backup", Method: "run", Cron: "0 3 * * *", NextRun: time.Now().Add(time.Hour), RunCount: 4, ErrorCount: 1, LastError: "disk full"},
		{ID: "poll", Unit: "watch", Method: "check", Cron: "*/5 * * * *", Running: true},
	}
	require.NoError(t, printJobs(&buf, jobs))

	out := buf.String()
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "0 3 * * *")
	assert.Contains(t, out, "disk full")
	assert.Contains(t, out, "running")
}
