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

package channels

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/channel"
	"github.com/tombee/unitd/internal/protocol"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`{"a":1}`, map[string]any{"a": float64(1)}},
		{`42`, float64(42)},
		{`"quoted"`, "quoted"},
		{`hello world`, "hello world"},
		{`true`, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMessage(tt.in))
		})
	}
}

func decodeLines(t *testing.T, s string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf)

	p.event(channel.Event{ID: "1", Channel: "builds", Message: json.RawMessage(`"ok"`), PublishedAt: time.Unix(0, 0).UTC()})
	p.push(protocol.NewChannelMessage("builds", json.RawMessage(`{"n":2}`), "2"))
	p.push(protocol.NewRefreshNeeded("", "", "builds"))
	p.push(protocol.NewPong("x"))
	p.refresh("chat")

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 4)
	assert.Equal(t, "1", lines[0]["eventId"])
	assert.Equal(t, "ok", lines[0]["message"])
	assert.Equal(t, "2", lines[1]["eventId"])
	assert.Equal(t, map[string]any{"n": float64(2)}, lines[1]["message"])
	assert.Equal(t, string(protocol.ResponseRefreshNeeded), lines[2]["type"])
	assert.Equal(t, "chat", lines[3]["channel"])
}

func TestEventPrinterConcurrent(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.push(protocol.NewChannelMessage("c", json.RawMessage(`1`), "e"))
		}()
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, buf.String()), 20)
}
