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

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTable(idle time.Duration) (*Table, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	tbl := NewTable(idle, nil)
	tbl.nowFunc = clock.Now
	return tbl, clock
}

func TestGetOrCreate(t *testing.T) {
	tbl, _ := newTestTable(time.Minute)

	info, created := tbl.GetOrCreate("s1", protocol.ClientCLI)
	require.True(t, created)
	assert.Equal(t, protocol.ClientCLI, info.ClientType)

	info, created = tbl.GetOrCreate("s1", "")
	assert.False(t, created)
	assert.Equal(t, protocol.ClientCLI, info.ClientType)

	info, _ = tbl.GetOrCreate("s1", protocol.ClientUI)
	assert.Equal(t, protocol.ClientUI, info.ClientType)
	assert.Equal(t, 1, tbl.Len())
}

func TestTouchResetsIdleClock(t *testing.T) {
	tbl, clock := newTestTable(time.Minute)
	tbl.GetOrCreate("s1", "")

	clock.Advance(50 * time.Second)
	require.True(t, tbl.Touch("s1"))
	clock.Advance(50 * time.Second)

	assert.Empty(t, tbl.Sweep())
	clock.Advance(11 * time.Second)
	assert.Equal(t, []string{"s1"}, tbl.Sweep())
	assert.False(t, tbl.Touch("s1"))
}

func TestAttachedSessionNeverExpires(t *testing.T) {
	tbl, clock := newTestTable(time.Minute)
	tbl.GetOrCreate("s1", "")
	tbl.Attach("s1", "c1")

	clock.Advance(time.Hour)
	assert.Empty(t, tbl.Sweep())

	tbl.Detach("s1", "c1")
	clock.Advance(59 * time.Second)
	assert.Empty(t, tbl.Sweep())
	clock.Advance(time.Second)
	assert.Equal(t, []string{"s1"}, tbl.Sweep())
}

func TestSessionSharedAcrossConnections(t *testing.T) {
	tbl, _ := newTestTable(0)
	tbl.GetOrCreate("s1", "")
	tbl.Attach("s1", "c1")
	tbl.Attach("s1", "c2")
	assert.Equal(t, []string{"c1", "c2"}, tbl.Connections("s1"))

	tbl.Detach("s1", "c1")
	_, ok := tbl.Get("s1")
	assert.True(t, ok, "session survives while another connection is attached")

	tbl.Detach("s1", "c2")
	_, ok = tbl.Get("s1")
	assert.False(t, ok, "zero idle timeout removes on last detach")
}

func TestRemoveHooks(t *testing.T) {
	tbl, clock := newTestTable(time.Second)

	var removed []string
	tbl.OnRemove(func(id string) { removed = append(removed, id) })

	tbl.GetOrCreate("a", "")
	tbl.GetOrCreate("b", "")

	assert.True(t, tbl.Remove("a"))
	assert.False(t, tbl.Remove("a"))

	clock.Advance(2 * time.Second)
	tbl.Sweep()

	assert.Equal(t, []string{"a", "b"}, removed)
	assert.Empty(t, tbl.List())
}
