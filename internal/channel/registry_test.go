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
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/protocol"
)

type recorder struct {
	id   string
	full bool

	mu       sync.Mutex
	received []*protocol.Response
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) TrySend(resp *protocol.Response) bool {
	if r.full {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, resp)
	return true
}

func (r *recorder) messages() []*protocol.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Response(nil), r.received...)
}

func msg(s string) json.RawMessage { return json.RawMessage(s) }

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		channel string
		want    bool
	}{
		{"board:1", "board:1", true},
		{"board:1", "board:10", false},
		{"board:*", "board:1", true},
		{"board:*", "board:1:cards", true},
		{"board:*", "boards", false},
		{"*", "anything", true},
		{"team/*/alerts", "team/ops/alerts", true},
		{"team/*/alerts", "team/ops/x/alerts", false},
		{"team/**/alerts", "team/ops/x/alerts", true},
		{"job-{a,b}", "job-b", true},
		{"job-?", "job-c", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.channel, func(t *testing.T) {
			m, err := newMatcher(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.match(tt.channel))
		})
	}
}

func TestSubscribeInvalidPattern(t *testing.T) {
	r := NewRegistry(Options{})
	_, err := r.Subscribe(&recorder{id: "c1"}, "bad[")
	var perr *InvalidPatternError
	assert.ErrorAs(t, err, &perr)
}

func TestSelfEchoSuppressed(t *testing.T) {
	r := NewRegistry(Options{HistorySize: 10})
	a := &recorder{id: "a"}
	b := &recorder{id: "b"}

	_, err := r.Subscribe(a, "chat")
	require.NoError(t, err)
	_, err = r.Subscribe(b, "chat")
	require.NoError(t, err)

	res := r.Publish("chat", msg(`"hi"`), "a")
	assert.Equal(t, 1, res.Delivered)

	assert.Empty(t, a.messages())
	got := b.messages()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ResponseChannelMessage, got[0].Type)
	assert.Equal(t, "chat", got[0].Channel)
	assert.JSONEq(t, `"hi"`, string(got[0].Message))
	assert.Equal(t, res.EventID, got[0].EventID)
}

func TestEchoToOrigin(t *testing.T) {
	r := NewRegistry(Options{EchoToOrigin: true})
	a := &recorder{id: "a"}
	_, err := r.Subscribe(a, "chat")
	require.NoError(t, err)

	r.Publish("chat", msg(`1`), "a")
	assert.Len(t, a.messages(), 1)
}

func TestDuplicateSubscribeReturnsSameHandle(t *testing.T) {
	r := NewRegistry(Options{})
	a := &recorder{id: "a"}

	h1, err := r.Subscribe(a, "board:*")
	require.NoError(t, err)
	h2, err := r.Subscribe(a, "board:*")
	require.NoError(t, err)

	// Overlapping patterns still deliver once.
	_, err = r.Subscribe(a, "board:1")
	require.NoError(t, err)
	r.Publish("board:1", msg(`{}`), "")
	assert.Len(t, a.messages(), 1)

	h2()
	h1()
	assert.Equal(t, []string{"board:1"}, r.SubscriptionsOf("a"))
}

func TestRemoveSubscriberCleansUp(t *testing.T) {
	r := NewRegistry(Options{})
	a := &recorder{id: "a"}
	b := &recorder{id: "b"}

	_, _ = r.Subscribe(a, "chat")
	_, _ = r.Subscribe(a, "board:*")
	_, _ = r.Subscribe(b, "board:*")

	assert.Equal(t, 2, r.RemoveSubscriber("a"))
	assert.Equal(t, []string{"board:*"}, r.Patterns(), "empty pattern entries are dropped")

	res := r.Publish("chat", msg(`1`), "")
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 0, r.SubscriberCount("chat"))

	assert.True(t, r.Unsubscribe("b", "board:*"))
	assert.False(t, r.Unsubscribe("b", "board:*"))
	assert.Empty(t, r.Patterns())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(Options{})
	slow := &recorder{id: "slow", full: true}
	fast := &recorder{id: "fast"}
	_, _ = r.Subscribe(slow, "c")
	_, _ = r.Subscribe(fast, "c")

	res := r.Publish("c", msg(`1`), "")
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Dropped)
	assert.Len(t, fast.messages(), 1)
}

func TestPublishOrderPreserved(t *testing.T) {
	r := NewRegistry(Options{})
	a := &recorder{id: "a"}
	_, _ = r.Subscribe(a, "c")

	for i := 0; i < 20; i++ {
		r.Publish("c", msg(`0`), "")
	}

	got := a.messages()
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		prev, _ := parseEventID(got[i-1].EventID)
		cur, _ := parseEventID(got[i].EventID)
		assert.Less(t, prev, cur)
	}
}

func TestEventsSince(t *testing.T) {
	r := NewRegistry(Options{HistorySize: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, r.Publish("c", msg(`0`), "").EventID)
	}
	r.Publish("other", msg(`0`), "")

	events, gap := r.EventsSince("c", ids[2])
	require.False(t, gap)
	require.Len(t, events, 2)
	assert.Equal(t, ids[3], events[0].ID)
	assert.Equal(t, ids[4], events[1].ID)

	events, gap = r.EventsSince("c", ids[4])
	assert.False(t, gap)
	assert.Empty(t, events)

	_, gap = r.EventsSince("c", ids[0])
	assert.True(t, gap, "ids[1] was evicted")

	_, gap = r.EventsSince("c", "not-a-number")
	assert.True(t, gap)

	_, gap = r.EventsSince("c", "99999")
	assert.True(t, gap, "ids from the future are unknown")

	events, gap = r.EventsSince("never-published", "")
	assert.False(t, gap)
	assert.Empty(t, events)
}

func TestHistoryDisabled(t *testing.T) {
	r := NewRegistry(Options{HistorySize: 0})
	first := r.Publish("c", msg(`0`), "").EventID
	r.Publish("c", msg(`0`), "")

	_, gap := r.EventsSince("c", first)
	assert.True(t, gap)
}

func TestStaleHandleKeepsNewerSubscription(t *testing.T) {
	r := NewRegistry(Options{})
	a := &recorder{id: "a"}

	old, err := r.Subscribe(a, "chat")
	require.NoError(t, err)
	require.True(t, r.Unsubscribe("a", "chat"))

	_, err = r.Subscribe(a, "chat")
	require.NoError(t, err)

	old()
	assert.Equal(t, []string{"chat"}, r.SubscriptionsOf("a"))

	r.Publish("chat", msg(`1`), "")
	assert.Len(t, a.messages(), 1)
}

func TestHistoryChannelCap(t *testing.T) {
	r := NewRegistry(Options{HistorySize: 4, MaxChannels: 2})
	watcher := &recorder{id: "w"}
	_, err := r.Subscribe(watcher, "kept")
	require.NoError(t, err)

	kept := r.Publish("kept", msg(`1`), "").EventID
	first := r.Publish("one-off:1", msg(`1`), "").EventID
	r.Publish("one-off:2", msg(`1`), "")
	r.Publish("one-off:3", msg(`1`), "")

	assert.Equal(t, 2, r.HistoryChannels())

	// The subscribed channel survives although it was published first.
	events, gap := r.EventsSince("kept", "")
	require.False(t, gap)
	require.Len(t, events, 1)
	assert.Equal(t, kept, events[0].ID)

	// A forgotten channel reports a gap rather than an empty history.
	_, gap = r.EventsSince("one-off:1", "")
	assert.True(t, gap)
	_, gap = r.EventsSince("one-off:1", first)
	assert.True(t, gap)

	events, gap = r.EventsSince("one-off:3", "")
	require.False(t, gap)
	assert.Len(t, events, 1)
}
