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

// Package channel implements publish/subscribe fan-out between client
// connections. Delivery never blocks the publisher: each subscriber is
// offered the message through its own bounded queue.
package channel

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/unitd/internal/metrics"
	"github.com/tombee/unitd/internal/protocol"
)

// Subscriber is a connection able to receive pushes without blocking.
type Subscriber interface {
	ID() string
	TrySend(resp *protocol.Response) bool
}

// Options configures a Registry.
type Options struct {
	// HistorySize is the number of events retained per channel.
	HistorySize int

	// MaxChannels bounds how many channels keep history. Beyond it the
	// least recently published channel without subscribers is forgotten
	// first. Zero selects DefaultMaxChannels.
	MaxChannels int

	// EchoToOrigin delivers a publish back to the connection that sent it.
	EchoToOrigin bool

	Logger *slog.Logger
}

// DefaultMaxChannels is the history channel cap used when none is set.
const DefaultMaxChannels = 1024

// PublishResult reports what happened to one publish.
type PublishResult struct {
	EventID   string `json:"eventId"`
	Delivered int    `json:"delivered"`
	Dropped   int    `json:"dropped"`
}

// ownership is one subscriber's hold on one pattern. token tells a
// handle from the one returned for a later subscription to the same
// pattern.
type ownership struct {
	token  uint64
	handle func()
}

type subscription struct {
	matcher matcher
	subs    map[string]Subscriber
}

// Registry owns every subscription and the per-channel event history.
type Registry struct {
	mu sync.Mutex

	// patterns maps a pattern to its subscribers; entries are dropped when
	// the last subscriber leaves.
	patterns map[string]*subscription

	// owned maps a subscriber id to its patterns and their teardown handles.
	owned  map[string]map[string]*ownership
	tokens uint64

	history     map[string]*history
	recent      *list.List // channel names, most recently published first
	historySize int
	maxChannels int
	seq         uint64

	// forgotten is the newest sequence of any history that was dropped.
	// A channel without history may have had events up to it.
	forgotten uint64

	echo    bool
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.HistorySize < 0 {
		opts.HistorySize = 0
	}
	if opts.MaxChannels <= 0 {
		opts.MaxChannels = DefaultMaxChannels
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		patterns:    make(map[string]*subscription),
		owned:       make(map[string]map[string]*ownership),
		history:     make(map[string]*history),
		recent:      list.New(),
		historySize: opts.HistorySize,
		maxChannels: opts.MaxChannels,
		echo:        opts.EchoToOrigin,
		nowFunc:     time.Now,
		logger:      logger.With(slog.String("component", "channel")),
	}
}

// Subscribe registers pattern for sub and returns a handle that removes the
// subscription. Subscribing twice to the same pattern returns the existing
// handle.
func (r *Registry) Subscribe(sub Subscriber, pattern string) (func(), error) {
	m, err := newMatcher(pattern)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := sub.ID()
	if o, ok := r.owned[id][pattern]; ok {
		return o.handle, nil
	}

	s, ok := r.patterns[pattern]
	if !ok {
		s = &subscription{matcher: m, subs: make(map[string]Subscriber)}
		r.patterns[pattern] = s
	}
	s.subs[id] = sub

	r.tokens++
	token := r.tokens
	var once sync.Once
	handle := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if o, ok := r.owned[id][pattern]; ok && o.token == token {
				r.unsubscribeLocked(id, pattern)
			}
		})
	}

	if r.owned[id] == nil {
		r.owned[id] = make(map[string]*ownership)
	}
	r.owned[id][pattern] = &ownership{token: token, handle: handle}

	r.logger.Debug("subscribed", slog.String("conn_id", id), slog.String("channel", pattern))
	return handle, nil
}

// Unsubscribe removes one pattern for the subscriber with the given id.
// It reports whether the subscription existed.
func (r *Registry) Unsubscribe(subID, pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(subID, pattern)
}

// RemoveSubscriber drops every subscription owned by subID and returns how
// many were removed.
func (r *Registry) RemoveSubscriber(subID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for pattern := range r.owned[subID] {
		if r.unsubscribeLocked(subID, pattern) {
			n++
		}
	}
	return n
}

func (r *Registry) unsubscribeLocked(subID, pattern string) bool {
	handles, ok := r.owned[subID]
	if !ok {
		return false
	}
	if _, ok := handles[pattern]; !ok {
		return false
	}

	delete(handles, pattern)
	if len(handles) == 0 {
		delete(r.owned, subID)
	}

	if s, ok := r.patterns[pattern]; ok {
		delete(s.subs, subID)
		if len(s.subs) == 0 {
			delete(r.patterns, pattern)
		}
	}
	return true
}

// Publish records message on channel and offers it to every matching
// subscriber except, unless echo is enabled, the origin. originID may be
// empty for publishes that did not come from a connection.
func (r *Registry) Publish(channel string, message json.RawMessage, originID string) PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	ev := Event{
		ID:          formatEventID(r.seq),
		Channel:     channel,
		Message:     message,
		PublishedAt: r.nowFunc(),
		seq:         r.seq,
	}

	r.record(ev)

	targets := make(map[string]Subscriber)
	for _, s := range r.patterns {
		if !s.matcher.match(channel) {
			continue
		}
		for id, sub := range s.subs {
			if id == originID && !r.echo {
				continue
			}
			targets[id] = sub
		}
	}

	res := PublishResult{EventID: ev.ID}
	if len(targets) == 0 {
		return res
	}

	// Sending under mu keeps per-subscriber order equal to publish order.
	// TrySend never blocks.
	push := protocol.NewChannelMessage(channel, message, ev.ID)
	for id, sub := range targets {
		if sub.TrySend(push) {
			res.Delivered++
			metrics.PublishDeliveries.WithLabelValues(metrics.OutcomeSuccess).Inc()
			continue
		}
		res.Dropped++
		metrics.PublishDeliveries.WithLabelValues(metrics.OutcomeDropped).Inc()
		r.logger.Debug("dropped channel message", slog.String("conn_id", id), slog.String("channel", channel))
	}
	return res
}

// record appends ev to its channel's history, dropping the history of
// another channel when the cap is reached.
func (r *Registry) record(ev Event) {
	if r.historySize == 0 {
		r.forgotten = ev.seq
		return
	}

	h, ok := r.history[ev.Channel]
	if ok {
		r.recent.MoveToFront(h.elem)
	} else {
		if len(r.history) >= r.maxChannels {
			r.forgetOne()
		}
		h = newHistory(r.historySize)
		h.elem = r.recent.PushFront(ev.Channel)
		r.history[ev.Channel] = h
	}
	h.push(ev)
}

// forgetOne drops the least recently published history, preferring a
// channel nobody is subscribed to.
func (r *Registry) forgetOne() {
	victim := r.recent.Back()
	for e := r.recent.Back(); e != nil; e = e.Prev() {
		if !r.subscribedLocked(e.Value.(string)) {
			victim = e
			break
		}
	}
	if victim == nil {
		return
	}

	name := r.recent.Remove(victim).(string)
	if newest := r.history[name].newest(); newest > r.forgotten {
		r.forgotten = newest
	}
	delete(r.history, name)
	r.logger.Debug("dropped channel history", slog.String("channel", name))
}

func (r *Registry) subscribedLocked(channel string) bool {
	for _, s := range r.patterns {
		if len(s.subs) > 0 && s.matcher.match(channel) {
			return true
		}
	}
	return false
}

// HistoryChannels returns how many channels currently keep history.
func (r *Registry) HistoryChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// EventsSince returns the retained events on channel published after
// lastEventID. gap is true when events after lastEventID are no longer
// retained or the id is not recognised; the caller should then refetch
// full state. An empty lastEventID returns everything retained.
func (r *Registry) EventsSince(channel, lastEventID string) (events []Event, gap bool) {
	seq, ok := parseEventID(lastEventID)
	if !ok {
		return nil, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if seq > r.seq {
		return nil, true
	}

	h, ok := r.history[channel]
	if !ok {
		if seq < r.forgotten {
			return nil, true
		}
		return []Event{}, false
	}
	events, gap = h.since(seq)
	if events == nil && !gap {
		events = []Event{}
	}
	return events, gap
}

// SubscriberCount returns how many distinct subscribers a publish to
// channel would reach, ignoring echo suppression.
func (r *Registry) SubscriberCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, s := range r.patterns {
		if s.matcher.match(channel) {
			for id := range s.subs {
				seen[id] = struct{}{}
			}
		}
	}
	return len(seen)
}

// Patterns returns the patterns with at least one subscriber.
func (r *Registry) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.patterns))
	for p := range r.patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SubscriptionsOf returns the patterns held by subID.
func (r *Registry) SubscriptionsOf(subID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.owned[subID]))
	for p := range r.owned[subID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
