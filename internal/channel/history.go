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
	"container/list"
	"encoding/json"
	"strconv"
	"time"
)

// Event is one published message retained for catch-up reads.
type Event struct {
	ID          string          `json:"eventId"`
	Channel     string          `json:"channel"`
	Message     json.RawMessage `json:"message,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`

	seq uint64
}

// history is a fixed-capacity ring of a channel's most recent events.
type history struct {
	events []Event
	start  int
	size   int

	// evicted is the sequence of the newest event pushed out of the ring.
	evicted uint64

	// elem is the channel's entry in the registry's recency list.
	elem *list.Element
}

func newHistory(capacity int) *history {
	return &history{events: make([]Event, capacity)}
}

func (h *history) push(ev Event) {
	if len(h.events) == 0 {
		h.evicted = ev.seq
		return
	}
	if h.size < len(h.events) {
		h.events[(h.start+h.size)%len(h.events)] = ev
		h.size++
		return
	}
	h.evicted = h.events[h.start].seq
	h.events[h.start] = ev
	h.start = (h.start + 1) % len(h.events)
}

// newest returns the sequence of the last event pushed.
func (h *history) newest() uint64 {
	if h.size == 0 {
		return h.evicted
	}
	return h.events[(h.start+h.size-1)%len(h.events)].seq
}

// since returns buffered events newer than seq. gap is true when an event
// newer than seq has already been evicted.
func (h *history) since(seq uint64) (out []Event, gap bool) {
	if h.evicted > seq {
		return nil, true
	}
	for i := 0; i < h.size; i++ {
		ev := h.events[(h.start+i)%len(h.events)]
		if ev.seq > seq {
			out = append(out, ev)
		}
	}
	return out, false
}

func formatEventID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func parseEventID(id string) (uint64, bool) {
	if id == "" {
		return 0, true
	}
	seq, err := strconv.ParseUint(id, 10, 64)
	return seq, err == nil
}
