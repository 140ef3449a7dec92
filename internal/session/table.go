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

// Package session tracks logical callers across the connections they use.
// A session outlives any single connection; it is removed when its last
// connection detaches and the idle timeout elapses.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/unitd/internal/metrics"
	"github.com/tombee/unitd/internal/protocol"
)

// Info is a point-in-time copy of a session's bookkeeping.
type Info struct {
	ID           string              `json:"id"`
	ClientType   protocol.ClientType `json:"clientType,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	LastActivity time.Time           `json:"lastActivity"`
	Connections  int                 `json:"connections"`
}

type session struct {
	id           string
	clientType   protocol.ClientType
	createdAt    time.Time
	lastActivity time.Time
	conns        map[string]struct{}
}

func (s *session) info() Info {
	return Info{
		ID:           s.id,
		ClientType:   s.clientType,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Connections:  len(s.conns),
	}
}

// Table owns every live session.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*session

	// idleTimeout of zero removes a session as soon as its last connection
	// detaches.
	idleTimeout time.Duration
	onRemove    []func(id string)

	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewTable creates an empty table.
func NewTable(idleTimeout time.Duration, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		sessions:    make(map[string]*session),
		idleTimeout: idleTimeout,
		nowFunc:     time.Now,
		logger:      logger.With(slog.String("component", "session")),
	}
}

// OnRemove registers fn to run, outside the table lock, for every removed
// session. Register hooks before the table is in use.
func (t *Table) OnRemove(fn func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemove = append(t.onRemove, fn)
}

// GetOrCreate returns the session for id, creating it if needed. The client
// type is recorded on creation and updated when a later request supplies one.
func (t *Table) GetOrCreate(id string, clientType protocol.ClientType) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	if s, ok := t.sessions[id]; ok {
		if clientType != "" {
			s.clientType = clientType
		}
		return s.info(), false
	}

	s := &session{
		id:           id,
		clientType:   clientType,
		createdAt:    now,
		lastActivity: now,
		conns:        make(map[string]struct{}),
	}
	t.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(t.sessions)))
	t.logger.Debug("session created", slog.String("session_id", id), slog.String("client_type", string(clientType)))
	return s.info(), true
}

// Touch resets the idle clock. It reports whether the session exists.
func (t *Table) Touch(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if ok {
		s.lastActivity = t.nowFunc()
	}
	return ok
}

// Get returns a copy of the session's bookkeeping.
func (t *Table) Get(id string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Attach records that connID carries traffic for the session.
func (t *Table) Attach(id, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[id]; ok {
		s.conns[connID] = struct{}{}
		s.lastActivity = t.nowFunc()
	}
}

// Detach removes connID from the session. When it was the last connection
// the idle clock starts, or the session is removed outright if no idle
// timeout is configured.
func (t *Table) Detach(id, connID string) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	s.lastActivity = t.nowFunc()

	remove := len(s.conns) == 0 && t.idleTimeout <= 0
	if remove {
		t.deleteLocked(id)
	}
	hooks := t.onRemove
	t.mu.Unlock()

	if remove {
		t.notify(hooks, id)
	}
}

// Connections returns the ids of connections attached to the session.
func (t *Table) Connections(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(s.conns))
	for c := range s.conns {
		ids = append(ids, c)
	}
	sort.Strings(ids)
	return ids
}

// Remove deletes the session. It reports whether it existed.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	_, ok := t.sessions[id]
	if ok {
		t.deleteLocked(id)
	}
	hooks := t.onRemove
	t.mu.Unlock()

	if ok {
		t.notify(hooks, id)
	}
	return ok
}

// Sweep removes every detached session idle longer than the timeout and
// returns their ids.
func (t *Table) Sweep() []string {
	t.mu.Lock()
	now := t.nowFunc()
	var expired []string
	for id, s := range t.sessions {
		if len(s.conns) > 0 {
			continue
		}
		if now.Sub(s.lastActivity) >= t.idleTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		t.deleteLocked(id)
	}
	hooks := t.onRemove
	t.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		t.logger.Debug("session expired", slog.String("session_id", id))
		t.notify(hooks, id)
	}
	return expired
}

// Run sweeps on every interval until ctx is done.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// List returns all sessions ordered by id.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Info, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Table) deleteLocked(id string) {
	delete(t.sessions, id)
	metrics.SessionsActive.Set(float64(len(t.sessions)))
}

func (t *Table) notify(hooks []func(string), id string) {
	for _, fn := range hooks {
		fn(id)
	}
}
