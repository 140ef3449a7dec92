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

// Package lock implements named mutual-exclusion entries with a holder and
// an expiry. Contention is a normal outcome, never an error.
package lock

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/unitd/internal/metrics"
)

// DefaultTTL applies when an acquire does not name one.
const DefaultTTL = 30 * time.Second

// Lock is one held entry.
type Lock struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Manager owns the lock table. Every check-then-write happens under mu so
// concurrent acquirers cannot both observe a free entry.
type Manager struct {
	mu         sync.Mutex
	locks      map[string]*Lock
	defaultTTL time.Duration

	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewManager creates an empty lock table. A non-positive defaultTTL falls
// back to DefaultTTL.
func NewManager(defaultTTL time.Duration, logger *slog.Logger) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		locks:      make(map[string]*Lock),
		defaultTTL: defaultTTL,
		nowFunc:    time.Now,
		logger:     logger.With(slog.String("component", "lock")),
	}
}

// Acquire takes or refreshes name for holder. It returns false when a
// different holder has an unexpired entry. A non-positive ttl selects the
// default.
func (m *Manager) Acquire(name, holder string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if l := m.liveLocked(name, now); l != nil && l.Holder != holder {
		metrics.LockAcquires.WithLabelValues(metrics.OutcomeBusy).Inc()
		return false
	} else if l != nil {
		l.ExpiresAt = now.Add(ttl)
		metrics.LockAcquires.WithLabelValues(metrics.OutcomeAcquired).Inc()
		return true
	}

	m.locks[name] = &Lock{
		Name:       name,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	metrics.LockAcquires.WithLabelValues(metrics.OutcomeAcquired).Inc()
	m.logger.Debug("lock acquired", slog.String("lock", name), slog.String("holder", holder))
	return true
}

// Release removes name if holder owns it and reports whether it did.
func (m *Manager) Release(name, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.liveLocked(name, m.nowFunc())
	if l == nil || l.Holder != holder {
		return false
	}
	delete(m.locks, name)
	m.logger.Debug("lock released", slog.String("lock", name), slog.String("holder", holder))
	return true
}

// ReleaseHolder drops every lock owned by holder, e.g. when its session
// ends. It returns the released names.
func (m *Manager) ReleaseHolder(holder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []string
	for name, l := range m.locks {
		if l.Holder == holder {
			delete(m.locks, name)
			released = append(released, name)
		}
	}
	sort.Strings(released)
	return released
}

// List returns every unexpired lock ordered by name. Expired entries are
// pruned as a side effect.
func (m *Manager) List() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	out := make([]Lock, 0, len(m.locks))
	for name := range m.locks {
		if l := m.liveLocked(name, now); l != nil {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// liveLocked returns the unexpired entry for name, evicting it if expired.
func (m *Manager) liveLocked(name string, now time.Time) *Lock {
	l, ok := m.locks[name]
	if !ok {
		return nil
	}
	if !now.Before(l.ExpiresAt) {
		delete(m.locks, name)
		return nil
	}
	return l
}
