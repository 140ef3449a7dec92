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

package daemon

import (
	"context"
	"time"
)

// idleMonitor stops the daemon after it has had no connections and no
// scheduled jobs for the configured timeout.
type idleMonitor struct {
	timeout time.Duration
	busy    func() bool
	onIdle  func()
	now     func() time.Time

	idleSince time.Time
}

func newIdleMonitor(timeout time.Duration, busy func() bool, onIdle func()) *idleMonitor {
	return &idleMonitor{
		timeout: timeout,
		busy:    busy,
		onIdle:  onIdle,
		now:     time.Now,
	}
}

func (m *idleMonitor) run(ctx context.Context) {
	if m.timeout <= 0 {
		return
	}

	interval := min(max(m.timeout/4, 50*time.Millisecond), 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.check() {
				m.onIdle()
				return
			}
		}
	}
}

// check reports whether the idle timeout has elapsed. Any busy observation
// restarts the clock.
func (m *idleMonitor) check() bool {
	now := m.now()
	if m.busy() {
		m.idleSince = time.Time{}
		return false
	}
	if m.idleSince.IsZero() {
		m.idleSince = now
		return false
	}
	return now.Sub(m.idleSince) >= m.timeout
}
