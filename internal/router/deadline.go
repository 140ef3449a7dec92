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

package router

import (
	"sync"
	"time"
)

// deadline is a request timeout that stops while the request waits on the
// client. Resuming restarts the full timeout rather than continuing the
// remainder.
type deadline struct {
	mu      sync.Mutex
	d       time.Duration
	timer   *time.Timer
	paused  int
	expired chan struct{}
	once    sync.Once
}

// newDeadline starts a deadline of d. A non-positive d never expires.
func newDeadline(d time.Duration) *deadline {
	dl := &deadline{d: d, expired: make(chan struct{})}
	if d > 0 {
		dl.timer = time.AfterFunc(d, dl.fire)
	}
	return dl
}

func (dl *deadline) fire() {
	dl.mu.Lock()
	paused := dl.paused > 0
	dl.mu.Unlock()

	// A pause that raced with the timer wins.
	if paused {
		return
	}
	dl.once.Do(func() { close(dl.expired) })
}

// Pause stops the clock. Pauses nest.
func (dl *deadline) Pause() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.paused++
	if dl.paused == 1 && dl.timer != nil {
		dl.timer.Stop()
	}
}

// Resume restarts the full timeout once every Pause has been undone.
func (dl *deadline) Resume() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.paused == 0 {
		return
	}
	dl.paused--
	if dl.paused == 0 && dl.timer != nil {
		dl.timer.Reset(dl.d)
	}
}

// Stop releases the timer.
func (dl *deadline) Stop() {
	if dl.timer != nil {
		dl.timer.Stop()
	}
}

// Expired is closed when the deadline passes.
func (dl *deadline) Expired() <-chan struct{} {
	return dl.expired
}
