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

package shared

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tombee/unitd/internal/cli/format"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const spinnerInterval = 120 * time.Millisecond

// Spinner shows progress on stderr while the CLI waits on the daemon.
// Off a terminal it prints the message once.
type Spinner struct {
	out io.Writer
	tty bool

	mu      sync.Mutex
	started time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewSpinner creates a spinner drawing on stderr.
func NewSpinner() *Spinner {
	return newSpinner(os.Stderr, format.IsColorTerminal(os.Stderr))
}

func newSpinner(out io.Writer, tty bool) *Spinner {
	return &Spinner{out: out, tty: tty}
}

// Start shows message. Starting a running spinner does nothing.
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}

	s.started = time.Now()
	s.stop = make(chan struct{})
	if !s.tty {
		fmt.Fprintln(s.out, message)
		return
	}

	s.wg.Add(1)
	go s.spin(message, s.stop)
}

func (s *Spinner) spin(message string, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		frame := spinnerFrames[i%len(spinnerFrames)]
		fmt.Fprintf(s.out, "\r\033[K%s %s %s", frame, message,
			Paint(ToneMuted, "("+formatElapsed(time.Since(s.started))+")"))
		select {
		case <-stop:
			fmt.Fprint(s.out, "\r\033[K")
			return
		case <-ticker.C:
		}
	}
}

// Stop clears the spinner and returns how long it ran. Stopping a
// spinner that never started returns 0.
func (s *Spinner) Stop() time.Duration {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return 0
	}
	elapsed := time.Since(s.started)
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()

	s.wg.Wait()
	return elapsed
}

// formatElapsed renders d as "12s" or "1m 23s".
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	m, sec := int(d/time.Minute), int((d%time.Minute)/time.Second)
	switch {
	case m == 0:
		return fmt.Sprintf("%ds", sec)
	case sec == 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%dm %ds", m, sec)
	}
}
