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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/transport"
)

var (
	// ErrNoPendingPrompt is returned for a prompt_response that matches no
	// outstanding prompt.
	ErrNoPendingPrompt = errors.New("no pending prompt for request")

	// ErrPromptPending is returned when a unit asks a second question before
	// the first was answered.
	ErrPromptPending = errors.New("a prompt is already pending for this request")

	// ErrSessionClosed is returned to a unit whose caller's session expired
	// while a prompt was outstanding.
	ErrSessionClosed = errors.New("session closed while awaiting input")
)

// pendingPrompt is an outstanding question. answer receives at most one
// value; cancelled is closed when no answer can arrive.
type pendingPrompt struct {
	answer    chan json.RawMessage
	cancelled chan struct{}
}

// promptInput lets a unit ask the calling client for input mid-invocation.
type promptInput struct {
	r         *Router
	origin    *transport.Conn
	sessionID string
	requestID string
	clock     *deadline
}

// Ask sends p to the client and blocks until it answers. The request's
// timeout is paused for the wait.
func (in *promptInput) Ask(ctx context.Context, p protocol.Prompt) (json.RawMessage, error) {
	key := requestKey{in.sessionID, in.requestID}
	pp := &pendingPrompt{
		answer:    make(chan json.RawMessage, 1),
		cancelled: make(chan struct{}),
	}

	in.r.mu.Lock()
	if _, busy := in.r.pending[key]; busy {
		in.r.mu.Unlock()
		return nil, ErrPromptPending
	}
	in.r.pending[key] = pp
	in.r.mu.Unlock()

	defer func() {
		in.r.mu.Lock()
		if in.r.pending[key] == pp {
			delete(in.r.pending, key)
		}
		in.r.mu.Unlock()
	}()

	in.clock.Pause()
	defer in.clock.Resume()

	asked := time.Now()
	defer func() {
		if in.r.promptWait != nil {
			in.r.promptWait.Record(ctx, time.Since(asked).Seconds())
		}
	}()

	in.r.logger.Debug("prompting client",
		slog.String(log.SessionIDKey, in.sessionID),
		slog.String(log.RequestIDKey, in.requestID),
		slog.String("kind", string(p.Type)))
	in.r.reply(in.origin, in.sessionID, protocol.NewPrompt(in.requestID, p))

	select {
	case v := <-pp.answer:
		return v, nil
	case <-pp.cancelled:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// answerPrompt hands the client's answer to the waiting unit. A matched
// answer gets no response of its own; the resumed request produces the next
// one.
func (r *Router) answerPrompt(cl *call) error {
	key := requestKey{cl.sessionID, cl.req.ID}

	r.mu.Lock()
	pp := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	if pp == nil {
		return fmt.Errorf("%w %q", ErrNoPendingPrompt, cl.req.ID)
	}
	pp.answer <- cl.req.PromptValue
	return nil
}

// cancelPrompts wakes every unit waiting on sessionID and returns how many
// there were.
func (r *Router) cancelPrompts(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, pp := range r.pending {
		if key.sessionID != sessionID {
			continue
		}
		close(pp.cancelled)
		delete(r.pending, key)
		n++
	}
	return n
}
