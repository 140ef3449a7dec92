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
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/unitd/internal/channel"
	"github.com/tombee/unitd/internal/lock"
	"github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/scheduler"
	"github.com/tombee/unitd/internal/unit"
	uerrors "github.com/tombee/unitd/pkg/errors"
)

func (r *Router) handlePing(_ context.Context, cl *call) (any, error) {
	return protocol.NewPong(cl.req.ID), nil
}

// handleShutdown queues the acknowledgement before stopping so the caller
// sees it ahead of the connection closing.
func (r *Router) handleShutdown(ctx context.Context, cl *call) (any, error) {
	r.finish(ctx, cl, map[string]any{"shuttingDown": true}, nil)

	r.shutdownOnce.Do(func() {
		r.logger.Info("shutdown requested", slog.String(log.SessionIDKey, cl.sessionID))
		if r.cfg.OnShutdown != nil {
			go r.cfg.OnShutdown()
		}
	})
	return nil, nil
}

// handleCommand invokes a unit method. The timeout runs only while the unit
// is working; time spent waiting on a prompt answer does not count.
func (r *Router) handleCommand(ctx context.Context, cl *call) (any, error) {
	ref, err := r.unitRef(cl.req)
	if err != nil {
		return nil, err
	}

	clock := newDeadline(r.timeout())
	defer clock.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	input := &promptInput{
		r:         r,
		origin:    cl.conn,
		sessionID: cl.sessionID,
		requestID: cl.req.ID,
		clock:     clock,
	}

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := r.cfg.Units.Invoke(ctx, ref, cl.sessionID, cl.req.Method, cl.req.Args, input)
		done <- outcome{data, err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-clock.Expired():
		return nil, &uerrors.TimeoutError{
			Operation: fmt.Sprintf("command %s.%s", ref.Name, cl.req.Method),
			Duration:  r.timeout(),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleReload swaps in a fresh instance of the unit at unitPath. On
// failure the current instance keeps serving.
func (r *Router) handleReload(ctx context.Context, cl *call) (any, error) {
	if d := r.timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	desc, err := r.cfg.Units.Reload(ctx, cl.req.UnitPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reloaded": true, "unit": desc.Name, "methods": desc.Methods}, nil
}

func (r *Router) handleSubscribe(_ context.Context, cl *call) (any, error) {
	if _, err := r.cfg.Channels.Subscribe(cl.conn, cl.req.Channel); err != nil {
		return nil, err
	}
	return map[string]any{"subscribed": true, "channel": cl.req.Channel}, nil
}

func (r *Router) handleUnsubscribe(_ context.Context, cl *call) (any, error) {
	ok := r.cfg.Channels.Unsubscribe(cl.conn.ID(), cl.req.Channel)
	return map[string]any{"unsubscribed": ok, "channel": cl.req.Channel}, nil
}

func (r *Router) handlePublish(_ context.Context, cl *call) (any, error) {
	res := r.cfg.Channels.Publish(cl.req.Channel, cl.req.Message, cl.conn.ID())
	return map[string]any{
		"published": true,
		"channel":   cl.req.Channel,
		"eventId":   res.EventID,
		"delivered": res.Delivered,
		"dropped":   res.Dropped,
	}, nil
}

// handleEventsSince replays history, or answers refresh_needed under the
// request's id when the requested point is no longer retained.
func (r *Router) handleEventsSince(_ context.Context, cl *call) (any, error) {
	events, gap := r.cfg.Channels.EventsSince(cl.req.Channel, cl.req.LastEventID)
	if gap {
		return protocol.NewRefreshNeeded(cl.req.ID, "", cl.req.Channel), nil
	}
	if events == nil {
		events = []channel.Event{}
	}
	return map[string]any{"channel": cl.req.Channel, "events": events}, nil
}

// handleLock tries once to take a named lock for the caller's session. A
// busy lock is a normal result, not an error.
func (r *Router) handleLock(_ context.Context, cl *call) (any, error) {
	ttl := time.Duration(cl.req.LockTimeout) * time.Millisecond
	ok := r.cfg.Locks.Acquire(cl.req.LockName, cl.sessionID, ttl)
	return map[string]any{"acquired": ok, "lockName": cl.req.LockName}, nil
}

func (r *Router) handleUnlock(_ context.Context, cl *call) (any, error) {
	ok := r.cfg.Locks.Release(cl.req.LockName, cl.sessionID)
	return map[string]any{"released": ok, "lockName": cl.req.LockName}, nil
}

func (r *Router) handleListLocks(_ context.Context, _ *call) (any, error) {
	locks := r.cfg.Locks.List()
	if locks == nil {
		locks = []lock.Lock{}
	}
	return map[string]any{"locks": locks}, nil
}

// handleSchedule registers a cron job after checking the unit loads and
// exposes the method.
func (r *Router) handleSchedule(ctx context.Context, cl *call) (any, error) {
	ref, err := r.unitRef(cl.req)
	if err != nil {
		return nil, err
	}
	desc, err := r.cfg.Units.Describe(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(desc.Methods) > 0 && !hasMethod(desc, cl.req.Method) {
		return nil, &uerrors.NotFoundError{Resource: "method", ID: desc.Name + "." + cl.req.Method}
	}

	job, err := r.cfg.Scheduler.Schedule(desc.Name, cl.req.JobID, cl.req.Method, cl.req.Cron, cl.req.Args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scheduled": true, "job": job}, nil
}

func hasMethod(desc unit.Description, name string) bool {
	for _, m := range desc.Methods {
		if m.Name == name {
			return true
		}
	}
	return false
}

func (r *Router) handleUnschedule(_ context.Context, cl *call) (any, error) {
	ref, err := r.unitRef(cl.req)
	if err != nil {
		return nil, err
	}
	ok := r.cfg.Scheduler.Unschedule(ref.Name, cl.req.JobID)
	return map[string]any{"unscheduled": ok, "jobId": cl.req.JobID}, nil
}

// handleListJobs lists every job, or only the named unit's.
func (r *Router) handleListJobs(_ context.Context, cl *call) (any, error) {
	jobs := r.cfg.Scheduler.List(cl.req.Unit)
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	return map[string]any{"jobs": jobs}, nil
}

func (r *Router) timeout() time.Duration {
	if r.cfg.RequestTimeout < 0 {
		return 0
	}
	return r.cfg.RequestTimeout
}
