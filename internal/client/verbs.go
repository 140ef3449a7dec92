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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/unitd/internal/channel"
	"github.com/tombee/unitd/internal/lock"
	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/scheduler"
	"github.com/tombee/unitd/internal/unit"
)

// ReloadResult is the daemon's answer to a successful reload.
type ReloadResult struct {
	Reloaded bool          `json:"reloaded"`
	Unit     string        `json:"unit"`
	Methods  []unit.Method `json:"methods"`
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypePing})
	if err != nil {
		return err
	}
	if resp.Type != protocol.ResponsePong {
		return fmt.Errorf("unexpected %s response to ping", resp.Type)
	}
	return nil
}

// Shutdown asks the daemon to stop. It returns once the daemon has
// acknowledged the request.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeShutdown})
	return err
}

// Call invokes method on a unit and returns its result. target is a unit
// name, or a path to the unit's source.
func (c *Client) Call(ctx context.Context, target, method string, args map[string]any) (any, error) {
	req := &protocol.Request{Type: protocol.TypeCommand, Method: method, Args: args}
	setTarget(req, target)

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Reload reloads the unit whose source is at path.
func (c *Client) Reload(ctx context.Context, path string) (*ReloadResult, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeReload, UnitPath: path})
	if err != nil {
		return nil, err
	}
	var out ReloadResult
	if err := decodeData(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe registers pattern for this connection. Messages arrive at the
// push handler.
func (c *Client) Subscribe(ctx context.Context, pattern string) error {
	_, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeSubscribe, Channel: pattern})
	return err
}

// Unsubscribe removes pattern and reports whether it was held.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) (bool, error) {
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeUnsubscribe, Channel: pattern})
	if err != nil {
		return false, err
	}
	var out struct {
		Unsubscribed bool `json:"unsubscribed"`
	}
	if err := decodeData(resp, &out); err != nil {
		return false, err
	}
	return out.Unsubscribed, nil
}

// Publish sends message to every subscriber of ch.
func (c *Client) Publish(ctx context.Context, ch string, message any) (*channel.PublishResult, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypePublish, Channel: ch, Message: raw})
	if err != nil {
		return nil, err
	}
	var out channel.PublishResult
	if err := decodeData(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventsSince returns events published on ch after lastEventID. refresh is
// true when the daemon no longer holds every event since that id and the
// caller must reload its full state instead.
func (c *Client) EventsSince(ctx context.Context, ch, lastEventID string) (events []channel.Event, refresh bool, err error) {
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeGetEventsSince, Channel: ch, LastEventID: lastEventID})
	if err != nil {
		return nil, false, err
	}
	if resp.Type == protocol.ResponseRefreshNeeded {
		return nil, true, nil
	}
	var out struct {
		Events []channel.Event `json:"events"`
	}
	if err := decodeData(resp, &out); err != nil {
		return nil, false, err
	}
	return out.Events, false, nil
}

// Lock tries to take the named lock for this session. Contention is not an
// error: acquired is false. A zero ttl selects the daemon default.
func (c *Client) Lock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeLock, LockName: name, LockTimeout: ttl.Milliseconds()})
	if err != nil {
		return false, err
	}
	var out struct {
		Acquired bool `json:"acquired"`
	}
	if err := decodeData(resp, &out); err != nil {
		return false, err
	}
	return out.Acquired, nil
}

// Unlock releases the named lock if this session holds it.
func (c *Client) Unlock(ctx context.Context, name string) (bool, error) {
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeUnlock, LockName: name})
	if err != nil {
		return false, err
	}
	var out struct {
		Released bool `json:"released"`
	}
	if err := decodeData(resp, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// Locks lists every live lock.
func (c *Client) Locks(ctx context.Context) ([]lock.Lock, error) {
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeListLocks})
	if err != nil {
		return nil, err
	}
	var out struct {
		Locks []lock.Lock `json:"locks"`
	}
	if err := decodeData(resp, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// JobSpec describes a job to schedule.
type JobSpec struct {
	Unit   string
	ID     string
	Method string
	Cron   string
	Args   map[string]any
}

// Schedule registers a recurring job.
func (c *Client) Schedule(ctx context.Context, spec JobSpec) (*scheduler.Job, error) {
	req := &protocol.Request{
		Type:   protocol.TypeSchedule,
		JobID:  spec.ID,
		Method: spec.Method,
		Cron:   spec.Cron,
		Args:   spec.Args,
	}
	setTarget(req, spec.Unit)

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Job scheduler.Job `json:"job"`
	}
	if err := decodeData(resp, &out); err != nil {
		return nil, err
	}
	return &out.Job, nil
}

// Unschedule removes a job and reports whether it existed.
func (c *Client) Unschedule(ctx context.Context, target, jobID string) (bool, error) {
	req := &protocol.Request{Type: protocol.TypeUnschedule, JobID: jobID}
	setTarget(req, target)

	resp, err := c.Do(ctx, req)
	if err != nil {
		return false, err
	}
	var out struct {
		Unscheduled bool `json:"unscheduled"`
	}
	if err := decodeData(resp, &out); err != nil {
		return false, err
	}
	return out.Unscheduled, nil
}

// Jobs lists scheduled jobs, optionally only those of one unit.
func (c *Client) Jobs(ctx context.Context, unitName string) ([]scheduler.Job, error) {
	resp, err := c.Do(ctx, &protocol.Request{Type: protocol.TypeListJobs, Unit: unitName})
	if err != nil {
		return nil, err
	}
	var out struct {
		Jobs []scheduler.Job `json:"jobs"`
	}
	if err := decodeData(resp, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// setTarget addresses req to a unit by name, or by path when target looks
// like one.
func setTarget(req *protocol.Request, target string) {
	if target == "" {
		return
	}
	if strings.ContainsRune(target, filepath.Separator) || filepath.Ext(target) != "" {
		if abs, err := filepath.Abs(target); err == nil {
			target = abs
		}
		req.UnitPath = target
		return
	}
	req.Unit = target
}
