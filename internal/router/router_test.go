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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/channel"
	"github.com/tombee/unitd/internal/lock"
	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/scheduler"
	"github.com/tombee/unitd/internal/session"
	"github.com/tombee/unitd/internal/transport"
	"github.com/tombee/unitd/internal/unit"
)

type fakeLoader struct {
	release chan struct{}
	fail    atomic.Bool
}

func (l *fakeLoader) Load(_ context.Context, path string) (unit.Instance, error) {
	if l.fail.Load() {
		return nil, errors.New("syntax error on line 3")
	}
	return &fakeUnit{name: unit.NameFromPath(path), release: l.release}, nil
}

type fakeUnit struct {
	name    string
	release chan struct{}
}

func (u *fakeUnit) Describe() unit.Description {
	methods := []unit.Method{}
	for _, m := range []string{"echo", "whoami", "greet", "block", "wait"} {
		methods = append(methods, unit.Method{Name: m})
	}
	return unit.Description{Name: u.name, Methods: methods}
}

func (u *fakeUnit) Invoke(ctx context.Context, method string, args map[string]any, input unit.InputProvider) (any, error) {
	switch method {
	case "echo":
		return args, nil
	case "whoami":
		return unit.SessionIDFrom(ctx), nil
	case "greet":
		raw, err := input.Ask(ctx, protocol.Prompt{Type: protocol.PromptText, Message: "Name?"})
		if err != nil {
			return nil, err
		}
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, err
		}
		return "hello " + name, nil
	case "block":
		<-ctx.Done()
		return nil, ctx.Err()
	case "wait":
		select {
		case <-u.release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

type harness struct {
	t        *testing.T
	dir      string
	loader   *fakeLoader
	router   *Router
	server   *transport.Server
	sessions *session.Table
	locks    *lock.Manager
	units    *unit.Registry
	release  chan struct{}
	shutdown chan struct{}
}

type harnessOptions struct {
	sessionIdle    time.Duration
	requestTimeout time.Duration
	defaultUnit    string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	dir := t.TempDir()
	for _, name := range []string{"tasks", "greeter"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".fake"), []byte("fake"), 0o600))
	}

	h := &harness{
		t:        t,
		dir:      dir,
		release:  make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	h.loader = &fakeLoader{release: h.release}
	h.units = unit.NewRegistry(h.loader, unit.Options{
		Dirs:       []string{dir},
		Extensions: []string{".fake"},
	})
	h.sessions = session.NewTable(opts.sessionIdle, nil)
	h.locks = lock.NewManager(0, nil)

	sched := scheduler.New(scheduler.Config{}, scheduler.InvokerFunc(
		func(ctx context.Context, name, method string, args map[string]any) (any, error) {
			return h.units.Invoke(ctx, unit.Ref{Name: name}, "", method, args, unit.NoInput)
		}))

	h.router = New(Config{
		Sessions:       h.sessions,
		Locks:          h.locks,
		Channels:       channel.NewRegistry(channel.Options{HistorySize: 16}),
		Scheduler:      sched,
		Units:          h.units,
		RequestTimeout: opts.requestTimeout,
		DefaultUnit:    opts.defaultUnit,
		OnShutdown:     func() { close(h.shutdown) },
	})
	h.server = transport.NewServer(transport.Config{}, h.router)
	h.router.SetBroadcaster(h.server)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.server.Close(ctx)
		_ = h.units.Close(ctx)
	})
	return h
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *harness) dial() *client {
	c, s := net.Pipe()
	go h.server.ServeConn(context.Background(), s)
	h.t.Cleanup(func() { c.Close() })
	return &client{t: h.t, conn: c, r: bufio.NewReader(c)}
}

func (c *client) send(req protocol.Request) {
	c.t.Helper()
	b, err := json.Marshal(req)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(b, '\n'))
	require.NoError(c.t, err)
}

func (c *client) read() *protocol.Response {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	resp, err := protocol.DecodeResponse(line)
	require.NoError(c.t, err)
	return resp
}

func (c *client) call(req protocol.Request) *protocol.Response {
	c.t.Helper()
	c.send(req)
	return c.read()
}

func data(t *testing.T, resp *protocol.Response) map[string]any {
	t.Helper()
	require.Equal(t, protocol.ResponseResult, resp.Type, "error: %s", resp.Error)
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestPing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	resp := c.call(protocol.Request{Type: protocol.TypePing, ID: "p1"})
	assert.Equal(t, protocol.ResponsePong, resp.Type)
	assert.Equal(t, "p1", resp.ID)
}

func TestInvalidRequestKeepsID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	_, err := c.conn.Write([]byte(`{"type":"lock","id":"l1"}` + "\n"))
	require.NoError(t, err)

	resp := c.read()
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "l1", resp.ID)
	assert.Contains(t, resp.Error, "lockName")

	// The connection survives.
	assert.Equal(t, protocol.ResponsePong, c.call(protocol.Request{Type: protocol.TypePing, ID: "p"}).Type)
}

func TestCommand(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	resp := c.call(protocol.Request{
		Type: protocol.TypeCommand, ID: "c1", SessionID: "s1",
		Unit: "tasks", Method: "echo", Args: map[string]any{"x": "y"},
	})
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, map[string]any{"x": "y"}, data(t, resp))

	resp = c.call(protocol.Request{
		Type: protocol.TypeCommand, ID: "c2", SessionID: "s1", Unit: "tasks", Method: "whoami",
	})
	require.Equal(t, protocol.ResponseResult, resp.Type)
	assert.Equal(t, "s1", resp.Data)

	info, ok := h.sessions.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 1, info.Connections)
}

func TestCommandDerivesSessionFromConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	resp := c.call(protocol.Request{Type: protocol.TypeCommand, ID: "c1", Unit: "tasks", Method: "whoami"})
	require.Equal(t, protocol.ResponseResult, resp.Type)
	assert.Contains(t, resp.Data, "conn-conn_")
}

func TestCommandUnitResolution(t *testing.T) {
	tests := []struct {
		name        string
		defaultUnit string
		wantErr     string
	}{
		{name: "default unit", defaultUnit: "greeter"},
		{name: "no unit", wantErr: "no unit named"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{defaultUnit: tt.defaultUnit})
			c := h.dial()

			resp := c.call(protocol.Request{Type: protocol.TypeCommand, ID: "c", Method: "echo"})
			if tt.wantErr != "" {
				assert.Equal(t, protocol.ResponseError, resp.Type)
				assert.Contains(t, resp.Error, tt.wantErr)
				return
			}
			assert.Equal(t, protocol.ResponseResult, resp.Type)
			_, ok := h.units.PathOf(tt.defaultUnit)
			assert.True(t, ok)
		})
	}
}

func TestCommandUnknownUnit(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	resp := c.call(protocol.Request{Type: protocol.TypeCommand, ID: "c", Unit: "missing", Method: "echo"})
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "c", resp.ID)
}

func TestPromptRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	c.send(protocol.Request{Type: protocol.TypeCommand, ID: "g1", SessionID: "s", Unit: "tasks", Method: "greet"})

	prompt := c.read()
	require.Equal(t, protocol.ResponsePrompt, prompt.Type)
	assert.Equal(t, "g1", prompt.ID)
	require.NotNil(t, prompt.Prompt)
	assert.Equal(t, "Name?", prompt.Prompt.Message)

	resp := c.call(protocol.Request{
		Type: protocol.TypePromptResponse, ID: "g1", SessionID: "s",
		PromptValue: json.RawMessage(`"ada"`),
	})
	assert.Equal(t, protocol.ResponseResult, resp.Type)
	assert.Equal(t, "g1", resp.ID)
	assert.Equal(t, "hello ada", resp.Data)
}

func TestPromptResponseWithoutPrompt(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	resp := c.call(protocol.Request{Type: protocol.TypePromptResponse, ID: "nope", PromptValue: json.RawMessage(`1`)})
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "nope", resp.ID)
	assert.Contains(t, resp.Error, ErrNoPendingPrompt.Error())
}

func TestPromptPausesTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{requestTimeout: 100 * time.Millisecond})
	c := h.dial()

	c.send(protocol.Request{Type: protocol.TypeCommand, ID: "g", SessionID: "s", Unit: "tasks", Method: "greet"})
	require.Equal(t, protocol.ResponsePrompt, c.read().Type)

	time.Sleep(300 * time.Millisecond)

	resp := c.call(protocol.Request{
		Type: protocol.TypePromptResponse, ID: "g", SessionID: "s",
		PromptValue: json.RawMessage(`"bob"`),
	})
	assert.Equal(t, protocol.ResponseResult, resp.Type)
	assert.Equal(t, "hello bob", resp.Data)
}

func TestCommandTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{requestTimeout: 50 * time.Millisecond})
	c := h.dial()

	resp := c.call(protocol.Request{Type: protocol.TypeCommand, ID: "b", Unit: "tasks", Method: "block"})
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "b", resp.ID)
	assert.Contains(t, resp.Error, "timed out")

	// The connection is still usable.
	assert.Equal(t, protocol.ResponsePong, c.call(protocol.Request{Type: protocol.TypePing, ID: "p"}).Type)
}

func TestDuplicateInFlightID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	req := protocol.Request{Type: protocol.TypeCommand, ID: "d", SessionID: "s", Unit: "tasks", Method: "wait"}
	c.send(req)
	dup := c.call(req)
	assert.Equal(t, protocol.ResponseError, dup.Type)
	assert.Equal(t, "d", dup.ID)

	close(h.release)
	resp := c.read()
	assert.Equal(t, protocol.ResponseResult, resp.Type)
	assert.Equal(t, "released", resp.Data)
}

func TestResponseFallsBackToSessionConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{sessionIdle: time.Minute})
	a := h.dial()
	b := h.dial()

	a.send(protocol.Request{Type: protocol.TypeCommand, ID: "w", SessionID: "shared", Unit: "tasks", Method: "wait"})
	require.Equal(t, protocol.ResponsePong, b.call(protocol.Request{Type: protocol.TypePing, ID: "p", SessionID: "shared"}).Type)

	require.Eventually(t, func() bool {
		info, ok := h.sessions.Get("shared")
		return ok && info.Connections == 2
	}, time.Second, 10*time.Millisecond)

	a.conn.Close()
	require.Eventually(t, func() bool {
		info, ok := h.sessions.Get("shared")
		return ok && info.Connections == 1
	}, time.Second, 10*time.Millisecond)

	close(h.release)
	resp := b.read()
	assert.Equal(t, "w", resp.ID)
	assert.Equal(t, "released", resp.Data)
}

func TestPublishSubscribe(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sub := h.dial()
	pub := h.dial()

	d := data(t, sub.call(protocol.Request{Type: protocol.TypeSubscribe, ID: "s1", Channel: "news.*"}))
	assert.Equal(t, true, d["subscribed"])

	// The publisher is subscribed too but never hears itself.
	data(t, pub.call(protocol.Request{Type: protocol.TypeSubscribe, ID: "s2", Channel: "news.*"}))

	d = data(t, pub.call(protocol.Request{
		Type: protocol.TypePublish, ID: "m1", Channel: "news.world",
		Message: json.RawMessage(`{"headline":"hi"}`),
	}))
	assert.Equal(t, float64(1), d["delivered"])
	assert.NotEmpty(t, d["eventId"])

	msg := sub.read()
	assert.Equal(t, protocol.ResponseChannelMessage, msg.Type)
	assert.Equal(t, "news.world", msg.Channel)
	assert.Equal(t, d["eventId"], msg.EventID)
	assert.JSONEq(t, `{"headline":"hi"}`, string(msg.Message))

	assert.Equal(t, protocol.ResponsePong, pub.call(protocol.Request{Type: protocol.TypePing, ID: "p"}).Type)

	d = data(t, sub.call(protocol.Request{Type: protocol.TypeUnsubscribe, ID: "u", Channel: "news.*"}))
	assert.Equal(t, true, d["unsubscribed"])
}

func TestSubscribeInvalidPattern(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	resp := c.call(protocol.Request{Type: protocol.TypeSubscribe, ID: "s", Channel: "news.[a"})
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "s", resp.ID)
}

func TestGetEventsSince(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	first := data(t, c.call(protocol.Request{Type: protocol.TypePublish, ID: "1", Channel: "log", Message: json.RawMessage(`1`)}))
	data(t, c.call(protocol.Request{Type: protocol.TypePublish, ID: "2", Channel: "log", Message: json.RawMessage(`2`)}))

	d := data(t, c.call(protocol.Request{Type: protocol.TypeGetEventsSince, ID: "e", Channel: "log"}))
	assert.Len(t, d["events"], 2)

	d = data(t, c.call(protocol.Request{
		Type: protocol.TypeGetEventsSince, ID: "e2", Channel: "log", LastEventID: first["eventId"].(string),
	}))
	assert.Len(t, d["events"], 1)

	resp := c.call(protocol.Request{Type: protocol.TypeGetEventsSince, ID: "gap", Channel: "log", LastEventID: "999999"})
	assert.Equal(t, protocol.ResponseRefreshNeeded, resp.Type)
	assert.Equal(t, "gap", resp.ID)
	assert.Equal(t, "log", resp.Channel)
}

func TestLocks(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	a := h.dial()
	b := h.dial()

	d := data(t, a.call(protocol.Request{Type: protocol.TypeLock, ID: "1", SessionID: "a", LockName: "db"}))
	assert.Equal(t, true, d["acquired"])

	d = data(t, b.call(protocol.Request{Type: protocol.TypeLock, ID: "2", SessionID: "b", LockName: "db"}))
	assert.Equal(t, false, d["acquired"])

	d = data(t, b.call(protocol.Request{Type: protocol.TypeUnlock, ID: "3", SessionID: "b", LockName: "db"}))
	assert.Equal(t, false, d["released"])

	d = data(t, b.call(protocol.Request{Type: protocol.TypeListLocks, ID: "4"}))
	assert.Len(t, d["locks"], 1)

	// Closing a's only connection ends its session and frees the lock.
	a.conn.Close()
	assert.Eventually(t, func() bool {
		d := data(t, b.call(protocol.Request{Type: protocol.TypeLock, ID: "5", SessionID: "b", LockName: "db"}))
		return d["acquired"] == true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScheduling(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	d := data(t, c.call(protocol.Request{
		Type: protocol.TypeSchedule, ID: "1", Unit: "tasks", JobID: "nightly", Method: "echo", Cron: "0 3 * * *",
	}))
	assert.Equal(t, true, d["scheduled"])

	tests := []struct {
		name string
		req  protocol.Request
	}{
		{"bad cron", protocol.Request{Type: protocol.TypeSchedule, ID: "x", Unit: "tasks", JobID: "j", Method: "echo", Cron: "61 * * * *"}},
		{"unknown method", protocol.Request{Type: protocol.TypeSchedule, ID: "x", Unit: "tasks", JobID: "j", Method: "nope", Cron: "@daily"}},
		{"unknown unit", protocol.Request{Type: protocol.TypeSchedule, ID: "x", Unit: "ghost", JobID: "j", Method: "echo", Cron: "@daily"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.call(tt.req)
			assert.Equal(t, protocol.ResponseError, resp.Type)
			assert.Equal(t, "x", resp.ID)
		})
	}

	d = data(t, c.call(protocol.Request{Type: protocol.TypeListJobs, ID: "2"}))
	require.Len(t, d["jobs"], 1)
	job := d["jobs"].([]any)[0].(map[string]any)
	assert.Equal(t, "nightly", job["id"])
	assert.Equal(t, "tasks", job["unit"])

	d = data(t, c.call(protocol.Request{Type: protocol.TypeListJobs, ID: "3", Unit: "greeter"}))
	assert.Len(t, d["jobs"], 0)

	d = data(t, c.call(protocol.Request{Type: protocol.TypeUnschedule, ID: "4", Unit: "tasks", JobID: "nightly"}))
	assert.Equal(t, true, d["unscheduled"])

	d = data(t, c.call(protocol.Request{Type: protocol.TypeUnschedule, ID: "5", Unit: "tasks", JobID: "nightly"}))
	assert.Equal(t, false, d["unscheduled"])
}

func TestReloadBroadcastsRefresh(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	watcher := h.dial()
	c := h.dial()

	require.Equal(t, protocol.ResponsePong, watcher.call(protocol.Request{Type: protocol.TypePing, ID: "p"}).Type)

	c.send(protocol.Request{Type: protocol.TypeReload, ID: "r", UnitPath: filepath.Join(h.dir, "tasks.fake")})

	// The notice is queued during the reload, ahead of the result.
	notice := c.read()
	assert.Equal(t, protocol.ResponseRefreshNeeded, notice.Type)
	assert.Equal(t, "tasks", notice.Unit)

	d := data(t, c.read())
	assert.Equal(t, true, d["reloaded"])
	assert.Equal(t, "tasks", d["unit"])
	assert.Len(t, d["methods"], 5)

	notice = watcher.read()
	assert.Equal(t, protocol.ResponseRefreshNeeded, notice.Type)
	assert.Equal(t, "tasks", notice.Unit)
	assert.NotEmpty(t, notice.ID)
}

func TestReloadFailureKeepsInstance(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	echo := protocol.Request{Type: protocol.TypeCommand, ID: "c", Unit: "tasks", Method: "echo", Args: map[string]any{"v": "1"}}
	data(t, c.call(echo))

	h.loader.fail.Store(true)
	resp := c.call(protocol.Request{Type: protocol.TypeReload, ID: "r", UnitPath: filepath.Join(h.dir, "tasks.fake")})
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Contains(t, resp.Error, "syntax error")

	echo.ID = "c2"
	assert.Equal(t, map[string]any{"v": "1"}, data(t, c.call(echo)))
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	d := data(t, c.call(protocol.Request{Type: protocol.TypeShutdown, ID: "bye"}))
	assert.Equal(t, true, d["shuttingDown"])

	select {
	case <-h.shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook not called")
	}
}

func TestSessionExpiryCancelsPrompt(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial()

	c.send(protocol.Request{Type: protocol.TypeCommand, ID: "g", SessionID: "s", Unit: "tasks", Method: "greet"})
	require.Equal(t, protocol.ResponsePrompt, c.read().Type)

	h.sessions.Remove("s")

	resp := c.read()
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "g", resp.ID)
	assert.Contains(t, resp.Error, ErrSessionClosed.Error())
}
