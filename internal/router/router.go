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

// Package router turns decoded protocol requests into calls on the daemon's
// components and routes the responses back to the caller.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/unitd/internal/channel"
	"github.com/tombee/unitd/internal/lock"
	"github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/metrics"
	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/scheduler"
	"github.com/tombee/unitd/internal/session"
	"github.com/tombee/unitd/internal/transport"
	"github.com/tombee/unitd/internal/unit"
	uerrors "github.com/tombee/unitd/pkg/errors"
)

// DefaultRequestTimeout bounds a command while it is not waiting on a prompt.
const DefaultRequestTimeout = 5 * time.Minute

// Broadcaster pushes a message to every live connection.
type Broadcaster interface {
	Broadcast(resp *protocol.Response) int
}

// Config wires a Router to the daemon's components.
type Config struct {
	Sessions  *session.Table
	Locks     *lock.Manager
	Channels  *channel.Registry
	Scheduler *scheduler.Scheduler
	Units     *unit.Registry

	// RequestTimeout bounds command and reload requests. Zero uses
	// DefaultRequestTimeout; negative disables the timeout.
	RequestTimeout time.Duration

	// DefaultUnit is used when a request names no unit.
	DefaultUnit string

	// OnShutdown runs after the shutdown acknowledgement is queued.
	OnShutdown func()

	Logger *slog.Logger
}

// handlerFunc serves one synchronous verb. Returning a *protocol.Response
// sends it verbatim; any other value becomes the data of a result.
type handlerFunc func(ctx context.Context, c *call) (any, error)

// call is one request in flight.
type call struct {
	req       *protocol.Request
	conn      *transport.Conn
	sessionID string
	started   time.Time

	once sync.Once
}

func (c *call) info() log.RequestInfo {
	return log.RequestInfo{
		Type:      string(c.req.Type),
		RequestID: c.req.ID,
		SessionID: c.sessionID,
		ConnID:    c.conn.ID(),
	}
}

// requestKey identifies a request across the connections of a session.
type requestKey struct {
	sessionID string
	requestID string
}

// Router implements transport.Handler.
type Router struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	// promptWait records how long units wait on client answers.
	promptWait metric.Float64Histogram

	inline     map[protocol.RequestType]handlerFunc
	background map[protocol.RequestType]handlerFunc

	mu       sync.Mutex
	conns    map[string]*transport.Conn
	bound    map[string]map[string]struct{} // conn id -> session ids
	inflight map[requestKey]struct{}
	pending  map[requestKey]*pendingPrompt

	broadcaster  Broadcaster
	shutdownOnce sync.Once
}

// New builds a Router and registers its session and reload hooks.
func New(cfg Config) *Router {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "router")),
		tracer:   otel.Tracer("github.com/tombee/unitd/internal/router"),
		conns:    make(map[string]*transport.Conn),
		bound:    make(map[string]map[string]struct{}),
		inflight: make(map[requestKey]struct{}),
		pending:  make(map[requestKey]*pendingPrompt),
	}

	wait, err := otel.Meter("github.com/tombee/unitd/internal/router").Float64Histogram(
		"unitd.prompt.wait",
		metric.WithUnit("s"),
		metric.WithDescription("Time a unit spent waiting for a prompt answer"),
	)
	if err != nil {
		r.logger.Warn("prompt wait histogram unavailable", slog.String("error", err.Error()))
	}
	r.promptWait = wait

	r.inline = map[protocol.RequestType]handlerFunc{
		protocol.TypePing:           r.handlePing,
		protocol.TypeShutdown:       r.handleShutdown,
		protocol.TypeSubscribe:      r.handleSubscribe,
		protocol.TypeUnsubscribe:    r.handleUnsubscribe,
		protocol.TypePublish:        r.handlePublish,
		protocol.TypeGetEventsSince: r.handleEventsSince,
		protocol.TypeLock:           r.handleLock,
		protocol.TypeUnlock:         r.handleUnlock,
		protocol.TypeListLocks:      r.handleListLocks,
		protocol.TypeSchedule:       r.handleSchedule,
		protocol.TypeUnschedule:     r.handleUnschedule,
		protocol.TypeListJobs:       r.handleListJobs,
	}
	r.background = map[protocol.RequestType]handlerFunc{
		protocol.TypeCommand: r.handleCommand,
		protocol.TypeReload:  r.handleReload,
	}

	cfg.Sessions.OnRemove(r.sessionRemoved)
	cfg.Units.OnReload(r.unitReloaded)
	return r
}

// SetBroadcaster sets where refresh notices go after a unit reload. The
// transport server is usually built after the router, hence the setter.
func (r *Router) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	r.broadcaster = b
	r.mu.Unlock()
}

// HandleMessage parses and serves one line from c. Commands and reloads run
// on their own goroutine so a prompt never blocks the connection's reader.
func (r *Router) HandleMessage(ctx context.Context, c *transport.Conn, line []byte) {
	started := time.Now()

	req, err := protocol.ParseRequest(line)
	if err != nil {
		id := protocol.BestEffortID(line)
		r.logger.Warn("rejecting request",
			slog.String(log.ConnIDKey, c.ID()),
			slog.String(log.RequestIDKey, id),
			slog.String("error", err.Error()))
		metrics.ObserveRequest("invalid", metrics.OutcomeRejected, time.Since(started))
		_ = c.Send(protocol.NewError(id, err))
		return
	}

	cl := &call{
		req:       req,
		conn:      c,
		sessionID: r.bind(c, req),
		started:   started,
	}
	log.LogRequest(r.logger, cl.info())

	if req.Type == protocol.TypePromptResponse {
		if err := r.answerPrompt(cl); err != nil {
			r.finish(ctx, cl, nil, err)
			return
		}
		metrics.ObserveRequest(string(req.Type), metrics.OutcomeSuccess, time.Since(started))
		return
	}

	if h, ok := r.background[req.Type]; ok {
		key := requestKey{cl.sessionID, req.ID}
		if !r.begin(key) {
			r.finish(ctx, cl, nil, fmt.Errorf("%w: request %q is already in flight", protocol.ErrInvalidRequest, req.ID))
			return
		}
		go func() {
			defer r.end(key)
			r.serve(ctx, cl, h)
		}()
		return
	}

	h, ok := r.inline[req.Type]
	if !ok {
		// Validate accepts only known verbs, so this is a wiring gap.
		r.finish(ctx, cl, nil, fmt.Errorf("%w: unsupported type %q", protocol.ErrInvalidRequest, req.Type))
		return
	}
	r.serve(ctx, cl, h)
}

// HandleDisconnect drops c's subscriptions and detaches it from its
// sessions. Sessions themselves outlive the connection until they idle out.
func (r *Router) HandleDisconnect(c *transport.Conn) {
	removed := r.cfg.Channels.RemoveSubscriber(c.ID())

	r.mu.Lock()
	sessions := r.bound[c.ID()]
	delete(r.bound, c.ID())
	delete(r.conns, c.ID())
	r.mu.Unlock()

	for id := range sessions {
		r.cfg.Sessions.Detach(id, c.ID())
	}
	r.logger.Debug("connection detached",
		slog.String(log.ConnIDKey, c.ID()),
		slog.Int("subscriptions", removed),
		slog.Int("sessions", len(sessions)))
}

// bind resolves the request's session, creating it on first use, and
// attaches c to it.
func (r *Router) bind(c *transport.Conn, req *protocol.Request) string {
	id := req.SessionID
	if id == "" {
		id = "conn-" + c.ID()
	}

	_, created := r.cfg.Sessions.GetOrCreate(id, req.ClientType)
	if created {
		r.logger.Debug("session created",
			slog.String(log.SessionIDKey, id),
			slog.String("client_type", string(req.ClientType)))
	}

	r.mu.Lock()
	r.conns[c.ID()] = c
	set, ok := r.bound[c.ID()]
	if !ok {
		set = make(map[string]struct{})
		r.bound[c.ID()] = set
	}
	_, attached := set[id]
	set[id] = struct{}{}
	r.mu.Unlock()

	// A session that expired and came back needs the connection again.
	if !attached || created {
		r.cfg.Sessions.Attach(id, c.ID())
	}
	r.cfg.Sessions.Touch(id)
	return id
}

func (r *Router) begin(key requestKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[key]; busy {
		return false
	}
	r.inflight[key] = struct{}{}
	return true
}

func (r *Router) end(key requestKey) {
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
}

// serve runs h inside a span and completes the call with its outcome.
func (r *Router) serve(ctx context.Context, cl *call, h handlerFunc) {
	ctx, span := r.tracer.Start(ctx, "unitd."+string(cl.req.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("unitd.request.id", cl.req.ID),
			attribute.String("unitd.session.id", cl.sessionID),
		))
	defer span.End()

	data, err := h(ctx, cl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.finish(ctx, cl, data, err)
}

// finish sends the call's final response. Only the first completion of a
// call is delivered.
func (r *Router) finish(_ context.Context, cl *call, data any, err error) {
	cl.once.Do(func() {
		var resp *protocol.Response
		switch {
		case err != nil:
			resp = protocol.NewError(cl.req.ID, err)
		default:
			if pre, ok := data.(*protocol.Response); ok {
				resp = pre
			} else {
				resp = protocol.NewResult(cl.req.ID, data)
			}
		}

		elapsed := time.Since(cl.started)
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = uerrors.Classify(err)
		}
		metrics.ObserveRequest(string(cl.req.Type), outcome, elapsed)
		log.LogOutcome(r.logger, cl.info(), elapsed.Milliseconds(), err)

		r.reply(cl.conn, cl.sessionID, resp)
	})
}

// reply delivers resp to origin, or to another connection of the same
// session when origin has gone away. With no live connection the response
// is dropped.
func (r *Router) reply(origin *transport.Conn, sessionID string, resp *protocol.Response) bool {
	if err := origin.Send(resp); err == nil {
		return true
	}

	for _, connID := range r.cfg.Sessions.Connections(sessionID) {
		r.mu.Lock()
		c := r.conns[connID]
		r.mu.Unlock()
		if c == nil || c == origin {
			continue
		}
		if err := c.Send(resp); err == nil {
			return true
		}
	}

	r.logger.Debug("response dropped, session has no live connection",
		slog.String(log.SessionIDKey, sessionID),
		slog.String(log.RequestIDKey, resp.ID),
		slog.String("type", string(resp.Type)))
	return false
}

// sessionRemoved releases everything a departed session owned.
func (r *Router) sessionRemoved(id string) {
	released := r.cfg.Locks.ReleaseHolder(id)
	r.cfg.Units.DropSession(id)
	cancelled := r.cancelPrompts(id)

	r.logger.Debug("session removed",
		slog.String(log.SessionIDKey, id),
		slog.Int("locks_released", len(released)),
		slog.Int("prompts_cancelled", cancelled))
}

// unitReloaded tells every client to refetch state derived from name.
func (r *Router) unitReloaded(name string) {
	r.mu.Lock()
	b := r.broadcaster
	r.mu.Unlock()
	if b == nil {
		return
	}
	n := b.Broadcast(protocol.NewRefreshNeeded("", name, ""))
	r.logger.Debug("refresh broadcast", slog.String(log.UnitKey, name), slog.Int("connections", n))
}

// unitRef resolves the unit a request targets.
func (r *Router) unitRef(req *protocol.Request) (unit.Ref, error) {
	ref := unit.Ref{Name: req.Unit, Path: req.UnitPath}
	if ref.Name == "" && ref.Path != "" {
		ref.Name = unit.NameFromPath(ref.Path)
	}
	if ref.Name == "" {
		ref.Name = r.cfg.DefaultUnit
	}
	if ref.Name == "" {
		return unit.Ref{}, &uerrors.ValidationError{
			Field:      "unit",
			Message:    "no unit named and no default unit configured",
			Suggestion: "pass unit or unitPath, or set daemon.default_unit",
		}
	}
	return ref, nil
}
