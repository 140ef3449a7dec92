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

package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/metrics"
	uerrors "github.com/tombee/unitd/pkg/errors"
)

// Options configures a Registry.
type Options struct {
	// Dirs are searched, in order, for "<name><ext>" when a unit is
	// referenced by name only.
	Dirs []string

	// Extensions are tried in order within each dir.
	Extensions []string

	// IdleTimeout applies to units that do not declare their own. Zero
	// keeps instances until reload or shutdown.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds a single instance's shutdown hook.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Ref names a unit by name, by source path, or both.
type Ref struct {
	Name string
	Path string
}

// Status is a snapshot of one known unit.
type Status struct {
	Name         string      `json:"name"`
	Path         string      `json:"path"`
	Description  Description `json:"description"`
	Instances    int         `json:"instances"`
	InFlight     int         `json:"inFlight"`
	Generation   int         `json:"generation"`
	LastActivity time.Time   `json:"lastActivity"`
}

// handle is one live instance plus the invocations using it.
type handle struct {
	inst     Instance
	refs     int
	retired  bool
	counted  bool
	loadedAt time.Time

	once sync.Once
	done chan struct{}
}

type entry struct {
	name string
	path string
	desc Description

	shared   *handle
	sessions map[string]*handle
	// spare is a session-scoped instance loaded by reload or describe and not yet
	// claimed by any session.
	spare *handle

	lastActivity time.Time
	generation   int
}

func (e *entry) handleFor(sessionID string) *handle {
	if e.desc.Scope != ScopeSession {
		return e.shared
	}
	h := e.sessions[sessionID]
	if h == nil && e.spare != nil {
		h, e.spare = e.spare, nil
		e.sessions[sessionID] = h
	}
	return h
}

func (e *entry) handles() []*handle {
	var out []*handle
	if e.shared != nil {
		out = append(out, e.shared)
	}
	if e.spare != nil {
		out = append(out, e.spare)
	}
	for _, h := range e.sessions {
		out = append(out, h)
	}
	return out
}

func (e *entry) clear() {
	e.shared = nil
	e.spare = nil
	e.sessions = make(map[string]*handle)
}

// Registry owns every loaded unit.
type Registry struct {
	loader Loader
	opts   Options
	res    resolver

	mu      sync.Mutex
	entries map[string]*entry
	byPath  map[string]string
	closed  bool

	onLoad   []func(name, path string)
	onReload []func(name string)

	group   singleflight.Group
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a registry that loads units through loader.
func NewRegistry(loader Loader, opts Options) *Registry {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader:  loader,
		opts:    opts,
		res:     resolver{dirs: opts.Dirs, extensions: opts.Extensions},
		entries: make(map[string]*entry),
		byPath:  make(map[string]string),
		nowFunc: time.Now,
		logger:  log.WithComponent(logger, "registry"),
	}
}

// OnLoad registers fn to run after a unit is loaded for the first time.
func (r *Registry) OnLoad(fn func(name, path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoad = append(r.onLoad, fn)
}

// OnReload registers fn to run after every successful reload.
func (r *Registry) OnReload(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Invoke runs method on the instance serving sessionID, loading it first if
// needed. Failures raised by the unit are returned as *errors.InvocationError;
// a panic inside the unit is recovered the same way.
func (r *Registry) Invoke(ctx context.Context, ref Ref, sessionID, method string, args map[string]any, input InputProvider) (any, error) {
	if input == nil {
		input = NoInput
	}

	name, h, err := r.acquire(ctx, ref, sessionID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		defer r.releaseUnowned(name, h, false)
	} else {
		defer r.release(h)
	}

	return r.call(WithSessionID(ctx, sessionID), h, name, method, args, input)
}

// Describe returns what the unit says about itself, loading it if needed.
func (r *Registry) Describe(ctx context.Context, ref Ref) (Description, error) {
	name, h, err := r.acquire(ctx, ref, "")
	if err != nil {
		return Description{}, err
	}
	r.releaseUnowned(name, h, true)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[name].desc, nil
}

// Reload loads a fresh instance from path and, only if that succeeds,
// retires every instance of the unit. Retired instances are shut down once
// their in-flight invocations return.
func (r *Registry) Reload(ctx context.Context, path string) (Description, error) {
	abs := absPath(path)

	r.mu.Lock()
	name, ok := r.byPath[abs]
	r.mu.Unlock()
	if !ok {
		name = NameFromPath(abs)
	}

	logger := log.WithUnit(r.logger, name)
	start := r.nowFunc()

	inst, err := r.loader.Load(ctx, abs)
	if err != nil {
		metrics.UnitReloads.WithLabelValues(metrics.OutcomeFailure).Inc()
		logger.Warn("reload failed, keeping current instance", log.Error(err))
		return Description{}, &reloadError{path: abs, cause: err}
	}
	desc := describe(inst, name)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.shutdown(newHandle(inst, start))
		return Description{}, ErrClosed
	}

	e, existed := r.entries[name]
	if !existed {
		e = &entry{name: name, sessions: make(map[string]*handle)}
		r.entries[name] = e
	}
	if e.path != "" && e.path != abs {
		delete(r.byPath, e.path)
	}

	drained := r.retireLocked(e.handles()...)
	e.clear()
	e.generation++
	e.path = abs
	e.desc = desc
	e.lastActivity = r.nowFunc()
	r.byPath[abs] = name

	h := newHandle(inst, r.nowFunc())
	if desc.Scope == ScopeSession {
		e.spare = h
	} else {
		e.shared = h
	}
	r.trackLocked(h)
	gen := e.generation
	reloadHooks := r.onReload
	loadHooks := r.onLoad
	r.mu.Unlock()

	metrics.UnitReloads.WithLabelValues(metrics.OutcomeSuccess).Inc()

	for _, old := range drained {
		r.shutdown(old)
	}

	logger.Info("unit reloaded",
		slog.Int("generation", gen),
		slog.Int("retired", len(drained)),
		log.Duration(r.nowFunc().Sub(start).Milliseconds()))

	if !existed {
		for _, fn := range loadHooks {
			fn(name, abs)
		}
	}
	for _, fn := range reloadHooks {
		fn(name)
	}
	return desc, nil
}

// DropSession retires the session's instances of session-scoped units.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	var drained []*handle
	for _, e := range r.entries {
		if h, ok := e.sessions[sessionID]; ok {
			delete(e.sessions, sessionID)
			drained = append(drained, r.retireLocked(h)...)
		}
	}
	r.mu.Unlock()

	for _, h := range drained {
		r.shutdown(h)
	}
}

// Sweep shuts down units idle past their timeout and returns their names.
// A unit with invocations in flight is never idle.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	now := r.nowFunc()
	var (
		idle    []string
		drained []*handle
	)
	for name, e := range r.entries {
		timeout := e.desc.IdleTimeout
		if timeout <= 0 {
			timeout = r.opts.IdleTimeout
		}
		if timeout <= 0 {
			continue
		}

		hs := e.handles()
		if len(hs) == 0 || now.Sub(e.lastActivity) < timeout {
			continue
		}
		busy := false
		for _, h := range hs {
			if h.refs > 0 {
				busy = true
				break
			}
		}
		if busy {
			continue
		}

		drained = append(drained, r.retireLocked(hs...)...)
		e.clear()
		idle = append(idle, name)
	}
	r.mu.Unlock()

	for _, h := range drained {
		r.shutdown(h)
	}
	sort.Strings(idle)
	for _, name := range idle {
		r.logger.Info("unit idle, instance shut down", slog.String(log.UnitKey, name))
	}
	return idle
}

// Run sweeps idle units on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
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
			r.Sweep()
		}
	}
}

// List returns every known unit ordered by name.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		st := Status{
			Name:         e.name,
			Path:         e.path,
			Description:  e.desc,
			Generation:   e.generation,
			LastActivity: e.lastActivity,
		}
		for _, h := range e.handles() {
			st.Instances++
			st.InFlight += h.refs
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PathOf returns the source path of a known unit.
func (r *Registry) PathOf(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || e.path == "" {
		return "", false
	}
	return e.path, true
}

// Close retires every instance, waits for in-flight invocations to finish
// or ctx to expire, and runs all shutdown hooks.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var all []*handle
	for _, e := range r.entries {
		all = append(all, e.handles()...)
		e.clear()
	}
	drained := r.retireLocked(all...)
	r.mu.Unlock()

	for _, h := range drained {
		r.shutdown(h)
	}

	var err error
	for _, h := range all {
		select {
		case <-h.done:
		case <-ctx.Done():
			err = ctx.Err()
			r.shutdown(h)
		}
	}
	return err
}

// acquire finds or loads the instance serving sessionID and pins it.
func (r *Registry) acquire(ctx context.Context, ref Ref, sessionID string) (string, *handle, error) {
	name, path, err := r.locate(ref)
	if err != nil {
		return "", nil, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return "", nil, ErrClosed
		}

		gen := 0
		key := name
		if e, ok := r.entries[name]; ok {
			if h := e.handleFor(sessionID); h != nil {
				h.refs++
				e.lastActivity = r.nowFunc()
				r.mu.Unlock()
				return name, h, nil
			}
			gen = e.generation
			if e.path != "" {
				path = e.path
			}
			if e.desc.Scope == ScopeSession {
				key = name + "\x00" + sessionID
			}
		}
		r.mu.Unlock()

		flightKey := fmt.Sprintf("%s\x00%d", key, gen)
		_, err, _ := r.group.Do(flightKey, func() (any, error) {
			// A caller going away must not fail the load for others
			// sharing this flight.
			inst, err := r.loader.Load(context.WithoutCancel(ctx), path)
			if err != nil {
				return nil, err
			}
			r.install(name, path, gen, sessionID, inst)
			return nil, nil
		})
		if err != nil {
			return "", nil, fmt.Errorf("load unit %s: %w", name, err)
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
	}
	return "", nil, fmt.Errorf("load unit %s: instance changed during load, retry", name)
}

// locate turns a ref into a registry name and source path.
func (r *Registry) locate(ref Ref) (string, string, error) {
	if ref.Path != "" {
		abs := absPath(ref.Path)
		r.mu.Lock()
		name, ok := r.byPath[abs]
		r.mu.Unlock()
		if !ok {
			name = ref.Name
		}
		if name == "" {
			name = NameFromPath(abs)
		}
		return name, abs, nil
	}

	if ref.Name == "" {
		return "", "", &uerrors.ValidationError{Field: "unit", Message: "unit name or path required"}
	}

	r.mu.Lock()
	e, ok := r.entries[ref.Name]
	r.mu.Unlock()
	if ok && e.path != "" {
		return ref.Name, e.path, nil
	}

	path, ok := r.res.find(ref.Name)
	if !ok {
		return "", "", unitNotFound(ref.Name)
	}
	return ref.Name, absPath(path), nil
}

// install places a freshly loaded instance unless a reload has moved the
// unit to a newer generation in the meantime.
func (r *Registry) install(name, path string, gen int, sessionID string, inst Instance) {
	r.mu.Lock()

	e, existed := r.entries[name]
	stale := r.closed || (existed && e.generation != gen)
	if stale {
		r.mu.Unlock()
		r.shutdown(newHandle(inst, r.nowFunc()))
		return
	}

	if !existed {
		e = &entry{
			name:     name,
			path:     path,
			desc:     describe(inst, name),
			sessions: make(map[string]*handle),
		}
		r.entries[name] = e
		r.byPath[path] = name
	}

	h := newHandle(inst, r.nowFunc())
	placed := false
	if e.desc.Scope == ScopeSession {
		if e.sessions[sessionID] == nil {
			e.sessions[sessionID] = h
			placed = true
		}
	} else if e.shared == nil {
		e.shared = h
		placed = true
	}
	if placed {
		r.trackLocked(h)
	}
	e.lastActivity = r.nowFunc()
	hooks := r.onLoad
	r.mu.Unlock()

	if !placed {
		r.shutdown(h)
		return
	}

	r.logger.Info("unit loaded",
		slog.String(log.UnitKey, name),
		slog.String("path", path),
		slog.String("scope", string(e.desc.Scope)))

	if !existed {
		for _, fn := range hooks {
			fn(name, path)
		}
	}
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	h.refs--
	drained := h.retired && h.refs == 0
	r.mu.Unlock()

	if drained {
		r.shutdown(h)
	}
}

// releaseUnowned releases h when it was acquired outside any session. A
// session-scoped instance is taken out of the session table so nothing
// accumulates under the empty session. An instance no method ran on is kept
// as the spare for the next session; otherwise it is retired.
func (r *Registry) releaseUnowned(name string, h *handle, pristine bool) {
	r.mu.Lock()
	h.refs--
	if e, ok := r.entries[name]; ok && e.sessions[""] == h {
		delete(e.sessions, "")
		if pristine && h.refs == 0 && e.spare == nil {
			e.spare = h
		} else {
			h.retired = true
		}
	}
	drained := h.retired && h.refs == 0
	r.mu.Unlock()

	if drained {
		r.shutdown(h)
	}
}

// retireLocked marks handles retired and returns those with nothing in
// flight, which the caller must shut down after unlocking.
func (r *Registry) retireLocked(hs ...*handle) []*handle {
	var drained []*handle
	for _, h := range hs {
		if h.retired {
			continue
		}
		h.retired = true
		if h.refs == 0 {
			drained = append(drained, h)
		}
	}
	return drained
}

func (r *Registry) shutdown(h *handle) {
	h.once.Do(func() {
		defer close(h.done)
		if h.counted {
			metrics.UnitsLoaded.Dec()
		}

		s, ok := h.inst.(Shutdowner)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			r.logger.Warn("unit shutdown hook failed", log.Error(err))
		}
	})
}

func (r *Registry) call(ctx context.Context, h *handle, name, method string, args map[string]any, input InputProvider) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("unit method panicked",
				slog.String(log.UnitKey, name),
				slog.String("method", method),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			err = &uerrors.InvocationError{Unit: name, Method: method, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()

	result, err = h.inst.Invoke(ctx, method, args, input)
	if err != nil {
		var inv *uerrors.InvocationError
		if errors.As(err, &inv) {
			return nil, err
		}
		return nil, &uerrors.InvocationError{Unit: name, Method: method, Cause: err}
	}
	return result, nil
}

// trackLocked counts h as a live instance.
func (r *Registry) trackLocked(h *handle) {
	h.counted = true
	metrics.UnitsLoaded.Inc()
}

func newHandle(inst Instance, now time.Time) *handle {
	return &handle{inst: inst, loadedAt: now, done: make(chan struct{})}
}
