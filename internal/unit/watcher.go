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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/tombee/unitd/internal/log"
)

// Reloader is the part of Registry the watcher drives.
type Reloader interface {
	Reload(ctx context.Context, path string) (Description, error)
}

// WatcherConfig configures hot reload.
type WatcherConfig struct {
	// Debounce is the quiet period after the last write before reloading.
	Debounce time.Duration

	// MaxReloadsPerMinute caps reloads per unit. Zero disables the cap.
	MaxReloadsPerMinute int

	Logger *slog.Logger
}

// Watcher reloads units when their source files change. It watches the
// parent directory of every tracked file so that editors which replace
// files by rename are still seen.
type Watcher struct {
	reloader Reloader
	cfg      WatcherConfig
	fsw      *fsnotify.Watcher
	deb      *debouncer
	logger   *slog.Logger

	mu       sync.Mutex
	files    map[string]bool
	dirs     map[string]int
	limiters map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewWatcher creates a watcher that calls r.Reload for changed files.
func NewWatcher(r Reloader, cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		reloader: r,
		cfg:      cfg,
		fsw:      fsw,
		logger:   log.WithComponent(logger, "unit-watcher"),
		files:    make(map[string]bool),
		dirs:     make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		doneCh:   make(chan struct{}),
	}
	w.deb = newDebouncer(cfg.Debounce, w.reload)
	return w, nil
}

// Add starts tracking a unit source file.
func (w *Watcher) Add(path string) error {
	abs := absPath(path)
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.files[abs] {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.files[abs] = true
	w.logger.Debug("watching unit source", slog.String("path", abs))
	return nil
}

// Remove stops tracking a unit source file.
func (w *Watcher) Remove(path string) {
	abs := absPath(path)
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.files[abs] {
		return
	}
	delete(w.files, abs)
	delete(w.limiters, abs)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.fsw.Remove(dir)
	}
}

// Start processes filesystem events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	go w.eventLoop()
	w.logger.Info("unit watcher started", slog.Duration("debounce", w.cfg.Debounce))
}

// Stop ends event processing and cancels pending reloads.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
		<-w.doneCh
	}
	w.deb.stop()
	return w.fsw.Close()
}

func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", log.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	// A removed source leaves the running instance alone; the following
	// create from an atomic save triggers the reload.
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}

	abs := filepath.Clean(ev.Name)
	w.mu.Lock()
	tracked := w.files[abs]
	w.mu.Unlock()

	if tracked {
		w.deb.add(abs)
	}
}

// reload runs once the debounce window for path has passed.
func (w *Watcher) reload(path string) {
	if !w.allow(path) {
		w.logger.Warn("reload rate limited", slog.String("path", path))
		return
	}

	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	desc, err := w.reloader.Reload(ctx, path)
	if err != nil {
		// The registry logs the failure and keeps the old instance.
		return
	}
	w.logger.Info("unit source changed, reloaded", slog.String(log.UnitKey, desc.Name))
}

func (w *Watcher) allow(path string) bool {
	if w.cfg.MaxReloadsPerMinute <= 0 {
		return true
	}

	w.mu.Lock()
	lim, ok := w.limiters[path]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(w.cfg.MaxReloadsPerMinute)), 1)
		w.limiters[path] = lim
	}
	w.mu.Unlock()

	return lim.Allow()
}
