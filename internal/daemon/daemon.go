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

// Package daemon assembles unitd: it owns the socket, the PID file and
// every in-memory table, and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/unitd/internal/channel"
	"github.com/tombee/unitd/internal/config"
	"github.com/tombee/unitd/internal/lifecycle"
	"github.com/tombee/unitd/internal/lock"
	internallog "github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/metrics"
	"github.com/tombee/unitd/internal/router"
	"github.com/tombee/unitd/internal/scheduler"
	"github.com/tombee/unitd/internal/session"
	"github.com/tombee/unitd/internal/tracing"
	"github.com/tombee/unitd/internal/transport"
	"github.com/tombee/unitd/internal/unit"
	"github.com/tombee/unitd/internal/unit/manifest"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Loader produces unit instances. Defaults to the manifest loader.
	Loader unit.Loader

	// Registerer receives bridged OTel metrics. Defaults to the prometheus
	// default registerer.
	Registerer prometheus.Registerer
}

// Daemon is the unitd process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	pidFile   *lifecycle.PIDFile
	server    *transport.Server
	router    *router.Router
	sessions  *session.Table
	locks     *lock.Manager
	channels  *channel.Registry
	scheduler *scheduler.Scheduler
	units     *unit.Registry
	watcher   *unit.Watcher
	idle      *idleMonitor

	tracing       *tracing.Provider
	metricsServer *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
	ready    chan struct{}

	mu      sync.Mutex
	started bool
	// bound is set once this daemon created the socket file.
	bound   bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a daemon from cfg. Nothing touches the filesystem until
// Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	d := &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		pidFile: lifecycle.NewPIDFile(cfg.Daemon.PIDFile),
		stopCh:  make(chan struct{}),
		ready:   make(chan struct{}),
	}

	loader := opts.Loader
	if loader == nil {
		loader = manifest.NewLoader(logger)
	}
	d.units = unit.NewRegistry(loader, unit.Options{
		Dirs:            cfg.Units.Dirs,
		Extensions:      manifest.Extensions,
		IdleTimeout:     cfg.Units.IdleTimeout,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
		Logger:          logger,
	})

	if cfg.Units.Watch {
		w, err := unit.NewWatcher(d.units, unit.WatcherConfig{
			Debounce:            cfg.Units.Debounce,
			MaxReloadsPerMinute: cfg.Units.MaxReloadsPerMinute,
			Logger:              logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create unit watcher: %w", err)
		}
		d.watcher = w
		d.units.OnLoad(func(name, path string) {
			if err := w.Add(path); err != nil {
				logger.Warn("cannot watch unit source",
					slog.String(internallog.UnitKey, name),
					slog.String("path", path),
					internallog.Error(err))
			}
		})
	}

	d.sessions = session.NewTable(cfg.Sessions.IdleTimeout, logger)
	d.locks = lock.NewManager(cfg.Locks.DefaultTTL, logger)
	d.channels = channel.NewRegistry(channel.Options{
		HistorySize: cfg.Channels.HistorySize,
		MaxChannels: cfg.Channels.MaxChannels,
		Logger:      logger,
	})
	d.scheduler = scheduler.New(scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		MaxConcurrent: int64(cfg.Scheduler.MaxConcurrentJobs),
		JobTimeout:    cfg.Scheduler.JobTimeout,
		Logger:        logger,
	}, scheduler.InvokerFunc(d.invokeJob))

	d.router = router.New(router.Config{
		Sessions:       d.sessions,
		Locks:          d.locks,
		Channels:       d.channels,
		Scheduler:      d.scheduler,
		Units:          d.units,
		RequestTimeout: requestTimeout(cfg.Daemon.RequestTimeout),
		DefaultUnit:    cfg.Daemon.DefaultUnit,
		OnShutdown:     d.requestStop,
		Logger:         logger,
	})

	d.server = transport.NewServer(transport.Config{
		MaxLineBytes: cfg.Daemon.MaxLineBytes,
		QueueSize:    cfg.Daemon.OutboundQueue,
		Logger:       logger,
	}, d.router)
	d.router.SetBroadcaster(d.server)

	d.idle = newIdleMonitor(cfg.Daemon.IdleTimeout, d.busy, d.requestStop)

	return d, nil
}

// requestTimeout maps the configured value onto the router's convention,
// where zero means the default and a negative value disables the bound.
func requestTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// invokeJob runs a scheduled job outside any session. Jobs cannot prompt, and
// a session-scoped unit gets a fresh instance for each run.
func (d *Daemon) invokeJob(ctx context.Context, unitName, method string, args map[string]any) (any, error) {
	return d.units.Invoke(ctx, unit.Ref{Name: unitName}, "", method, args, unit.NoInput)
}

// busy reports whether anything would be lost by stopping now.
func (d *Daemon) busy() bool {
	return d.server.ConnCount() > 0 || len(d.scheduler.List("")) > 0
}

// Start acquires the PID file, binds the socket and serves until ctx is
// cancelled, a shutdown is requested, or the listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	if err := d.pidFile.Acquire(os.Getpid()); err != nil {
		d.abortStart()
		return err
	}

	prov, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        d.cfg.Tracing.Enabled,
		Exporter:       d.cfg.Tracing.Exporter,
		Endpoint:       d.cfg.Tracing.Endpoint,
		Insecure:       d.cfg.Tracing.Insecure,
		SampleRate:     d.cfg.Tracing.SampleRate,
		ServiceVersion: d.opts.Version,
		Registerer:     d.opts.Registerer,
	})
	if err != nil {
		d.logger.Warn("tracing disabled", internallog.Error(err))
	} else {
		d.tracing = prov
	}

	// The PID file lock proves no live daemon owns the socket, so a
	// leftover socket file is stale and Listen may replace it.
	ln, err := transport.Listen(d.cfg.Daemon.SocketPath)
	if err != nil {
		d.abortStart()
		return err
	}

	if d.cfg.Metrics.Enabled {
		if err := d.startMetrics(); err != nil {
			ln.Close()
			d.abortStart()
			return err
		}
	}

	d.mu.Lock()
	d.bound = true
	d.mu.Unlock()

	d.goRun(func() { d.sessions.Run(ctx, d.cfg.Sessions.SweepInterval) })
	d.goRun(func() { d.units.Run(ctx, d.cfg.Units.IdleCheckInterval) })
	d.goRun(func() { d.idle.run(ctx) })
	d.scheduler.Start(ctx)
	if d.watcher != nil {
		d.watcher.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Serve(ctx, ln)
	}()

	d.logger.Info("unitd started",
		slog.String("version", d.opts.Version),
		slog.String("socket", d.cfg.Daemon.SocketPath),
		slog.Int("pid", os.Getpid()),
		slog.Bool("auto_started", os.Getenv("UNITD_AUTO_STARTED") == "1"))
	close(d.ready)

	select {
	case <-ctx.Done():
		return nil
	case <-d.stopCh:
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// abortStart undoes a Start that failed before serving. The socket path
// is left alone: whatever is there belongs to someone else.
func (d *Daemon) abortStart() {
	if d.tracing != nil {
		_ = d.tracing.Shutdown(context.Background())
		d.tracing = nil
	}
	_ = d.pidFile.Release()

	d.mu.Lock()
	d.started = false
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
}

// Ready is closed once the daemon accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Stopping is closed when a shutdown request or idle timeout asks the
// daemon to stop.
func (d *Daemon) Stopping() <-chan struct{} {
	return d.stopCh
}

func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Daemon) startMetrics() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", d.cfg.Metrics.Addr, err)
	}

	d.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server failed", internallog.Error(err))
		}
	}()
	d.logger.Info("metrics endpoint listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops accepting connections, stops every job and unit, and
// removes the socket and PID file.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
	defer cancel()

	d.logger.Info("graceful shutdown initiated",
		slog.Int("connections", d.server.ConnCount()),
		slog.Int("sessions", d.sessions.Len()),
		slog.Int("jobs", len(d.scheduler.List(""))))

	var errs []error

	if err := d.server.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if err := d.units.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop units: %w", err))
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}

	if d.tracing != nil {
		if err := d.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop tracing: %w", err))
		}
	}

	if d.bound {
		if err := os.Remove(d.cfg.Daemon.SocketPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove socket: %w", err))
		}
		d.bound = false
	}
	if err := d.pidFile.Release(); err != nil {
		errs = append(errs, err)
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}
