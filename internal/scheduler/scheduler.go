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

// Package scheduler runs unit methods on cron schedules. Jobs live in
// memory only; a daemon restart clears them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/metrics"
	uerrors "github.com/tombee/unitd/pkg/errors"
)

// Invoker calls a unit method on behalf of a job.
type Invoker interface {
	InvokeJob(ctx context.Context, unit, method string, args map[string]any) (any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, unit, method string, args map[string]any) (any, error)

// InvokeJob calls f.
func (f InvokerFunc) InvokeJob(ctx context.Context, unit, method string, args map[string]any) (any, error) {
	return f(ctx, unit, method, args)
}

// Job is a snapshot of one scheduled job.
type Job struct {
	ID         string         `json:"id"`
	Unit       string         `json:"unit"`
	Method     string         `json:"method"`
	Args       map[string]any `json:"args,omitempty"`
	Cron       string         `json:"cron"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastRun    *time.Time     `json:"lastRun,omitempty"`
	NextRun    time.Time      `json:"nextRun"`
	RunCount   int64          `json:"runCount"`
	ErrorCount int64          `json:"errorCount"`
	LastError  string         `json:"lastError,omitempty"`
	Running    bool           `json:"running"`
}

type job struct {
	Job
	schedule *Schedule
}

// Config controls the tick loop and job execution.
type Config struct {
	// TickInterval is how often due jobs are scanned.
	TickInterval time.Duration

	// MaxConcurrent bounds jobs running at once across all units.
	MaxConcurrent int64

	// JobTimeout bounds a single run. Zero means no limit.
	JobTimeout time.Duration

	Logger *slog.Logger
}

// Scheduler owns the job table.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	invoker Invoker
	sem     *semaphore.Weighted
	cfg     Config

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	wg      sync.WaitGroup

	nowFunc func() time.Time
	logger  *slog.Logger
}

// New creates a scheduler that runs jobs through inv.
func New(cfg Config, inv Invoker) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		jobs:    make(map[string]*job),
		invoker: inv,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:     cfg,
		nowFunc: time.Now,
		logger:  log.WithComponent(logger, "scheduler"),
	}
}

func jobKey(unit, id string) string {
	return unit + "\x00" + id
}

// Schedule adds or replaces the job id of unit. Replacing keeps the
// original creation time and counters.
func (s *Scheduler) Schedule(unit, id, method, cron string, args map[string]any) (Job, error) {
	sched, err := Parse(cron)
	if err != nil {
		return Job{}, &uerrors.ValidationError{Field: "cron", Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	next := sched.Next(now)
	if next.IsZero() {
		return Job{}, &uerrors.ValidationError{Field: "cron", Message: fmt.Sprintf("%q never fires", cron)}
	}

	key := jobKey(unit, id)
	j, ok := s.jobs[key]
	if !ok {
		j = &job{Job: Job{ID: id, Unit: unit, CreatedAt: now}}
		s.jobs[key] = j
	}
	j.Method = method
	j.Args = args
	j.Cron = cron
	j.NextRun = next
	j.schedule = sched

	s.logger.Info("job scheduled",
		slog.String(log.UnitKey, unit),
		slog.String(log.JobIDKey, id),
		slog.String("cron", cron),
		slog.Time("next_run", next))

	return j.snapshot(), nil
}

// Unschedule removes a job and reports whether it existed. A run already
// in progress finishes.
func (s *Scheduler) Unschedule(unit, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey(unit, id)
	if _, ok := s.jobs[key]; !ok {
		return false
	}
	delete(s.jobs, key)
	s.logger.Info("job unscheduled", slog.String(log.UnitKey, unit), slog.String(log.JobIDKey, id))
	return true
}

// List returns jobs ordered by unit then id. An empty unit lists every job.
func (s *Scheduler) List(unit string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if unit == "" || j.Unit == unit {
			out = append(out, j.snapshot())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Unit != out[b].Unit {
			return out[a].Unit < out[b].Unit
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Get returns one job.
func (s *Scheduler) Get(unit, id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobKey(unit, id)]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Start runs the tick loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop ends the tick loop and waits for running jobs to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
		doneCh := s.doneCh
		s.mu.Unlock()
		<-doneCh
	} else {
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every due job. Bookkeeping is updated before the run
// starts, so a failing or slow run never stalls the schedule.
func (s *Scheduler) tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	launched := 0
	for _, j := range s.jobs {
		if now.Before(j.NextRun) {
			continue
		}

		j.NextRun = j.schedule.Next(now)

		if j.Running {
			s.logger.Warn("previous run still in progress, skipping",
				slog.String(log.UnitKey, j.Unit),
				slog.String(log.JobIDKey, j.ID))
			metrics.JobRuns.WithLabelValues("skipped").Inc()
			continue
		}

		ran := now
		j.LastRun = &ran
		j.RunCount++
		j.Running = true

		s.wg.Add(1)
		go s.execute(ctx, j, j.Unit, j.Method, copyArgs(j.Args))
		launched++
	}
	return launched
}

func (s *Scheduler) execute(ctx context.Context, j *job, unit, method string, args map[string]any) {
	defer s.wg.Done()

	logger := s.logger.With(slog.String(log.UnitKey, unit), slog.String(log.JobIDKey, j.ID))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(j, err)
		return
	}
	defer s.sem.Release(1)

	runCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	_, err := s.safeInvoke(runCtx, unit, method, args)
	elapsed := time.Since(start)

	if err != nil {
		logger.Error("scheduled job failed", log.Error(err), log.Duration(elapsed.Milliseconds()))
	} else {
		logger.Debug("scheduled job completed", log.Duration(elapsed.Milliseconds()))
	}
	s.finish(j, err)
}

func (s *Scheduler) safeInvoke(ctx context.Context, unit, method string, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return s.invoker.InvokeJob(ctx, unit, method, args)
}

func (s *Scheduler) finish(j *job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.Running = false
	if err != nil {
		j.ErrorCount++
		j.LastError = err.Error()
	} else {
		j.LastError = ""
	}
	metrics.JobRuns.WithLabelValues(metrics.Outcome(err == nil)).Inc()
}

func (j *job) snapshot() Job {
	out := j.Job
	out.Args = copyArgs(j.Args)
	if j.LastRun != nil {
		t := *j.LastRun
		out.LastRun = &t
	}
	return out
}

func copyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
