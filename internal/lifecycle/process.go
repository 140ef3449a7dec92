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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrProcessNotRunning is returned when the target PID does not exist.
var ErrProcessNotRunning = errors.New("process not running")

const (
	exitPollInterval = 100 * time.Millisecond
	killGrace        = 5 * time.Second
)

// ProcessInfo is what `daemon status` reports about the daemon process.
type ProcessInfo struct {
	PID       int
	Command   string
	StartedAt time.Time
}

// IsRunning reports whether pid names a live process.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// IsDaemonProcess reports whether pid runs a unitd binary. A PID file can
// outlive its daemon and the PID be reused, so callers check this before
// signalling.
func IsDaemonProcess(pid int) bool {
	if !IsRunning(pid) {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if name, err := p.Name(); err == nil && strings.HasPrefix(name, "unitd") {
		return true
	}
	exe, err := p.Exe()
	return err == nil && strings.HasPrefix(filepath.Base(exe), "unitd")
}

// Inspect returns details of a live process. ok is false when pid is not
// running.
func Inspect(pid int) (info ProcessInfo, ok bool) {
	if !IsRunning(pid) {
		return ProcessInfo{}, false
	}
	info = ProcessInfo{PID: pid, Command: "<unknown>"}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info, true
	}
	if cmdline, err := p.Cmdline(); err == nil && cmdline != "" {
		info.Command = cmdline
	}
	if ms, err := p.CreateTime(); err == nil {
		info.StartedAt = time.UnixMilli(ms)
	}
	return info, true
}

// WaitExit polls until pid is gone or ctx is done.
func WaitExit(ctx context.Context, pid int) error {
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for IsRunning(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("process %d still running: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Terminate sends SIGTERM to pid and waits for it to exit until ctx is
// done. With force a process that outlives ctx gets SIGKILL.
func Terminate(ctx context.Context, pid int, force bool) error {
	if !IsRunning(pid) {
		return ErrProcessNotRunning
	}
	if err := signal(pid, syscall.SIGTERM); err != nil {
		return err
	}

	err := WaitExit(ctx, pid)
	if err == nil || !force {
		return err
	}

	if err := signal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	killCtx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	return WaitExit(killCtx, pid)
}

func signal(pid int, sig syscall.Signal) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.SendSignal(sig); err != nil {
		return fmt.Errorf("send %v to %d: %w", sig, pid, err)
	}
	return nil
}
