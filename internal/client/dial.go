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
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/tombee/unitd/internal/config"
)

// DefaultDialTimeout bounds connecting to the socket.
const DefaultDialTimeout = 5 * time.Second

// DefaultSocketPath returns the socket path from the default configuration
// and the environment.
func DefaultSocketPath() (string, error) {
	cfg, err := config.Load("")
	if err != nil {
		return "", err
	}
	return cfg.Daemon.SocketPath, nil
}

// Dial connects to the daemon listening on socketPath. A daemon that is not
// running is reported as *DaemonNotRunningError.
func Dial(ctx context.Context, socketPath string, opts ...Option) (*Client, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		if isNotListening(err) {
			return nil, &DaemonNotRunningError{SocketPath: socketPath, Err: err}
		}
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return New(conn, opts...), nil
}

// DaemonNotRunningError indicates nothing is listening on the socket.
type DaemonNotRunningError struct {
	SocketPath string
	Err        error
}

func (e *DaemonNotRunningError) Error() string {
	return fmt.Sprintf("unitd is not running (socket: %s)", e.SocketPath)
}

func (e *DaemonNotRunningError) Unwrap() error {
	return e.Err
}

// Guidance returns user-friendly guidance for starting the daemon.
func (e *DaemonNotRunningError) Guidance() string {
	return `unitd is not running.

Start the daemon with:
  unitd serve          # Foreground
  unitd daemon start   # Background

Or enable auto-start in config.yaml:
  client:
    auto_start: true`
}

// IsDaemonNotRunning checks if an error indicates the daemon is not running.
func IsDaemonNotRunning(err error) bool {
	if err == nil {
		return false
	}
	var dnr *DaemonNotRunningError
	if errors.As(err, &dnr) {
		return true
	}
	return isNotListening(err)
}

func isNotListening(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
