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

package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/config"
	"github.com/tombee/unitd/internal/protocol"
)

// shortDir keeps socket paths under the Unix limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "unitd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// servePongs answers every ping on socketPath until the test ends.
func servePongs(t *testing.T, socketPath string) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					var req protocol.Request
					if json.Unmarshal(sc.Bytes(), &req) != nil {
						return
					}
					data, _ := json.Marshal(protocol.NewPong(req.ID))
					_, _ = conn.Write(append(data, '\n'))
				}
			}()
		}
	}()
}

func TestPingDaemon(t *testing.T) {
	dir := shortDir(t)
	socketPath := filepath.Join(dir, "d.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := pingDaemon(ctx, socketPath)
	require.Error(t, err)
	assert.True(t, client.IsDaemonNotRunning(err))

	servePongs(t, socketPath)
	require.NoError(t, pingDaemon(ctx, socketPath))
}

func TestCollectStatus(t *testing.T) {
	dir := shortDir(t)
	cfg := config.Default()
	cfg.Daemon.SocketPath = filepath.Join(dir, "d.sock")
	cfg.Daemon.PIDFile = filepath.Join(dir, "d.pid")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := collectStatus(ctx, cfg)
	assert.False(t, st.Running)
	assert.False(t, st.Reachable)
	assert.Zero(t, st.PID)
	assert.Equal(t, cfg.Daemon.SocketPath, st.Socket)

	servePongs(t, cfg.Daemon.SocketPath)
	st = collectStatus(ctx, cfg)
	assert.True(t, st.Running)
	assert.True(t, st.Reachable)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "started_at")
}

func TestCommandTree(t *testing.T) {
	cmd := NewCommand()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"start", "stop", "status", "ping"}, names)

	stop, _, err := cmd.Find([]string{"stop"})
	require.NoError(t, err)
	assert.NotNil(t, stop.Flags().Lookup("force"))

	serve := NewServeCommand()
	for _, flag := range []string{"pid-file", "units-dir", "default-unit", "idle-timeout"} {
		assert.NotNil(t, serve.Flags().Lookup(flag), flag)
	}
}
