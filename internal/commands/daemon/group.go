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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/commands/shared"
	"github.com/tombee/unitd/internal/config"
	"github.com/tombee/unitd/internal/lifecycle"
)

// NewCommand creates the daemon command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the unitd daemon",
		Long: `Commands for managing the unitd daemon.

The daemon hosts units behind a Unix socket. Most commands start it on
demand; these commands control it directly.`,
	}

	cmd.AddCommand(newDaemonStartCommand())
	cmd.AddCommand(newDaemonStopCommand())
	cmd.AddCommand(newDaemonStatusCommand())
	cmd.AddCommand(newDaemonPingCommand())

	return cmd
}

func newDaemonStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE:  runDaemonStart,
	}
}

func newDaemonStopCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Long: `Ask the daemon to shut down over its socket. If it cannot be reached,
the process named in the PID file is sent SIGTERM instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStop(cmd.Context(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the daemon does not exit in time")
	return cmd
}

func newDaemonStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Display whether the daemon is running, its PID, socket and uptime.`,
		Args:  cobra.NoArgs,
		RunE:  runDaemonStatus,
	}
}

func newDaemonPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check if daemon is reachable",
		Long:  `Quickly check if the unitd daemon is running and reachable.`,
		Args:  cobra.NoArgs,
		RunE:  runDaemonPing,
	}
}

func runDaemonStart(cmd *cobra.Command, _ []string) error {
	ctx, cancel := shared.CommandContext(cmd.Context())
	defer cancel()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	if err := pingDaemon(ctx, cfg.Daemon.SocketPath); err == nil {
		if !shared.GetQuiet() {
			fmt.Println(shared.RenderOK("Daemon is already running"))
		}
		return nil
	}

	spinner := shared.NewSpinner()
	if !shared.GetQuiet() && !shared.GetJSON() {
		spinner.Start("Starting unitd")
	}
	started := time.Now()
	err = client.StartDaemon(ctx, shared.AutoStartConfig(cfg))
	spinner.Stop()
	elapsed := time.Since(started)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSONResult("daemon start", map[string]any{
			"socket":     cfg.Daemon.SocketPath,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Daemon started on %s", cfg.Daemon.SocketPath)))
	}
	return nil
}

func runDaemonStop(parent context.Context, force bool) error {
	ctx, cancel := shared.CommandContext(parent)
	defer cancel()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	pidFile := lifecycle.NewPIDFile(cfg.Daemon.PIDFile)
	pid, _ := pidFile.Read()

	c, err := client.Dial(ctx, cfg.Daemon.SocketPath)
	if err == nil {
		err = c.Shutdown(ctx)
		c.Close()
	}
	if err != nil {
		if pid <= 0 || !lifecycle.IsDaemonProcess(pid) {
			if client.IsDaemonNotRunning(err) {
				if !shared.GetQuiet() {
					fmt.Println("Daemon is not running")
				}
				return nil
			}
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
		defer waitCancel()
		if err := lifecycle.Terminate(waitCtx, pid, force); err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
			return fmt.Errorf("failed to stop daemon (pid %d): %w", pid, err)
		}
	} else if pid > 0 {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
		defer waitCancel()
		if err := lifecycle.WaitExit(waitCtx, pid); err != nil {
			return fmt.Errorf("daemon did not exit: %w", err)
		}
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK("Daemon stopped"))
	}
	return nil
}

// daemonStatus is the JSON shape of `daemon status`.
type daemonStatus struct {
	Running   bool      `json:"running"`
	Reachable bool      `json:"reachable"`
	PID       int       `json:"pid,omitempty"`
	Socket    string    `json:"socket"`
	PIDFile   string    `json:"pid_file"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
}

func collectStatus(ctx context.Context, cfg *config.Config) daemonStatus {
	st := daemonStatus{
		Socket:  cfg.Daemon.SocketPath,
		PIDFile: cfg.Daemon.PIDFile,
	}

	pidFile := lifecycle.NewPIDFile(cfg.Daemon.PIDFile)
	if pid, err := pidFile.Read(); err == nil && pidFile.Locked() {
		st.PID = pid
		if info, ok := lifecycle.Inspect(pid); ok {
			st.Running = true
			st.StartedAt = info.StartedAt
		}
	}

	start := time.Now()
	if err := pingDaemon(ctx, cfg.Daemon.SocketPath); err == nil {
		st.Reachable = true
		st.Running = true
		st.LatencyMS = time.Since(start).Milliseconds()
	}
	return st
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	st := collectStatus(ctx, cfg)

	if shared.GetJSON() {
		return shared.EmitJSONResult("daemon status", st)
	}

	fmt.Println(shared.Paint(shared.ToneHeader, "unitd daemon"))
	fmt.Println()
	switch {
	case st.Reachable:
		fmt.Printf("%s %s\n", shared.RenderLabel("Status: "), shared.RenderStatus(shared.ToneOK, "running"))
	case st.Running:
		fmt.Printf("%s %s\n", shared.RenderLabel("Status: "), shared.RenderStatus(shared.ToneWarn, "unreachable"))
	default:
		fmt.Printf("%s %s\n", shared.RenderLabel("Status: "), shared.RenderStatus(shared.ToneError, "stopped"))
	}
	if st.PID > 0 {
		fmt.Printf("%s %d\n", shared.RenderLabel("PID:    "), st.PID)
	}
	fmt.Printf("%s %s\n", shared.RenderLabel("Socket: "), st.Socket)
	if !st.StartedAt.IsZero() {
		fmt.Printf("%s %s\n", shared.RenderLabel("Uptime: "), time.Since(st.StartedAt).Round(time.Second))
	}
	if !st.Running {
		return &client.DaemonNotRunningError{SocketPath: st.Socket}
	}
	return nil
}

func runDaemonPing(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	start := time.Now()
	if err := pingDaemon(ctx, cfg.Daemon.SocketPath); err != nil {
		if client.IsDaemonNotRunning(err) && !shared.GetQuiet() && !shared.GetJSON() {
			fmt.Println("Daemon is not running")
		}
		return err
	}

	latency := time.Since(start)

	if shared.GetJSON() {
		return shared.EmitJSONResult("daemon ping", map[string]any{
			"status":     "ok",
			"latency_ms": latency.Milliseconds(),
		})
	}

	if !shared.GetQuiet() {
		fmt.Printf("Daemon is running (latency: %v)\n", latency.Round(time.Millisecond))
	}

	return nil
}

func pingDaemon(ctx context.Context, socketPath string) error {
	c, err := client.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(ctx)
}
