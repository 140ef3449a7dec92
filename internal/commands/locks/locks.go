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

// Package locks implements the named-lock commands.
package locks

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/commands/shared"
	"github.com/tombee/unitd/internal/lock"
)

// NewLockCommand creates the lock command.
func NewLockCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "lock <name>",
		Short: "Acquire a named lock",
		Long: `Acquire a named lock for the current session. The lock is held until it
is released with unlock, its TTL passes, or the session expires. Pass the
same --session to later commands to keep ownership.

Exits non-zero when another session holds the lock.`,
		Example: `  unitd --session build lock deploy --ttl 10m
  unitd --session build unlock deploy`,
		Annotations: map[string]string{
			"group": "coordination",
		},
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			acquired, err := c.Lock(ctx, args[0], ttl)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("lock", map[string]any{
					"acquired": acquired,
					"name":     args[0],
					"session":  c.SessionID(),
				})
			}
			if !acquired {
				return &shared.ExitError{Code: shared.ExitFailed, Message: fmt.Sprintf("lock %q is held by another session", args[0])}
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Acquired %s (session %s)", args[0], c.SessionID())))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lock lifetime (default from locks.default_ttl)")
	return cmd
}

// NewUnlockCommand creates the unlock command.
func NewUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <name>",
		Short: "Release a named lock held by this session",
		Annotations: map[string]string{
			"group": "coordination",
		},
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			released, err := c.Unlock(ctx, args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("unlock", map[string]any{"released": released, "name": args[0]})
			}
			if !released {
				return &shared.ExitError{Code: shared.ExitFailed, Message: fmt.Sprintf("lock %q is not held by this session", args[0])}
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Released "+args[0]))
			}
			return nil
		},
	}
}

// NewLocksCommand creates the locks command.
func NewLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List held locks",
		Annotations: map[string]string{
			"group": "coordination",
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			held, err := c.Locks(ctx)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("locks", held)
			}
			return printLocks(cmd.OutOrStdout(), held, time.Now())
		},
	}
}

func printLocks(out io.Writer, held []lock.Lock, now time.Time) error {
	if len(held) == 0 {
		fmt.Fprintln(out, "No locks held")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOLDER\tHELD\tEXPIRES IN")
	for _, l := range held {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			l.Name,
			l.Holder,
			now.Sub(l.AcquiredAt).Round(time.Second),
			l.ExpiresAt.Sub(now).Round(time.Second))
	}
	return w.Flush()
}
