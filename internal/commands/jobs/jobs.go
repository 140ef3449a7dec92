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

// Package jobs implements the commands that manage scheduled unit jobs.
package jobs

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/commands/completion"
	"github.com/tombee/unitd/internal/commands/shared"
	"github.com/tombee/unitd/internal/scheduler"
)

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand() *cobra.Command {
	var (
		id       string
		pairs    []string
		argsJSON string
	)

	cmd := &cobra.Command{
		Use:   "schedule <unit> <method> <cron>",
		Short: "Run a unit method on a cron schedule",
		Long: `Register a job that invokes a unit method on a cron schedule.

The schedule is a standard five-field cron expression (minute hour
day-of-month month day-of-week) or a macro such as @hourly or @daily.
Jobs run without a session and cannot prompt; a prompt
without a default fails the run. Scheduling an existing id replaces it.`,
		Example: `  unitd schedule backup run "0 3 * * *"
  unitd schedule ./units/poll.yaml check "*/5 * * * *" --id poller`,
		Annotations: map[string]string{
			"group": "scheduling",
		},
		Args:              cobra.ExactArgs(3),
		ValidArgsFunction: completion.CompleteUnitThenMethod,
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := parseArgs(pairs, argsJSON)
			if err != nil {
				return shared.NewUsageError("invalid arguments", err)
			}

			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			jobID := id
			if jobID == "" {
				jobID = args[1]
			}
			job, err := c.Schedule(ctx, client.JobSpec{
				Unit:   args[0],
				ID:     jobID,
				Method: args[1],
				Cron:   args[2],
				Args:   callArgs,
			})
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("schedule", job)
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Scheduled %s (next run %s)", job.ID, job.NextRun.Local().Format(time.RFC3339))))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Job id (default: the method name)")
	cmd.Flags().StringArrayVarP(&pairs, "arg", "a", nil, "Argument in key=value format (repeatable)")
	cmd.Flags().StringVar(&argsJSON, "args", "", "Arguments as a JSON object")

	return cmd
}

// NewUnscheduleCommand creates the unschedule command.
func NewUnscheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule <unit> <job-id>",
		Short: "Remove a scheduled job",
		Annotations: map[string]string{
			"group": "scheduling",
		},
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			removed, err := c.Unschedule(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("unschedule", map[string]any{"unscheduled": removed, "id": args[1]})
			}
			if !removed {
				return shared.NewNotFoundError(fmt.Sprintf("no job %q for unit %s", args[1], args[0]), nil)
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Unscheduled "+args[1]))
			}
			return nil
		},
	}
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs [unit]",
		Short: "List scheduled jobs",
		Annotations: map[string]string{
			"group": "scheduling",
		},
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			unitName := ""
			if len(args) == 1 {
				unitName = args[0]
			}
			jobs, err := c.Jobs(ctx, unitName)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("jobs", jobs)
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
}

func printJobs(out io.Writer, jobs []scheduler.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs scheduled")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUNIT\tMETHOD\tSCHEDULE\tNEXT RUN\tRUNS\tERRORS\tLAST ERROR")
	for _, j := range jobs {
		next := j.NextRun.Local().Format(time.DateTime)
		if j.Running {
			next = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.Unit, j.Method, j.Cron, next, j.RunCount, j.ErrorCount, j.LastError)
	}
	return w.Flush()
}
