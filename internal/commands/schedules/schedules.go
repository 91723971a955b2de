// Copyright 2025 The Spine Authors
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

// Package schedules implements the spine schedules command group.
package schedules

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/schedule"
)

// NewCommand builds the schedules command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage cron and interval schedules",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newCreateCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newEnableCommand(true))
	cmd.AddCommand(newEnableCommand(false))
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newRunsCommand())
	return cmd
}

func scheduleRows(scheds []*repo.Schedule) [][]string {
	rows := make([][]string, 0, len(scheds))
	for _, s := range scheds {
		spec := s.CronExpression
		if spec == "" {
			spec = fmt.Sprintf("every %ds", s.IntervalSeconds)
		}
		enabled := "yes"
		if !s.Enabled {
			enabled = "no"
		}
		rows = append(rows, []string{
			s.ID,
			s.Name,
			string(s.TargetType) + ":" + s.TargetName,
			spec,
			enabled,
			shared.FormatTime(s.NextRunAt),
		})
	}
	return rows
}

func newListCommand() *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			scheds, err := app.Schedules.List(cmd.Context(), enabledOnly)
			if err != nil {
				return err
			}
			return shared.Emit("schedules list", scheds, func(w io.Writer) {
				shared.Table(w,
					[]string{"ID", "NAME", "TARGET", "SPEC", "ENABLED", "NEXT RUN"},
					scheduleRows(scheds))
			})
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled schedules")
	return cmd
}

func newCreateCommand() *cobra.Command {
	var def schedule.Definition
	var interval int

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a schedule",
		Long: `Create a schedule firing an operation or workflow. Exactly one
of --cron or --interval is required. Cron expressions use five fields
plus descriptors like @hourly, evaluated in --timezone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			def.Name = args[0]
			def.IntervalSeconds = interval
			sched, err := app.Schedules.Create(cmd.Context(), def)
			if err != nil {
				return err
			}
			return shared.Emit("schedules create", sched, func(w io.Writer) {
				fmt.Fprintf(w, "Created schedule %s (%s), next run %s\n",
					sched.Name, sched.ID, shared.FormatTime(sched.NextRunAt))
			})
		},
	}

	cmd.Flags().StringVar((*string)(&def.TargetType), "target-type", "operation", "Target type: operation or workflow")
	cmd.Flags().StringVar(&def.TargetName, "target", "", "Operation or workflow to fire")
	cmd.Flags().StringVar(&def.CronExpression, "cron", "", "Cron expression")
	cmd.Flags().IntVar(&interval, "interval", 0, "Interval in seconds")
	cmd.Flags().StringVar(&def.Timezone, "timezone", "", "IANA timezone for cron evaluation (default UTC)")
	cmd.Flags().IntVar(&def.MaxInstances, "max-instances", 0, "Skip firing while this many runs are active (0 = unlimited)")
	cmd.Flags().IntVar(&def.MisfireGrace, "misfire-grace", 0, "Seconds a late occurrence may still fire (0 = default)")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name-or-id>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			sched, err := lookup(cmd, app, args[0])
			if err != nil {
				return err
			}
			return shared.Emit("schedules show", sched, func(w io.Writer) {
				shared.Table(w,
					[]string{"ID", "NAME", "TARGET", "SPEC", "ENABLED", "NEXT RUN"},
					scheduleRows([]*repo.Schedule{sched}))
				if !sched.LastRunAt.IsZero() {
					fmt.Fprintf(w, "\nLast run: %s\n", shared.FormatTime(sched.LastRunAt))
				}
			})
		},
	}
}

// lookup resolves by name first, then by id.
func lookup(cmd *cobra.Command, app *shared.App, key string) (*repo.Schedule, error) {
	if sched, err := app.Schedules.GetByName(cmd.Context(), key); err == nil {
		return sched, nil
	}
	return app.Schedules.Get(cmd.Context(), key)
}

func newEnableCommand(enable bool) *cobra.Command {
	use, short := "enable <name-or-id>", "Enable a schedule"
	if !enable {
		use, short = "disable <name-or-id>", "Disable a schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			sched, err := lookup(cmd, app, args[0])
			if err != nil {
				return err
			}
			sched, err = app.Schedules.SetEnabled(cmd.Context(), sched.ID, enable)
			if err != nil {
				return err
			}
			return shared.Emit(use, sched, func(w io.Writer) {
				state := "disabled"
				if sched.Enabled {
					state = "enabled"
				}
				fmt.Fprintf(w, "Schedule %s is now %s\n", sched.Name, state)
			})
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			sched, err := lookup(cmd, app, args[0])
			if err != nil {
				return err
			}
			if err := app.Schedules.Delete(cmd.Context(), sched.ID); err != nil {
				return err
			}
			return shared.Emit("schedules delete", sched, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted schedule %s\n", sched.Name)
			})
		},
	}
}

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs <name-or-id>",
		Short: "Show recent occurrences of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			sched, err := lookup(cmd, app, args[0])
			if err != nil {
				return err
			}
			runs, err := app.Schedules.Runs(cmd.Context(), sched.ID, limit)
			if err != nil {
				return err
			}
			return shared.Emit("schedules runs", runs, func(w io.Writer) {
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						shared.FormatTime(run.ScheduledFor),
						string(run.Status),
						run.ExecutionID,
						shared.Truncate(run.Detail, 60),
					})
				}
				shared.Table(w, []string{"SCHEDULED FOR", "STATUS", "EXECUTION", "DETAIL"}, rows)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}
