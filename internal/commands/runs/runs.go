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

// Package runs implements the spine runs command group over the
// execution ledger.
package runs

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	"github.com/spinehq/spine/internal/repo"
)

// NewCommand builds the runs command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage executions",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newEventsCommand())
	cmd.AddCommand(newCancelCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		workflow string
		status   string
		lane     string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			execs, total, err := app.Ledger.List(cmd.Context(), repo.ExecutionFilter{
				Workflow: workflow,
				Status:   status,
				Lane:     lane,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			return shared.Emit("runs list", execs, func(w io.Writer) {
				rows := make([][]string, 0, len(execs))
				for _, e := range execs {
					rows = append(rows, []string{
						e.ID,
						e.Workflow,
						string(e.Status),
						string(e.TriggerSource),
						strconv.Itoa(e.RetryCount),
						shared.FormatTime(e.CreatedAt),
					})
				}
				shared.Table(w, []string{"ID", "WORKFLOW", "STATUS", "TRIGGER", "RETRIES", "CREATED"}, rows)
				fmt.Fprintf(w, "\n%d of %d executions\n", len(execs), total)
			})
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&lane, "lane", "", "Filter by lane")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			exec, err := app.Ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return shared.Emit("runs show", exec, func(w io.Writer) {
				fmt.Fprintf(w, "ID:        %s\n", exec.ID)
				fmt.Fprintf(w, "Workflow:  %s\n", exec.Workflow)
				fmt.Fprintf(w, "Status:    %s\n", exec.Status)
				fmt.Fprintf(w, "Trigger:   %s\n", exec.TriggerSource)
				fmt.Fprintf(w, "Retries:   %d\n", exec.RetryCount)
				fmt.Fprintf(w, "Started:   %s\n", shared.FormatTime(exec.StartedAt))
				fmt.Fprintf(w, "Completed: %s\n", shared.FormatTime(exec.CompletedAt))
				if exec.Error != "" {
					fmt.Fprintf(w, "Error:     %s\n", exec.Error)
				}
			})
		},
	}
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <execution-id>",
		Short: "Show the append-only event log of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.Ledger.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			events, err := app.Ledger.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return shared.Emit("runs events", events, func(w io.Writer) {
				rows := make([][]string, 0, len(events))
				for _, ev := range events {
					rows = append(rows, []string{
						shared.FormatTime(ev.Timestamp),
						string(ev.EventType),
					})
				}
				shared.Table(w, []string{"TIMESTAMP", "EVENT"}, rows)
			})
		},
	}
}

func newCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			exec, err := app.Ledger.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return shared.Emit("runs cancel", exec, func(w io.Writer) {
				fmt.Fprintf(w, "Execution %s is now %s\n", exec.ID, exec.Status)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled via CLI", "Cancellation reason recorded on the execution")
	return cmd
}
