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

// Package queue implements the spine queue command group over the
// work-item queue.
package queue

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	spinequeue "github.com/spinehq/spine/internal/queue"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/pkg/errors"
)

// NewCommand builds the queue command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the work-item queue",
	}
	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newRetryFailedCommand())
	return cmd
}

func parseItemID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, &errors.ValidationError{Field: "id", Message: "item id must be an integer"}
	}
	return id, nil
}

func newAddCommand() *cobra.Command {
	var (
		domain      string
		workflow    string
		partition   string
		priority    int
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a work item",
		Long: `Enqueue one work item. An item whose (domain, workflow,
partition) triple matches a live item is deduplicated, not duplicated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			var partitionKey map[string]any
			if partition != "" {
				if err := json.Unmarshal([]byte(partition), &partitionKey); err != nil {
					return &errors.ValidationError{
						Field:      "partition",
						Message:    err.Error(),
						Suggestion: `pass a JSON object, e.g. --partition '{"date":"2025-06-01"}'`,
					}
				}
			}

			id, dup, err := app.Queue.Enqueue(cmd.Context(), spinequeue.EnqueueRequest{
				Domain:       domain,
				Workflow:     workflow,
				PartitionKey: partitionKey,
				Priority:     priority,
				MaxAttempts:  maxAttempts,
			})
			if err != nil {
				return err
			}

			data := map[string]any{"id": id, "deduplicated": dup}
			return shared.Emit("queue add", data, func(w io.Writer) {
				if dup {
					fmt.Fprintln(w, "An equivalent live item already exists; nothing enqueued")
					return
				}
				fmt.Fprintf(w, "Enqueued item %d\n", id)
			})
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Data domain (required)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Workflow to run (required)")
	cmd.Flags().StringVar(&partition, "partition", "", "Partition key as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "Claim priority (higher first)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (default 3)")
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		domain   string
		workflow string
		state    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			items, total, err := app.Queue.List(cmd.Context(), repo.WorkItemFilter{
				Domain:   domain,
				Workflow: workflow,
				State:    state,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			return shared.Emit("queue list", items, func(w io.Writer) {
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					rows = append(rows, []string{
						strconv.FormatInt(it.ID, 10),
						it.Domain,
						it.Workflow,
						shared.Truncate(it.PartitionKey, 32),
						string(it.State),
						fmt.Sprintf("%d/%d", it.AttemptCount, it.MaxAttempts),
						shared.FormatTime(it.NextAttemptAt),
					})
				}
				shared.Table(w,
					[]string{"ID", "DOMAIN", "WORKFLOW", "PARTITION", "STATE", "ATTEMPTS", "NEXT ATTEMPT"}, rows)
				fmt.Fprintf(w, "\n%d of %d items\n", len(items), total)
			})
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Filter by domain")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (PENDING, RUNNING, RETRY_WAIT, FAILED, COMPLETED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			item, err := app.Queue.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return shared.Emit("queue show", item, func(w io.Writer) {
				fmt.Fprintf(w, "ID:         %d\n", item.ID)
				fmt.Fprintf(w, "Domain:     %s\n", item.Domain)
				fmt.Fprintf(w, "Workflow:   %s\n", item.Workflow)
				fmt.Fprintf(w, "Partition:  %s\n", item.PartitionKey)
				fmt.Fprintf(w, "State:      %s\n", item.State)
				fmt.Fprintf(w, "Attempts:   %d/%d\n", item.AttemptCount, item.MaxAttempts)
				if item.LastError != "" {
					fmt.Fprintf(w, "Last error: %s\n", item.LastError)
				}
				if item.LatestExecutionID != "" {
					fmt.Fprintf(w, "Execution:  %s\n", item.LatestExecutionID)
				}
			})
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a non-terminal work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Queue.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			return shared.Emit("queue cancel", map[string]any{"id": id}, func(w io.Writer) {
				fmt.Fprintf(w, "Cancelled item %d\n", id)
			})
		},
	}
}

func newRetryFailedCommand() *cobra.Command {
	var (
		domain   string
		workflow string
	)

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Reset FAILED items to PENDING with a fresh attempt budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Queue.RetryFailed(cmd.Context(), repo.WorkItemFilter{
				Domain:   domain,
				Workflow: workflow,
			})
			if err != nil {
				return err
			}
			return shared.Emit("queue retry-failed", map[string]any{"retried": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Reset %d failed items\n", n)
			})
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Only items in this domain")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Only items for this workflow")
	return cmd
}
