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

// Package dlq implements the spine dlq command group over the dead
// letter queue.
package dlq

import (
	"fmt"
	"io"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/pkg/errors"
)

// NewCommand builds the dlq command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and resolve dead letters",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newResolveCommand())
	return cmd
}

func parseLetterID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, &errors.ValidationError{Field: "id", Message: "dead letter id must be an integer"}
	}
	return id, nil
}

func newListCommand() *cobra.Command {
	var (
		workflow   string
		unresolved bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			letters, total, err := app.DLQ.List(cmd.Context(), repo.DeadLetterFilter{
				Workflow:   workflow,
				Unresolved: unresolved,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			return shared.Emit("dlq list", letters, func(w io.Writer) {
				rows := make([][]string, 0, len(letters))
				for _, l := range letters {
					resolved := "-"
					if !l.ResolvedAt.IsZero() {
						resolved = l.ResolvedBy
					}
					rows = append(rows, []string{
						strconv.FormatInt(l.ID, 10),
						l.Workflow,
						fmt.Sprintf("%d/%d", l.RetryCount, l.MaxRetries),
						strconv.Itoa(l.ReplayCount),
						resolved,
						shared.Truncate(l.Error, 48),
					})
				}
				shared.Table(w,
					[]string{"ID", "WORKFLOW", "RETRIES", "REPLAYS", "RESOLVED BY", "ERROR"}, rows)
				fmt.Fprintf(w, "\n%d of %d dead letters\n", len(letters), total)
			})
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "Only unresolved letters")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLetterID(args[0])
			if err != nil {
				return err
			}
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			letter, err := app.DLQ.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return shared.Emit("dlq show", letter, func(w io.Writer) {
				fmt.Fprintf(w, "ID:        %d\n", letter.ID)
				fmt.Fprintf(w, "Workflow:  %s\n", letter.Workflow)
				fmt.Fprintf(w, "Execution: %s\n", letter.ExecutionID)
				fmt.Fprintf(w, "Retries:   %d/%d\n", letter.RetryCount, letter.MaxRetries)
				fmt.Fprintf(w, "Replays:   %d\n", letter.ReplayCount)
				fmt.Fprintf(w, "Error:     %s\n", letter.Error)
				if !letter.ResolvedAt.IsZero() {
					fmt.Fprintf(w, "Resolved:  %s by %s\n",
						shared.FormatTime(letter.ResolvedAt), letter.ResolvedBy)
				}
			})
		},
	}
}

func newResolveCommand() *cobra.Command {
	var resolvedBy string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead letter as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLetterID(args[0])
			if err != nil {
				return err
			}
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			by := resolvedBy
			if by == "" {
				by = currentUser()
			}
			if err := app.DLQ.Resolve(cmd.Context(), id, by); err != nil {
				return err
			}
			return shared.Emit("dlq resolve", map[string]any{"id": id, "resolved_by": by}, func(w io.Writer) {
				fmt.Fprintf(w, "Resolved dead letter %d as %s\n", id, by)
			})
		},
	}

	cmd.Flags().StringVar(&resolvedBy, "by", "", "Who resolved it (default: current OS user)")
	return cmd
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
