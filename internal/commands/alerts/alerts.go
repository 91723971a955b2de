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

// Package alerts implements the spine alerts command group.
package alerts

import (
	"fmt"
	"io"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	"github.com/spinehq/spine/pkg/errors"
)

// NewCommand builds the alerts command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and acknowledge alerts",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newAckCommand())
	cmd.AddCommand(newDeleteCommand())
	return cmd
}

func parseAlertID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, &errors.ValidationError{Field: "id", Message: "alert id must be an integer"}
	}
	return id, nil
}

func newListCommand() *cobra.Command {
	var (
		severity       string
		unacknowledged bool
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			alerts, total, err := app.Alerts.List(cmd.Context(), severity, unacknowledged, limit, 0)
			if err != nil {
				return err
			}
			return shared.Emit("alerts list", alerts, func(w io.Writer) {
				rows := make([][]string, 0, len(alerts))
				for _, a := range alerts {
					acked := "-"
					if !a.AcknowledgedAt.IsZero() {
						acked = a.AcknowledgedBy
					}
					rows = append(rows, []string{
						strconv.FormatInt(a.ID, 10),
						a.Severity,
						a.Name,
						shared.Truncate(a.Message, 48),
						acked,
						shared.FormatTime(a.CreatedAt),
					})
				}
				shared.Table(w,
					[]string{"ID", "SEVERITY", "NAME", "MESSAGE", "ACKED BY", "CREATED"}, rows)
				fmt.Fprintf(w, "\n%d of %d alerts\n", len(alerts), total)
			})
		},
	}

	cmd.Flags().StringVar(&severity, "severity", "", "Filter by severity")
	cmd.Flags().BoolVar(&unacknowledged, "unacknowledged", false, "Only unacknowledged alerts")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newAckCommand() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAlertID(args[0])
			if err != nil {
				return err
			}
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if by == "" {
				if u, err := user.Current(); err == nil && u.Username != "" {
					by = u.Username
				} else {
					by = "cli"
				}
			}
			ok, err := app.Alerts.Acknowledge(cmd.Context(), id, by, app.Clock.Now())
			if err != nil {
				return err
			}
			if !ok {
				return &errors.ConflictError{
					Resource: "alert",
					Reason:   fmt.Sprintf("alert %d is already acknowledged or does not exist", id),
				}
			}
			return shared.Emit("alerts ack", map[string]any{"id": id, "acknowledged_by": by}, func(w io.Writer) {
				fmt.Fprintf(w, "Acknowledged alert %d as %s\n", id, by)
			})
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "Who acknowledged it (default: current OS user)")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAlertID(args[0])
			if err != nil {
				return err
			}
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			ok, err := app.Alerts.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return &errors.NotFoundError{Resource: "alert", ID: args[0]}
			}
			return shared.Emit("alerts delete", map[string]any{"id": id}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted alert %d\n", id)
			})
		},
	}
}
