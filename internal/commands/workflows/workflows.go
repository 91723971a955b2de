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

// Package workflows implements the spine workflows command group:
// definitions from the workflow directory, run history from the
// database.
package workflows

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/watcher"
	"github.com/spinehq/spine/pkg/errors"
)

// NewCommand builds the workflows command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect workflow definitions and run history",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newHistoryCommand())
	return cmd
}

// loadRegistry reads the configured workflow directory into a fresh
// registry.
func loadRegistry(app *shared.App) (*registry.Registry, error) {
	dir := app.Config.WorkflowsDir
	if dir == "" {
		return nil, &errors.ValidationError{
			Field:      "SPINE_WORKFLOWS_DIR",
			Message:    "no workflow directory configured",
			Suggestion: "set SPINE_WORKFLOWS_DIR or add it to .env",
		}
	}
	reg := registry.New()
	w := watcher.New(dir, reg, app.Logger)
	if err := w.LoadAll(); err != nil {
		return nil, err
	}
	return reg, nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			reg, err := loadRegistry(app)
			if err != nil {
				return err
			}
			names := reg.Workflows()
			return shared.Emit("workflows list", names, func(w io.Writer) {
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					wf, err := reg.Workflow(name)
					if err != nil {
						continue
					}
					rows = append(rows, []string{name, fmt.Sprintf("%d", len(wf.Steps))})
				}
				shared.Table(w, []string{"NAME", "STEPS"}, rows)
			})
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a workflow's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			reg, err := loadRegistry(app)
			if err != nil {
				return err
			}
			wf, err := reg.Workflow(args[0])
			if err != nil {
				return err
			}
			return shared.Emit("workflows show", wf, func(w io.Writer) {
				fmt.Fprintf(w, "Workflow: %s\n\n", wf.Name)
				rows := make([][]string, 0, len(wf.Steps))
				for _, step := range wf.Steps {
					target := step.Pipeline
					if target == "" && step.Type == engine.StepChoice {
						target = step.Predicate
					}
					rows = append(rows, []string{
						step.Name,
						string(step.Type),
						fmt.Sprintf("%v", step.DependsOn),
						shared.Truncate(target, 40),
					})
				}
				shared.Table(w, []string{"STEP", "TYPE", "DEPENDS ON", "TARGET"}, rows)
			})
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			wf, err := engine.ParseWorkflowYAML(data)
			if err != nil {
				return err
			}
			result := map[string]any{"name": wf.Name, "steps": len(wf.Steps), "valid": true}
			return shared.Emit("workflows validate", result, func(w io.Writer) {
				fmt.Fprintf(w, "%s: valid (%d steps)\n", wf.Name, len(wf.Steps))
			})
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			runs, total, err := app.History.List(cmd.Context(), workflow, status, limit, 0)
			if err != nil {
				return err
			}
			return shared.Emit("workflows history", runs, func(w io.Writer) {
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					errCell := "-"
					if run.Error != "" {
						errCell = shared.Truncate(run.ErrorStep+": "+run.Error, 48)
					}
					rows = append(rows, []string{
						run.ID,
						run.Workflow,
						string(run.Status),
						shared.FormatTime(run.StartedAt),
						shared.FormatTime(run.CompletedAt),
						errCell,
					})
				}
				shared.Table(w,
					[]string{"RUN", "WORKFLOW", "STATUS", "STARTED", "COMPLETED", "ERROR"}, rows)
				fmt.Fprintf(w, "\n%d of %d runs\n", len(runs), total)
			})
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}
