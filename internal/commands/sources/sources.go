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

// Package sources implements the spine sources command group.
package sources

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// NewCommand builds the sources command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage external data source definitions",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newEnableCommand(true))
	cmd.AddCommand(newEnableCommand(false))
	cmd.AddCommand(newRemoveCommand())
	return cmd
}

// lookup resolves by name first, then by id.
func lookup(cmd *cobra.Command, app *shared.App, key string) (*repo.Source, error) {
	if src, err := app.Sources.GetByName(cmd.Context(), key); err == nil {
		return src, nil
	}
	src, err := app.Sources.Get(cmd.Context(), key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "source", ID: key}
		}
		return nil, err
	}
	return src, nil
}

func newListCommand() *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			sources, err := app.Sources.List(cmd.Context(), enabledOnly)
			if err != nil {
				return err
			}
			return shared.Emit("sources list", sources, func(w io.Writer) {
				rows := make([][]string, 0, len(sources))
				for _, s := range sources {
					enabled := "yes"
					if !s.Enabled {
						enabled = "no"
					}
					rows = append(rows, []string{
						s.ID,
						s.Name,
						s.Kind,
						enabled,
						s.LastStatus,
						shared.FormatTime(s.LastFetchAt),
					})
				}
				shared.Table(w,
					[]string{"ID", "NAME", "KIND", "ENABLED", "LAST STATUS", "LAST FETCH"}, rows)
			})
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled sources")
	return cmd
}

func newAddCommand() *cobra.Command {
	var (
		kind string
		url  string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return &errors.ValidationError{Field: "kind", Message: "--kind is required"}
			}
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			now := app.Clock.Now()
			src := &repo.Source{
				ID:        repo.NewID(),
				Name:      args[0],
				Kind:      kind,
				URL:       url,
				Enabled:   true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := app.Sources.Create(cmd.Context(), src); err != nil {
				if storage.IsConstraint(err) {
					return &errors.ConflictError{
						Resource: "source",
						Reason:   fmt.Sprintf("source %q already exists", args[0]),
					}
				}
				return err
			}
			return shared.Emit("sources add", src, func(w io.Writer) {
				fmt.Fprintf(w, "Registered source %s (%s)\n", src.Name, src.ID)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Source kind, e.g. sftp, http, s3 (required)")
	cmd.Flags().StringVar(&url, "url", "", "Source location")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name-or-id>",
		Short: "Show one source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			src, err := lookup(cmd, app, args[0])
			if err != nil {
				return err
			}
			return shared.Emit("sources show", src, func(w io.Writer) {
				fmt.Fprintf(w, "ID:          %s\n", src.ID)
				fmt.Fprintf(w, "Name:        %s\n", src.Name)
				fmt.Fprintf(w, "Kind:        %s\n", src.Kind)
				fmt.Fprintf(w, "URL:         %s\n", src.URL)
				fmt.Fprintf(w, "Enabled:     %t\n", src.Enabled)
				fmt.Fprintf(w, "Last fetch:  %s (%s)\n",
					shared.FormatTime(src.LastFetchAt), src.LastStatus)
			})
		},
	}
}

func newEnableCommand(enable bool) *cobra.Command {
	use, short := "enable <name-or-id>", "Enable a source"
	if !enable {
		use, short = "disable <name-or-id>", "Disable a source"
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

			src, err := lookup(cmd, app, args[0])
			if err != nil {
				return err
			}
			src.Enabled = enable
			src.UpdatedAt = app.Clock.Now()
			ok, err := app.Sources.Update(cmd.Context(), src)
			if err != nil {
				return err
			}
			if !ok {
				return &errors.NotFoundError{Resource: "source", ID: args[0]}
			}
			return shared.Emit(use, src, func(w io.Writer) {
				state := "disabled"
				if enable {
					state = "enabled"
				}
				fmt.Fprintf(w, "Source %s is now %s\n", src.Name, state)
			})
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name-or-id>",
		Short: "Delete a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shared.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			src, err := lookup(cmd, app, args[0])
			if err != nil {
				return err
			}
			ok, err := app.Sources.Delete(cmd.Context(), src.ID)
			if err != nil {
				return err
			}
			if !ok {
				return &errors.NotFoundError{Resource: "source", ID: args[0]}
			}
			return shared.Emit("sources remove", map[string]any{"id": src.ID}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed source %s\n", src.Name)
			})
		},
	}
}
