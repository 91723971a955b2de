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

// Package version implements the spine version command.
package version

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
)

// NewCommand builds the version command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, b := shared.GetVersion()
			data := map[string]string{
				"version":    v,
				"commit":     c,
				"build_date": b,
			}
			return shared.Emit("version", data, func(w io.Writer) {
				fmt.Fprintf(w, "spine %s (commit: %s, built: %s)\n", v, c, b)
			})
		},
	}
}
