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

// Package config implements the spine config command group.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	spineconfig "github.com/spinehq/spine/internal/config"
	"github.com/spinehq/spine/pkg/errors"
)

// NewCommand builds the config command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect spine configuration",
	}
	cmd.AddCommand(newShowCommand())
	return cmd
}

func newShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after merging dotenv layers and the
process environment, in the order the daemon would apply them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := spineconfig.Load(".")
			if err != nil {
				return err
			}
			return renderConfig(os.Stdout, cfg, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, env, or json")
	return cmd
}

func renderConfig(out io.Writer, cfg *spineconfig.Config, format string) error {
	items := cfg.Items()

	switch format {
	case "json":
		data := make(map[string]string, len(items))
		for _, kv := range items {
			data[kv[0]] = kv[1]
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "env":
		for _, kv := range items {
			fmt.Fprintf(out, "%s=%s\n", kv[0], kv[1])
		}
		return nil
	case "table":
		data := make(map[string]string, len(items))
		rows := make([][]string, 0, len(items))
		for _, kv := range items {
			data[kv[0]] = kv[1]
			rows = append(rows, []string{kv[0], kv[1]})
		}
		return shared.Emit("config show", data, func(io.Writer) {
			shared.Table(out, []string{"KEY", "VALUE"}, rows)
		})
	default:
		return &errors.ValidationError{
			Field:      "format",
			Message:    fmt.Sprintf("unknown format %q", format),
			Suggestion: "use table, env, or json",
		}
	}
}
