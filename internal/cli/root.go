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

// Package cli assembles the spine root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
)

// SetVersion records build-time version information for the version
// command.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand builds the root cobra command. Subcommands are added
// by main.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spine",
		Short: "Spine - data pipeline orchestration",
		Long: `Spine orchestrates data pipelines: an execution ledger, a DAG
workflow engine, a claimable work queue, and cron/interval schedules,
all backed by SQLite or PostgreSQL.

The spined daemon hosts the REST API, scheduler, and queue workers.
This CLI operates on the same database the daemon uses.`,
		SilenceUsage:  true,
		SilenceErrors: true, // errors map to exit codes in main
	}

	shared.RegisterGlobalFlags(cmd.PersistentFlags())

	return cmd
}

// HandleExitError prints err and exits with its mapped code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
