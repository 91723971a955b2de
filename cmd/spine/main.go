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

package main

import (
	"github.com/spinehq/spine/internal/cli"
	"github.com/spinehq/spine/internal/commands/alerts"
	configcmd "github.com/spinehq/spine/internal/commands/config"
	"github.com/spinehq/spine/internal/commands/dlq"
	"github.com/spinehq/spine/internal/commands/health"
	"github.com/spinehq/spine/internal/commands/queue"
	"github.com/spinehq/spine/internal/commands/runs"
	"github.com/spinehq/spine/internal/commands/schedules"
	"github.com/spinehq/spine/internal/commands/sources"
	versioncmd "github.com/spinehq/spine/internal/commands/version"
	"github.com/spinehq/spine/internal/commands/workflows"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(runs.NewCommand())
	rootCmd.AddCommand(workflows.NewCommand())
	rootCmd.AddCommand(schedules.NewCommand())
	rootCmd.AddCommand(queue.NewCommand())
	rootCmd.AddCommand(dlq.NewCommand())
	rootCmd.AddCommand(alerts.NewCommand())
	rootCmd.AddCommand(sources.NewCommand())
	rootCmd.AddCommand(configcmd.NewCommand())
	rootCmd.AddCommand(health.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
