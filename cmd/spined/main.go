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
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spinehq/spine/internal/config"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/internal/server"
	"github.com/spinehq/spine/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		dbURL        = flag.String("db", "", "Database URL (sqlite:// or postgres://)")
		apiPort      = flag.Int("port", 0, "API listen port")
		workflowsDir = flag.String("workflows-dir", "", "Directory of workflow definition files")
		workers      = flag.Int("workers", 2, "Queue worker count")
		trace        = flag.Bool("trace", false, "Export spans to stdout")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("spined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(".")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Flags override the file and environment layers.
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *apiPort != 0 {
		cfg.APIPort = *apiPort
	}
	if *workflowsDir != "" {
		cfg.WorkflowsDir = *workflowsDir
	}

	daemon, err := server.NewDaemon(cfg, server.DaemonOptions{
		Version: version,
		Workers: *workers,
		Tracing: tracing.Config{
			Enabled:        *trace,
			ServiceName:    "spined",
			ServiceVersion: version,
		},
	}, logger)
	if err != nil {
		logger.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("spined starting",
		"version", version,
		"db", cfg.DatabaseURL,
		"addr", fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort))

	if err := daemon.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}
