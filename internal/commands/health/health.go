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

// Package health implements the spine health command, the one command
// group that talks to a running spined over HTTP.
package health

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/commands/shared"
	"github.com/spinehq/spine/pkg/httpclient"
)

// NewCommand builds the health command.
func NewCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running spined daemon",
		Long: `Check the daemon's API and database health endpoints. The daemon
address comes from --api (default http://127.0.0.1:8484).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := httpclient.DefaultConfig()
			cfg.Timeout = timeout
			client, err := httpclient.New(cfg)
			if err != nil {
				return err
			}

			base := shared.APIBase()
			api, err := probe(cmd, client, base+"/v1/health")
			if err != nil {
				return fmt.Errorf("daemon unreachable at %s: %w", base, err)
			}
			db, err := probe(cmd, client, base+"/database/health")
			if err != nil {
				return fmt.Errorf("database health check failed: %w", err)
			}

			data := map[string]any{"api": api, "database": db}
			if err := shared.Emit("health", data, func(w io.Writer) {
				fmt.Fprintf(w, "API:      %v (version %v)\n", api["status"], api["version"])
				fmt.Fprintf(w, "Database: connected=%v backend=%v\n", db["connected"], db["backend"])
			}); err != nil {
				return err
			}
			if db["connected"] != true {
				return fmt.Errorf("database is not connected")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func probe(cmd *cobra.Command, client *http.Client, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	return body, nil
}
