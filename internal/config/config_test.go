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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	clearSpineEnv(t)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite://spine.db", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Second, cfg.SchedulerTick)
	assert.Equal(t, time.Minute, cfg.RetryBase)
	assert.Equal(t, time.Hour, cfg.RetryCeiling)
	assert.True(t, cfg.EnableDLQ)
	assert.False(t, cfg.EnableQualityChecks)
}

func TestLoad_LayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	clearSpineEnv(t)
	t.Setenv("SPINE_TIER", "dev")

	writeFile(t, dir, ".env.base", "SPINE_API_PORT=1000\nSPINE_LOG_LEVEL=warn\n")
	writeFile(t, dir, ".env.dev", "SPINE_API_PORT=2000\n")
	writeFile(t, dir, ".env.local", "SPINE_API_PORT=3000\n")
	writeFile(t, dir, ".env", "SPINE_API_PORT=4000\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	// .env wins among the file layers; .env.base keys not overridden persist.
	assert.Equal(t, 4000, cfg.APIPort)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "dev", cfg.Tier)
}

func TestLoad_RealEnvWinsOverFiles(t *testing.T) {
	dir := t.TempDir()
	clearSpineEnv(t)
	writeFile(t, dir, ".env", "SPINE_API_PORT=4000\n")
	t.Setenv("SPINE_API_PORT", "5000")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.APIPort)
}

func TestLoad_ParsesAllKinds(t *testing.T) {
	dir := t.TempDir()
	clearSpineEnv(t)
	writeFile(t, dir, ".env", `
# storage
SPINE_DB_URL="postgres://localhost/spine"
SPINE_DB_POOL_SIZE=16
SPINE_SCHEDULER_TICK_SECONDS=5
SPINE_SCHEDULER_MISFIRE_GRACE_SECONDS=60
SPINE_RETRY_BASE_SECONDS=30
SPINE_RETRY_CEILING_SECONDS=600
SPINE_CORS_ORIGINS=https://a.example, https://b.example
SPINE_ENABLE_QUALITY_CHECKS=true
export SPINE_API_RATE_LIMIT=2.5
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/spine", cfg.DatabaseURL)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.SchedulerTick)
	assert.Equal(t, time.Minute, cfg.SchedulerMisfireGrace)
	assert.Equal(t, 30*time.Second, cfg.RetryBase)
	assert.Equal(t, 10*time.Minute, cfg.RetryCeiling)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.EnableQualityChecks)
	assert.Equal(t, 2.5, cfg.APIRateLimit)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad int", "SPINE_API_PORT=eighty\n"},
		{"bad bool", "SPINE_ENABLE_DLQ=maybe\n"},
		{"bad line", "SPINE_API_PORT\n"},
		{"port range", "SPINE_API_PORT=70000\n"},
		{"pool size", "SPINE_DB_POOL_SIZE=0\n"},
		{"retry ceiling", "SPINE_RETRY_BASE_SECONDS=60\nSPINE_RETRY_CEILING_SECONDS=10\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			clearSpineEnv(t)
			writeFile(t, dir, ".env", tt.content)

			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestItems_CoversEveryOption(t *testing.T) {
	cfg := Default()
	items := cfg.Items()

	seen := map[string]bool{}
	for _, kv := range items {
		seen[kv[0]] = true
	}
	for _, key := range []string{
		"SPINE_DB_URL", "SPINE_SCHEDULER_TICK_SECONDS", "SPINE_RETRY_BASE_SECONDS",
		"SPINE_API_HOST", "SPINE_API_PORT", "SPINE_ENABLE_DLQ",
	} {
		assert.True(t, seen[key], "missing %s", key)
	}
}

// clearSpineEnv unsets SPINE_* variables that would leak between tests.
func clearSpineEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SPINE_TIER", "SPINE_DB_URL", "SPINE_DB_POOL_SIZE", "SPINE_API_HOST",
		"SPINE_API_PORT", "SPINE_API_RATE_LIMIT", "SPINE_LOG_LEVEL",
		"SPINE_LOG_FORMAT", "SPINE_WORKFLOWS_DIR", "SPINE_CORS_ORIGINS",
		"SPINE_SCHEDULER_TICK_SECONDS", "SPINE_SCHEDULER_MISFIRE_GRACE_SECONDS",
		"SPINE_RETRY_BASE_SECONDS", "SPINE_RETRY_CEILING_SECONDS",
		"SPINE_ENABLE_DLQ", "SPINE_ENABLE_QUALITY_CHECKS", "SPINE_ENABLE_ANOMALY_DETECTION",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}
