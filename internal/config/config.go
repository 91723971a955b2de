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

// Package config loads spine configuration from layered dotenv files and
// the process environment. Later layers override earlier ones:
//
//  1. .env.base
//  2. .env.<tier>
//  3. .env.local
//  4. .env
//  5. real environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spinehq/spine/pkg/errors"
)

// Config holds all recognized spine options.
type Config struct {
	// Tier selects the .env.<tier> layer (e.g. "dev", "prod").
	Tier string

	// DatabaseURL is the storage connection string. Supported schemes:
	// sqlite:// and postgres://. Default: sqlite://spine.db
	DatabaseURL string

	// PoolSize is the connection pool size for PostgreSQL. SQLite always
	// serializes writes on a single connection.
	PoolSize int

	// Scheduler settings.
	SchedulerTick         time.Duration
	SchedulerMisfireGrace time.Duration

	// Queue retry backoff settings.
	RetryBase    time.Duration
	RetryCeiling time.Duration

	// API listener settings.
	APIHost     string
	APIPort     int
	CORSOrigins []string

	// APIRateLimit is the sustained requests/second allowed per daemon;
	// 0 disables rate limiting.
	APIRateLimit float64

	// Logging.
	LogLevel  string
	LogFormat string

	// WorkflowsDir is scanned for workflow definition files at startup
	// and watched for changes while the daemon runs.
	WorkflowsDir string

	// Feature flags.
	EnableDLQ              bool
	EnableQualityChecks    bool
	EnableAnomalyDetection bool
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		DatabaseURL:           "sqlite://spine.db",
		PoolSize:              8,
		SchedulerTick:         10 * time.Second,
		SchedulerMisfireGrace: 2 * time.Minute,
		RetryBase:             time.Minute,
		RetryCeiling:          time.Hour,
		APIHost:               "127.0.0.1",
		APIPort:               8484,
		APIRateLimit:          0,
		LogLevel:              "info",
		LogFormat:             "json",
		EnableDLQ:             true,
	}
}

// Load reads configuration from dotenv layers under dir (usually the
// working directory) and the process environment.
func Load(dir string) (*Config, error) {
	cfg := Default()

	env := map[string]string{}
	tier := os.Getenv("SPINE_TIER")

	layers := []string{".env.base"}
	if tier != "" {
		layers = append(layers, ".env."+tier)
	}
	layers = append(layers, ".env.local", ".env")

	for _, name := range layers {
		if err := mergeDotenv(filepath.Join(dir, name), env); err != nil {
			return nil, errors.Wrapf(err, "loading %s", name)
		}
	}

	// Real environment wins over every file layer.
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}

	cfg.Tier = tier
	if err := cfg.apply(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply reads recognized keys through lookup and fills the config.
func (c *Config) apply(lookup func(string) (string, bool)) error {
	var err error

	setString(lookup, "SPINE_DB_URL", &c.DatabaseURL)
	setString(lookup, "SPINE_API_HOST", &c.APIHost)
	setString(lookup, "SPINE_LOG_LEVEL", &c.LogLevel)
	setString(lookup, "SPINE_LOG_FORMAT", &c.LogFormat)
	setString(lookup, "SPINE_WORKFLOWS_DIR", &c.WorkflowsDir)

	if err = setInt(lookup, "SPINE_DB_POOL_SIZE", &c.PoolSize); err != nil {
		return err
	}
	if err = setInt(lookup, "SPINE_API_PORT", &c.APIPort); err != nil {
		return err
	}
	if err = setFloat(lookup, "SPINE_API_RATE_LIMIT", &c.APIRateLimit); err != nil {
		return err
	}
	if err = setSeconds(lookup, "SPINE_SCHEDULER_TICK_SECONDS", &c.SchedulerTick); err != nil {
		return err
	}
	if err = setSeconds(lookup, "SPINE_SCHEDULER_MISFIRE_GRACE_SECONDS", &c.SchedulerMisfireGrace); err != nil {
		return err
	}
	if err = setSeconds(lookup, "SPINE_RETRY_BASE_SECONDS", &c.RetryBase); err != nil {
		return err
	}
	if err = setSeconds(lookup, "SPINE_RETRY_CEILING_SECONDS", &c.RetryCeiling); err != nil {
		return err
	}
	if err = setBool(lookup, "SPINE_ENABLE_DLQ", &c.EnableDLQ); err != nil {
		return err
	}
	if err = setBool(lookup, "SPINE_ENABLE_QUALITY_CHECKS", &c.EnableQualityChecks); err != nil {
		return err
	}
	if err = setBool(lookup, "SPINE_ENABLE_ANOMALY_DETECTION", &c.EnableAnomalyDetection); err != nil {
		return err
	}

	if v, ok := lookup("SPINE_CORS_ORIGINS"); ok && v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.CORSOrigins = origins
	}

	return c.Validate()
}

// Validate checks constraints that cannot be expressed by parsing alone.
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return &errors.ValidationError{Field: "SPINE_DB_POOL_SIZE", Message: "must be at least 1"}
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return &errors.ValidationError{Field: "SPINE_API_PORT", Message: "must be between 1 and 65535"}
	}
	if c.SchedulerTick <= 0 {
		return &errors.ValidationError{Field: "SPINE_SCHEDULER_TICK_SECONDS", Message: "must be positive"}
	}
	if c.RetryBase <= 0 || c.RetryCeiling < c.RetryBase {
		return &errors.ValidationError{
			Field:   "SPINE_RETRY_CEILING_SECONDS",
			Message: "retry ceiling must be >= retry base and both positive",
		}
	}
	return nil
}

// Items returns the configuration as ordered key/value pairs for
// `spine config show`.
func (c *Config) Items() [][2]string {
	return [][2]string{
		{"SPINE_TIER", c.Tier},
		{"SPINE_DB_URL", c.DatabaseURL},
		{"SPINE_DB_POOL_SIZE", strconv.Itoa(c.PoolSize)},
		{"SPINE_SCHEDULER_TICK_SECONDS", strconv.Itoa(int(c.SchedulerTick / time.Second))},
		{"SPINE_SCHEDULER_MISFIRE_GRACE_SECONDS", strconv.Itoa(int(c.SchedulerMisfireGrace / time.Second))},
		{"SPINE_RETRY_BASE_SECONDS", strconv.Itoa(int(c.RetryBase / time.Second))},
		{"SPINE_RETRY_CEILING_SECONDS", strconv.Itoa(int(c.RetryCeiling / time.Second))},
		{"SPINE_API_HOST", c.APIHost},
		{"SPINE_API_PORT", strconv.Itoa(c.APIPort)},
		{"SPINE_API_RATE_LIMIT", strconv.FormatFloat(c.APIRateLimit, 'f', -1, 64)},
		{"SPINE_CORS_ORIGINS", strings.Join(c.CORSOrigins, ",")},
		{"SPINE_LOG_LEVEL", c.LogLevel},
		{"SPINE_LOG_FORMAT", c.LogFormat},
		{"SPINE_WORKFLOWS_DIR", c.WorkflowsDir},
		{"SPINE_ENABLE_DLQ", strconv.FormatBool(c.EnableDLQ)},
		{"SPINE_ENABLE_QUALITY_CHECKS", strconv.FormatBool(c.EnableQualityChecks)},
		{"SPINE_ENABLE_ANOMALY_DETECTION", strconv.FormatBool(c.EnableAnomalyDetection)},
	}
}

// mergeDotenv parses a dotenv file into env. Missing files are skipped.
func mergeDotenv(path string, env map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return &errors.ValidationError{
				Field:   filepath.Base(path),
				Message: fmt.Sprintf("line %d is not KEY=VALUE", lineNo+1),
			}
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		// Strip one level of matching quotes.
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		env[key] = value
	}
	return nil
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

func setInt(lookup func(string) (string, bool), key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &errors.ValidationError{Field: key, Message: "must be an integer"}
	}
	*dst = n
	return nil
}

func setFloat(lookup func(string) (string, bool), key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &errors.ValidationError{Field: key, Message: "must be a number"}
	}
	*dst = f
	return nil
}

func setSeconds(lookup func(string) (string, bool), key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &errors.ValidationError{Field: key, Message: "must be an integer number of seconds"}
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func setBool(lookup func(string) (string, bool), key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return &errors.ValidationError{Field: key, Message: "must be a boolean"}
	}
	*dst = b
	return nil
}
