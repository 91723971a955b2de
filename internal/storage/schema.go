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

package storage

import (
	"context"
	"time"
)

// migration is one named DDL step. Applied steps are recorded in the
// _migrations ledger and never re-run.
type migration struct {
	name     string
	sqlite   string
	postgres string
}

// same marks a migration whose DDL is identical on both dialects.
func same(name, ddl string) migration {
	return migration{name: name, sqlite: ddl, postgres: ddl}
}

// Timestamps are ISO-8601 UTC TEXT on SQLite and timestamptz on
// PostgreSQL; JSON columns are TEXT on SQLite and JSONB on PostgreSQL.
// Readers must tolerate either.
var migrations = []migration{
	{
		name: "001_core_executions.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			params TEXT,
			status TEXT NOT NULL,
			lane TEXT NOT NULL DEFAULT 'default',
			trigger_source TEXT NOT NULL DEFAULT 'INTERNAL',
			parent_execution_id TEXT,
			idempotency_key TEXT UNIQUE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			result TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			params JSONB,
			status TEXT NOT NULL,
			lane TEXT NOT NULL DEFAULT 'default',
			trigger_source TEXT NOT NULL DEFAULT 'INTERNAL',
			parent_execution_id TEXT,
			idempotency_key TEXT UNIQUE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			result JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
	same("002_core_executions_indexes.sql",
		`CREATE INDEX IF NOT EXISTS idx_core_executions_workflow ON core_executions(workflow)`),
	same("003_core_executions_status_index.sql",
		`CREATE INDEX IF NOT EXISTS idx_core_executions_status ON core_executions(status)`),
	{
		name: "004_core_execution_events.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_execution_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL REFERENCES core_executions(id),
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_execution_events (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES core_executions(id),
			event_type TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			data JSONB
		)`,
	},
	same("005_core_execution_events_index.sql",
		`CREATE INDEX IF NOT EXISTS idx_core_execution_events_execution ON core_execution_events(execution_id)`),
	{
		name: "006_core_work_items.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_work_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			workflow TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			desired_at TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'PENDING',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT,
			last_error_at TEXT,
			next_attempt_at TEXT,
			current_execution_id TEXT,
			latest_execution_id TEXT,
			locked_by TEXT,
			locked_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (domain, workflow, partition_key)
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_work_items (
			id BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL,
			workflow TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			desired_at TIMESTAMPTZ,
			priority INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'PENDING',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT,
			last_error_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ,
			current_execution_id TEXT,
			latest_execution_id TEXT,
			locked_by TEXT,
			locked_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (domain, workflow, partition_key)
		)`,
	},
	same("007_core_work_items_claim_index.sql",
		`CREATE INDEX IF NOT EXISTS idx_core_work_items_claim ON core_work_items(state, priority, created_at)`),
	{
		name: "008_core_concurrency_locks.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_concurrency_locks (
			lock_key TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_concurrency_locks (
			lock_key TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "009_core_dead_letters.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT,
			workflow TEXT NOT NULL,
			params TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			resolved_at TEXT,
			resolved_by TEXT,
			replay_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_dead_letters (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT,
			workflow TEXT NOT NULL,
			params JSONB,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT,
			replay_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "010_core_manifest.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_manifest (
			domain TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_rank INTEGER NOT NULL DEFAULT 0,
			row_count INTEGER NOT NULL DEFAULT 0,
			execution_id TEXT,
			batch_id TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (domain, partition_key, stage)
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_manifest (
			domain TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_rank INTEGER NOT NULL DEFAULT 0,
			row_count INTEGER NOT NULL DEFAULT 0,
			execution_id TEXT,
			batch_id TEXT,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (domain, partition_key, stage)
		)`,
	},
	{
		name: "011_core_rejects.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_rejects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			reason_code TEXT NOT NULL,
			reason_detail TEXT,
			raw_json TEXT,
			execution_id TEXT,
			created_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_rejects (
			id BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			reason_code TEXT NOT NULL,
			reason_detail TEXT,
			raw_json JSONB,
			execution_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "012_core_schedules.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			target_type TEXT NOT NULL,
			target_name TEXT NOT NULL,
			cron_expression TEXT,
			interval_seconds INTEGER,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			params TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			max_instances INTEGER NOT NULL DEFAULT 1,
			misfire_grace_seconds INTEGER NOT NULL DEFAULT 120,
			last_run_at TEXT,
			next_run_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			target_type TEXT NOT NULL,
			target_name TEXT NOT NULL,
			cron_expression TEXT,
			interval_seconds INTEGER,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			params JSONB,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			max_instances INTEGER NOT NULL DEFAULT 1,
			misfire_grace_seconds INTEGER NOT NULL DEFAULT 120,
			last_run_at TIMESTAMPTZ,
			next_run_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "013_core_schedule_runs.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_schedule_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id TEXT NOT NULL,
			execution_id TEXT,
			status TEXT NOT NULL,
			scheduled_for TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_schedule_runs (
			id BIGSERIAL PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			execution_id TEXT,
			status TEXT NOT NULL,
			scheduled_for TIMESTAMPTZ NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "014_core_schedule_locks.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_schedule_locks (
			lock_key TEXT PRIMARY KEY,
			locked_by TEXT NOT NULL,
			locked_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_schedule_locks (
			lock_key TEXT PRIMARY KEY,
			locked_by TEXT NOT NULL,
			locked_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "015_core_workflow_runs.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_workflow_runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			params TEXT,
			error TEXT,
			error_step TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_workflow_runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			params JSONB,
			error TEXT,
			error_step TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "016_core_workflow_steps.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_workflow_steps (
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			execution_id TEXT,
			output TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			PRIMARY KEY (run_id, step_name)
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_workflow_steps (
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			execution_id TEXT,
			output JSONB,
			error TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (run_id, step_name)
		)`,
	},
	{
		name: "017_core_quality_checks.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_quality_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			partition_key TEXT,
			stage TEXT,
			check_name TEXT NOT NULL,
			passed INTEGER NOT NULL,
			expected TEXT,
			actual TEXT,
			detail TEXT,
			execution_id TEXT,
			created_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_quality_checks (
			id BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL,
			partition_key TEXT,
			stage TEXT,
			check_name TEXT NOT NULL,
			passed BOOLEAN NOT NULL,
			expected TEXT,
			actual TEXT,
			detail TEXT,
			execution_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "018_core_anomalies.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			metric TEXT NOT NULL,
			severity TEXT NOT NULL,
			detail TEXT,
			observed REAL,
			expected REAL,
			execution_id TEXT,
			created_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_anomalies (
			id BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL,
			metric TEXT NOT NULL,
			severity TEXT NOT NULL,
			detail TEXT,
			observed DOUBLE PRECISION,
			expected DOUBLE PRECISION,
			execution_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "019_core_alerts.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT,
			source TEXT,
			acknowledged_at TEXT,
			acknowledged_by TEXT,
			created_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_alerts (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT,
			source TEXT,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "020_core_sources.sql",
		sqlite: `CREATE TABLE IF NOT EXISTS core_sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			url TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_fetch_at TEXT,
			last_status TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		postgres: `CREATE TABLE IF NOT EXISTS core_sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			url TEXT,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_fetch_at TIMESTAMPTZ,
			last_status TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
}

// Migrate applies pending DDL steps, recording each in the _migrations
// ledger. It is safe to run on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	ledgerDDL := `CREATE TABLE IF NOT EXISTS _migrations (
		filename TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`
	if db.dialect.Name() == "postgres" {
		ledgerDDL = `CREATE TABLE IF NOT EXISTS _migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`
	}
	if _, err := db.Exec(ctx, ledgerDDL); err != nil {
		return err
	}

	applied := map[string]bool{}
	rows, err := db.Query(ctx, `SELECT filename FROM _migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return ScanError("migrate", err)
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ScanError("migrate", err)
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		ddl := m.sqlite
		if db.dialect.Name() == "postgres" {
			ddl = m.postgres
		}
		if _, err := db.Exec(ctx, ddl); err != nil {
			return err
		}
		if _, err := db.Exec(ctx,
			`INSERT INTO _migrations (filename, applied_at) VALUES (?, ?)`,
			m.name, FormatTime(time.Now().UTC()),
		); err != nil {
			return err
		}
	}
	return nil
}
