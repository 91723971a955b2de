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

package repo

import (
	"context"
	"database/sql"

	"github.com/spinehq/spine/internal/storage"
)

// Quality persists core_quality_checks and core_anomalies. Both tables
// are append-only.
type Quality struct {
	db *storage.DB
}

// NewQuality returns the quality repository.
func NewQuality(db *storage.DB) *Quality { return &Quality{db: db} }

// InsertCheck records one quality-gate evaluation.
func (r *Quality) InsertCheck(ctx context.Context, c *QualityCheck) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO core_quality_checks
			(domain, partition_key, stage, check_name, passed, expected,
			 actual, detail, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Domain, storage.NullString(c.PartitionKey), storage.NullString(c.Stage),
		c.CheckName, c.Passed, storage.NullString(c.Expected),
		storage.NullString(c.Actual), storage.NullString(c.Detail),
		storage.NullString(c.ExecutionID), storage.FormatTime(c.CreatedAt))
	return err
}

// ListChecks returns check results newest first plus the filtered total.
func (r *Quality) ListChecks(ctx context.Context, domain string, failedOnly bool, limit, offset int) ([]*QualityCheck, int, error) {
	where := storage.NewWhere().Eq("domain", domain)
	if failedOnly {
		where.Raw("passed = ?", false)
	}
	clause, args := where.Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_quality_checks`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("quality.count", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, domain, partition_key, stage, check_name, passed,
		       expected, actual, detail, execution_id, created_at
		FROM core_quality_checks`+clause+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, append(args, ClampLimit(limit), offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*QualityCheck
	for rows.Next() {
		var (
			c                                  QualityCheck
			partition, stage, expected, actual sql.NullString
			detail, execID                     sql.NullString
			created                            string
		)
		if err := rows.Scan(&c.ID, &c.Domain, &partition, &stage, &c.CheckName,
			&c.Passed, &expected, &actual, &detail, &execID, &created); err != nil {
			return nil, 0, storage.ScanError("quality.scan", err)
		}
		c.PartitionKey = partition.String
		c.Stage = stage.String
		c.Expected = expected.String
		c.Actual = actual.String
		c.Detail = detail.String
		c.ExecutionID = execID.String
		if c.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, 0, storage.ScanError("quality.scan", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("quality.list", err)
	}
	return out, total, nil
}

// InsertAnomaly records one out-of-band metric observation.
func (r *Quality) InsertAnomaly(ctx context.Context, a *Anomaly) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO core_anomalies
			(domain, metric, severity, detail, observed, expected, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Domain, a.Metric, a.Severity, storage.NullString(a.Detail),
		a.Observed, a.Expected, storage.NullString(a.ExecutionID),
		storage.FormatTime(a.CreatedAt))
	return err
}

// ListAnomalies returns anomalies newest first plus the filtered total.
func (r *Quality) ListAnomalies(ctx context.Context, domain, severity string, limit, offset int) ([]*Anomaly, int, error) {
	clause, args := storage.NewWhere().
		Eq("domain", domain).
		Eq("severity", severity).
		Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_anomalies`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("anomalies.count", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, domain, metric, severity, detail, observed, expected,
		       execution_id, created_at
		FROM core_anomalies`+clause+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, append(args, ClampLimit(limit), offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		var (
			a                  Anomaly
			detail, execID     sql.NullString
			observed, expected sql.NullFloat64
			created            string
		)
		if err := rows.Scan(&a.ID, &a.Domain, &a.Metric, &a.Severity,
			&detail, &observed, &expected, &execID, &created); err != nil {
			return nil, 0, storage.ScanError("anomalies.scan", err)
		}
		a.Detail = detail.String
		a.Observed = observed.Float64
		a.Expected = expected.Float64
		a.ExecutionID = execID.String
		if a.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, 0, storage.ScanError("anomalies.scan", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("anomalies.list", err)
	}
	return out, total, nil
}
