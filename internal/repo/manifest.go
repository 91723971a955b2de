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

// Manifest persists the core_manifest readiness breadcrumbs and the
// append-only core_rejects audit trail.
type Manifest struct {
	db *storage.DB
}

// NewManifest returns the manifest repository.
func NewManifest(db *storage.DB) *Manifest { return &Manifest{db: db} }

// Upsert records or advances a partition stage. Rows are never deleted.
func (r *Manifest) Upsert(ctx context.Context, m *ManifestRow) error {
	upsert := r.db.Dialect().UpsertClause(
		[]string{"domain", "partition_key", "stage"},
		[]string{"stage_rank", "row_count", "execution_id", "batch_id", "updated_at"},
	)
	_, err := r.db.Exec(ctx, `
		INSERT INTO core_manifest
			(domain, partition_key, stage, stage_rank, row_count, execution_id, batch_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) `+upsert,
		m.Domain, m.PartitionKey, m.Stage, m.StageRank, m.RowCount,
		storage.NullString(m.ExecutionID), storage.NullString(m.BatchID),
		storage.FormatTime(m.UpdatedAt))
	return err
}

// List returns manifest rows for a domain (and optionally one partition)
// ordered by partition then stage_rank.
func (r *Manifest) List(ctx context.Context, domain, partitionKey string) ([]*ManifestRow, error) {
	clause, args := storage.NewWhere().
		Eq("domain", domain).
		Eq("partition_key", partitionKey).
		Clause()

	rows, err := r.db.Query(ctx, `
		SELECT domain, partition_key, stage, stage_rank, row_count,
		       execution_id, batch_id, updated_at
		FROM core_manifest`+clause+`
		ORDER BY domain, partition_key, stage_rank`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ManifestRow
	for rows.Next() {
		var (
			m               ManifestRow
			execID, batchID sql.NullString
			updated         string
		)
		if err := rows.Scan(&m.Domain, &m.PartitionKey, &m.Stage, &m.StageRank,
			&m.RowCount, &execID, &batchID, &updated); err != nil {
			return nil, storage.ScanError("manifest.scan", err)
		}
		m.ExecutionID = execID.String
		m.BatchID = batchID.String
		if m.UpdatedAt, err = storage.ParseTime(updated); err != nil {
			return nil, storage.ScanError("manifest.scan", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ScanError("manifest.list", err)
	}
	return out, nil
}

// LatestStage returns the highest stage_rank recorded for a partition,
// or -1 when the partition has no manifest rows yet.
func (r *Manifest) LatestStage(ctx context.Context, domain, partitionKey string) (int, error) {
	var rank sql.NullInt64
	row := r.db.QueryRow(ctx, `
		SELECT MAX(stage_rank) FROM core_manifest
		WHERE domain = ? AND partition_key = ?`, domain, partitionKey)
	if err := row.Scan(&rank); err != nil {
		return 0, storage.ScanError("manifest.latest", err)
	}
	if !rank.Valid {
		return -1, nil
	}
	return int(rank.Int64), nil
}

// InsertReject appends one quality-failure audit row.
func (r *Manifest) InsertReject(ctx context.Context, rej *Reject) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO core_rejects
			(domain, partition_key, stage, reason_code, reason_detail, raw_json, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rej.Domain, rej.PartitionKey, rej.Stage, rej.ReasonCode,
		storage.NullString(rej.ReasonDetail), storage.NullString(rej.RawJSON),
		storage.NullString(rej.ExecutionID), storage.FormatTime(rej.CreatedAt))
	return err
}

// ListRejects returns rejects newest first plus the filtered total.
func (r *Manifest) ListRejects(ctx context.Context, domain, stage string, limit, offset int) ([]*Reject, int, error) {
	clause, args := storage.NewWhere().
		Eq("domain", domain).
		Eq("stage", stage).
		Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_rejects`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("rejects.count", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, domain, partition_key, stage, reason_code, reason_detail,
		       raw_json, execution_id, created_at
		FROM core_rejects`+clause+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, append(args, ClampLimit(limit), offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Reject
	for rows.Next() {
		var (
			rej                 Reject
			detail, raw, execID sql.NullString
			created             string
		)
		if err := rows.Scan(&rej.ID, &rej.Domain, &rej.PartitionKey, &rej.Stage,
			&rej.ReasonCode, &detail, &raw, &execID, &created); err != nil {
			return nil, 0, storage.ScanError("rejects.scan", err)
		}
		rej.ReasonDetail = detail.String
		rej.RawJSON = raw.String
		rej.ExecutionID = execID.String
		if rej.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, 0, storage.ScanError("rejects.scan", err)
		}
		out = append(out, &rej)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("rejects.list", err)
	}
	return out, total, nil
}
