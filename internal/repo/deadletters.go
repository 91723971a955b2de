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
	"time"

	"github.com/spinehq/spine/internal/storage"
)

// DeadLetterFilter narrows dead-letter queries.
type DeadLetterFilter struct {
	Workflow   string
	Unresolved bool
	Limit      int
	Offset     int
}

// DeadLetters persists core_dead_letters.
type DeadLetters struct {
	db *storage.DB
}

// NewDeadLetters returns the dead-letter repository.
func NewDeadLetters(db *storage.DB) *DeadLetters { return &DeadLetters{db: db} }

const deadLetterCols = `id, execution_id, workflow, params, error, retry_count,
	max_retries, resolved_at, resolved_by, replay_count, created_at`

// Insert captures an exhausted failure.
func (r *DeadLetters) Insert(ctx context.Context, d *DeadLetter) (int64, error) {
	params, err := d.Params.Encode()
	if err != nil {
		return 0, err
	}
	res, err := r.db.Exec(ctx, `
		INSERT INTO core_dead_letters
			(execution_id, workflow, params, error, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		storage.NullString(d.ExecutionID), d.Workflow, params,
		storage.NullString(d.Error), d.RetryCount, d.MaxRetries,
		storage.FormatTime(d.CreatedAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// Get fetches one dead letter.
func (r *DeadLetters) Get(ctx context.Context, id int64) (*DeadLetter, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+deadLetterCols+` FROM core_dead_letters WHERE id = ?`, id)
	return scanDeadLetter(row.Scan)
}

// List returns dead letters newest first plus the filtered total.
func (r *DeadLetters) List(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, int, error) {
	where := storage.NewWhere().Eq("workflow", f.Workflow)
	if f.Unresolved {
		where.Null("resolved_at")
	}
	clause, args := where.Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_dead_letters`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("deadletters.count", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+deadLetterCols+` FROM core_dead_letters`+clause+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, append(args, ClampLimit(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("deadletters.list", err)
	}
	return out, total, nil
}

// MarkReplayed bumps replay_count after a successful resubmission.
func (r *DeadLetters) MarkReplayed(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_dead_letters SET replay_count = replay_count + 1
		WHERE id = ?`, id)
	return err
}

// Resolve records operator resolution; returns false when already
// resolved or missing.
func (r *DeadLetters) Resolve(ctx context.Context, id int64, resolvedBy string, now time.Time) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE core_dead_letters
		SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`,
		storage.FormatTime(now), resolvedBy, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanDeadLetter(scan func(...any) error) (*DeadLetter, error) {
	var (
		d                                   DeadLetter
		execID, params, errText, resolvedBy sql.NullString
		resolvedAt                          sql.NullString
		created                             string
	)
	err := scan(&d.ID, &execID, &d.Workflow, &params, &errText,
		&d.RetryCount, &d.MaxRetries, &resolvedAt, &resolvedBy,
		&d.ReplayCount, &created)
	if err != nil {
		return nil, storage.ScanError("deadletters.get", err)
	}
	d.ExecutionID = execID.String
	d.Error = errText.String
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = storage.TimeOf(resolvedAt)
	if d.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, storage.ScanError("deadletters.get", err)
	}
	if params.Valid {
		if d.Params, err = DecodeJSONMap([]byte(params.String)); err != nil {
			return nil, storage.ScanError("deadletters.get", err)
		}
	}
	return &d, nil
}
