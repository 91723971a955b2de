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

// Alerts persists core_alerts.
type Alerts struct {
	db *storage.DB
}

// NewAlerts returns the alert repository.
func NewAlerts(db *storage.DB) *Alerts { return &Alerts{db: db} }

// Insert creates an alert row and returns its id.
func (r *Alerts) Insert(ctx context.Context, a *Alert) (int64, error) {
	res, err := r.db.Exec(ctx, `
		INSERT INTO core_alerts (name, severity, message, source, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.Name, a.Severity, storage.NullString(a.Message),
		storage.NullString(a.Source), storage.FormatTime(a.CreatedAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// Get fetches one alert.
func (r *Alerts) Get(ctx context.Context, id int64) (*Alert, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, severity, message, source, acknowledged_at,
		       acknowledged_by, created_at
		FROM core_alerts WHERE id = ?`, id)
	return scanAlert(row.Scan)
}

// List returns alerts newest first plus the filtered total.
func (r *Alerts) List(ctx context.Context, severity string, unacknowledged bool, limit, offset int) ([]*Alert, int, error) {
	where := storage.NewWhere().Eq("severity", severity)
	if unacknowledged {
		where.Null("acknowledged_at")
	}
	clause, args := where.Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_alerts`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("alerts.count", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, name, severity, message, source, acknowledged_at,
		       acknowledged_by, created_at
		FROM core_alerts`+clause+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, append(args, ClampLimit(limit), offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("alerts.list", err)
	}
	return out, total, nil
}

// Acknowledge records operator acknowledgement; false when already done.
func (r *Alerts) Acknowledge(ctx context.Context, id int64, by string, now time.Time) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE core_alerts
		SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL`,
		storage.FormatTime(now), by, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes an alert.
func (r *Alerts) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.Exec(ctx, `DELETE FROM core_alerts WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanAlert(scan func(...any) error) (*Alert, error) {
	var (
		a                      Alert
		message, source, ackBy sql.NullString
		ackAt                  sql.NullString
		created                string
	)
	err := scan(&a.ID, &a.Name, &a.Severity, &message, &source, &ackAt, &ackBy, &created)
	if err != nil {
		return nil, storage.ScanError("alerts.get", err)
	}
	a.Message = message.String
	a.Source = source.String
	a.AcknowledgedBy = ackBy.String
	a.AcknowledgedAt = storage.TimeOf(ackAt)
	if a.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, storage.ScanError("alerts.get", err)
	}
	return &a, nil
}
