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

// Sources persists core_sources.
type Sources struct {
	db *storage.DB
}

// NewSources returns the source repository.
func NewSources(db *storage.DB) *Sources { return &Sources{db: db} }

const sourceCols = `id, name, kind, url, enabled, last_fetch_at, last_status,
	created_at, updated_at`

// Create inserts a source definition.
func (r *Sources) Create(ctx context.Context, s *Source) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO core_sources (`+sourceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Kind, storage.NullString(s.URL), s.Enabled,
		storage.NullTime(s.LastFetchAt), storage.NullString(s.LastStatus),
		storage.FormatTime(s.CreatedAt), storage.FormatTime(s.UpdatedAt))
	return err
}

// Get fetches a source by id.
func (r *Sources) Get(ctx context.Context, id string) (*Source, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sourceCols+` FROM core_sources WHERE id = ?`, id)
	return scanSource(row.Scan)
}

// GetByName fetches a source by its unique name.
func (r *Sources) GetByName(ctx context.Context, name string) (*Source, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sourceCols+` FROM core_sources WHERE name = ?`, name)
	return scanSource(row.Scan)
}

// List returns all sources by name.
func (r *Sources) List(ctx context.Context, enabledOnly bool) ([]*Source, error) {
	where := storage.NewWhere()
	if enabledOnly {
		where.Raw("enabled = ?", true)
	}
	clause, args := where.Clause()

	rows, err := r.db.Query(ctx, `
		SELECT `+sourceCols+` FROM core_sources`+clause+`
		ORDER BY name ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		s, err := scanSource(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ScanError("sources.list", err)
	}
	return out, nil
}

// Update rewrites the mutable definition fields of a source.
func (r *Sources) Update(ctx context.Context, s *Source) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE core_sources
		SET name = ?, kind = ?, url = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, s.Kind, storage.NullString(s.URL), s.Enabled,
		storage.FormatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordFetch stamps the outcome of the latest fetch attempt.
func (r *Sources) RecordFetch(ctx context.Context, id, status string, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_sources
		SET last_fetch_at = ?, last_status = ?, updated_at = ?
		WHERE id = ?`,
		storage.FormatTime(now), status, storage.FormatTime(now), id)
	return err
}

// Delete removes a source.
func (r *Sources) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.Exec(ctx, `DELETE FROM core_sources WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanSource(scan func(...any) error) (*Source, error) {
	var (
		s                Source
		url, lastStatus  sql.NullString
		lastFetch        sql.NullString
		created, updated string
	)
	err := scan(&s.ID, &s.Name, &s.Kind, &url, &s.Enabled, &lastFetch,
		&lastStatus, &created, &updated)
	if err != nil {
		return nil, storage.ScanError("sources.get", err)
	}
	s.URL = url.String
	s.LastStatus = lastStatus.String
	s.LastFetchAt = storage.TimeOf(lastFetch)
	if s.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, storage.ScanError("sources.get", err)
	}
	if s.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, storage.ScanError("sources.get", err)
	}
	return &s, nil
}
