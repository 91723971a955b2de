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
	"time"

	"github.com/spinehq/spine/internal/storage"
)

// Locks persists core_concurrency_locks. The acquire/steal/extend logic
// lives in the guard package; this layer only issues the conditional
// statements it needs.
type Locks struct {
	db *storage.DB
}

// NewLocks returns the lock repository.
func NewLocks(db *storage.DB) *Locks { return &Locks{db: db} }

// Insert attempts to create the lock row. A CONSTRAINT error means the
// key is already held.
func (r *Locks) Insert(ctx context.Context, l *ConcurrencyLock) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO core_concurrency_locks (lock_key, execution_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		l.LockKey, l.ExecutionID,
		storage.FormatTime(l.AcquiredAt), storage.FormatTime(l.ExpiresAt))
	return err
}

// Get fetches the lock row for key.
func (r *Locks) Get(ctx context.Context, key string) (*ConcurrencyLock, error) {
	var (
		l                 ConcurrencyLock
		acquired, expires string
	)
	row := r.db.QueryRow(ctx, `
		SELECT lock_key, execution_id, acquired_at, expires_at
		FROM core_concurrency_locks WHERE lock_key = ?`, key)
	if err := row.Scan(&l.LockKey, &l.ExecutionID, &acquired, &expires); err != nil {
		return nil, storage.ScanError("locks.get", err)
	}
	var err error
	if l.AcquiredAt, err = storage.ParseTime(acquired); err != nil {
		return nil, storage.ScanError("locks.get", err)
	}
	if l.ExpiresAt, err = storage.ParseTime(expires); err != nil {
		return nil, storage.ScanError("locks.get", err)
	}
	return &l, nil
}

// Steal atomically takes over an expired lock. Returns true when the
// caller now holds the key.
func (r *Locks) Steal(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE core_concurrency_locks
		SET execution_id = ?, acquired_at = ?, expires_at = ?
		WHERE lock_key = ? AND expires_at <= ?`,
		owner, storage.FormatTime(now), storage.FormatTime(expiresAt),
		key, storage.FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Extend refreshes expires_at only for the current owner.
func (r *Locks) Extend(ctx context.Context, key, owner string, expiresAt time.Time) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE core_concurrency_locks
		SET expires_at = ?
		WHERE lock_key = ? AND execution_id = ?`,
		storage.FormatTime(expiresAt), key, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete releases the lock when held by owner. Missing rows are fine.
func (r *Locks) Delete(ctx context.Context, key, owner string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM core_concurrency_locks
		WHERE lock_key = ? AND execution_id = ?`, key, owner)
	return err
}
