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
	"database/sql"
	"errors"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite://:memory:", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := Open("mysql://localhost/db", Options{})
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	row := db.QueryRow(ctx, `SELECT COUNT(*) FROM _migrations`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("ledger has %d rows, want %d", count, len(migrations))
	}
}

func TestExecQuery_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := FormatTime(time.Now())
	_, err := db.Exec(ctx, `
		INSERT INTO core_executions (id, workflow, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		"exec-1", "demo.echo", "PENDING", now, now)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var workflow, status string
	row := db.QueryRow(ctx, `SELECT workflow, status FROM core_executions WHERE id = ?`, "exec-1")
	if err := row.Scan(&workflow, &status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if workflow != "demo.echo" || status != "PENDING" {
		t.Errorf("got %s/%s", workflow, status)
	}
}

func TestTranslate_NotFound(t *testing.T) {
	err := ScanError("get", sql.ErrNoRows)
	if !IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestTranslate_Constraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := FormatTime(time.Now())
	ins := `INSERT INTO core_executions (id, workflow, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.Exec(ctx, ins, "dup", "w", "PENDING", now, now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.Exec(ctx, ins, "dup", "w", "PENDING", now, now)
	if !IsConstraint(err) {
		t.Errorf("expected CONSTRAINT, got %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	boom := errors.New("boom")
	now := FormatTime(time.Now())
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO core_executions (id, workflow, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			"tx-1", "w", "PENDING", now, now); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var count int
	row := db.QueryRow(ctx, `SELECT COUNT(*) FROM core_executions WHERE id = ?`, "tx-1")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Errorf("row survived rollback")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 123_000_000, time.UTC)
	s := FormatTime(now)
	if s != "2025-06-01T12:30:45.123Z" {
		t.Errorf("format = %q", s)
	}
	back, err := ParseTime(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.Equal(now) {
		t.Errorf("round trip lost precision: %v != %v", back, now)
	}
	// PostgreSQL writes RFC 3339 with offset.
	if _, err := ParseTime("2025-06-01T12:30:45.123456+00:00"); err != nil {
		t.Errorf("rfc3339 parse: %v", err)
	}
}
