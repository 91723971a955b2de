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
	"fmt"
	"strings"
)

// Dialect answers the per-backend SQL questions: placeholder style,
// identifier quoting, and upsert syntax.
type Dialect interface {
	// Name returns the dialect identifier ("sqlite" or "postgres").
	Name() string

	// Placeholder returns the parameter marker for 1-based position n.
	Placeholder(n int) string

	// Rebind converts a query written with `?` markers into the
	// dialect's placeholder style. String literals must not contain `?`.
	Rebind(query string) string

	// QuoteIdent quotes a table or column identifier.
	QuoteIdent(ident string) string

	// UpsertClause returns the ON CONFLICT clause updating updateCols
	// when conflictCols collide.
	UpsertClause(conflictCols, updateCols []string) string

	// Now returns the SQL expression for the current UTC timestamp.
	Now() string
}

// SQLite implements Dialect for modernc.org/sqlite.
type SQLite struct{}

// Name implements Dialect.
func (SQLite) Name() string { return "sqlite" }

// Placeholder implements Dialect. SQLite uses positional `?`.
func (SQLite) Placeholder(int) string { return "?" }

// Rebind implements Dialect; the canonical form is already SQLite's.
func (SQLite) Rebind(query string) string { return query }

// QuoteIdent implements Dialect.
func (SQLite) QuoteIdent(ident string) string { return `"` + ident + `"` }

// UpsertClause implements Dialect.
func (SQLite) UpsertClause(conflictCols, updateCols []string) string {
	return upsertClause(conflictCols, updateCols)
}

// Now implements Dialect. Timestamps are ISO-8601 UTC text on SQLite.
func (SQLite) Now() string { return "strftime('%Y-%m-%dT%H:%M:%fZ','now')" }

// Postgres implements Dialect for lib/pq.
type Postgres struct{}

// Name implements Dialect.
func (Postgres) Name() string { return "postgres" }

// Placeholder implements Dialect. PostgreSQL uses numbered `$n`.
func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// Rebind implements Dialect.
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// QuoteIdent implements Dialect.
func (Postgres) QuoteIdent(ident string) string { return `"` + ident + `"` }

// UpsertClause implements Dialect. SQLite and PostgreSQL share the
// ON CONFLICT ... DO UPDATE form.
func (Postgres) UpsertClause(conflictCols, updateCols []string) string {
	return upsertClause(conflictCols, updateCols)
}

// Now implements Dialect.
func (Postgres) Now() string { return "now() at time zone 'utc'" }

func upsertClause(conflictCols, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(conflictCols, ", "), strings.Join(sets, ", "))
}
