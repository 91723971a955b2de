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
	"database/sql"
	"time"
)

// timeLayout is the canonical stored form: ISO-8601 UTC with millisecond
// precision, matching SQLite's strftime('%Y-%m-%dT%H:%M:%fZ').
const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical stored form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp, accepting both the canonical form
// and RFC 3339 variants written by PostgreSQL.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// NullString converts an optional string for binding. Empty means NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime converts an optional time for binding. Zero means NULL.
func NullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(t), Valid: true}
}

// TimeOf converts a scanned nullable timestamp back to a time.Time,
// returning the zero value for NULL or unparsable input.
func TimeOf(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
