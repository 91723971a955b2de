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

import "strings"

// Where composes a WHERE clause from optional conditions, skipping
// zero-valued filters so repositories can pass every filter through
// unconditionally. Conditions use canonical `?` placeholders.
type Where struct {
	conds []string
	args  []any
}

// NewWhere returns an empty WHERE builder.
func NewWhere() *Where { return &Where{} }

// Eq adds `col = ?` when value is a non-zero string or non-nil value.
func (w *Where) Eq(col string, value any) *Where {
	if s, ok := value.(string); ok && s == "" {
		return w
	}
	if value == nil {
		return w
	}
	w.conds = append(w.conds, col+" = ?")
	w.args = append(w.args, value)
	return w
}

// Lte adds `col <= ?` when value is non-nil.
func (w *Where) Lte(col string, value any) *Where {
	if value == nil {
		return w
	}
	w.conds = append(w.conds, col+" <= ?")
	w.args = append(w.args, value)
	return w
}

// Gte adds `col >= ?` when value is non-nil.
func (w *Where) Gte(col string, value any) *Where {
	if value == nil {
		return w
	}
	w.conds = append(w.conds, col+" >= ?")
	w.args = append(w.args, value)
	return w
}

// In adds `col IN (?, …)` when values is non-empty.
func (w *Where) In(col string, values []string) *Where {
	if len(values) == 0 {
		return w
	}
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		w.args = append(w.args, v)
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(marks, ", ")+")")
	return w
}

// Null adds `col IS NULL`.
func (w *Where) Null(col string) *Where {
	w.conds = append(w.conds, col+" IS NULL")
	return w
}

// Raw adds a literal condition with its arguments. The condition must
// use `?` placeholders and never interpolate caller values.
func (w *Where) Raw(cond string, args ...any) *Where {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
	return w
}

// Clause returns " WHERE …" (or "" when no conditions) and the arguments.
func (w *Where) Clause() (string, []any) {
	if len(w.conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.conds, " AND "), w.args
}
