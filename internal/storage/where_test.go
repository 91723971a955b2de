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
	"reflect"
	"testing"
)

func TestWhere_Empty(t *testing.T) {
	clause, args := NewWhere().Eq("workflow", "").Eq("status", nil).Clause()
	if clause != "" || args != nil {
		t.Errorf("empty builder produced %q / %v", clause, args)
	}
}

func TestWhere_Composes(t *testing.T) {
	clause, args := NewWhere().
		Eq("workflow", "finra.ingest").
		Eq("status", "").
		Eq("lane", "default").
		Lte("next_attempt_at", "2025-06-01T00:00:00.000Z").
		Clause()

	want := " WHERE workflow = ? AND lane = ? AND next_attempt_at <= ?"
	if clause != want {
		t.Errorf("clause = %q, want %q", clause, want)
	}
	wantArgs := []any{"finra.ingest", "default", "2025-06-01T00:00:00.000Z"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestWhere_In(t *testing.T) {
	clause, args := NewWhere().In("state", []string{"PENDING", "RETRY_WAIT"}).Clause()
	if clause != " WHERE state IN (?, ?)" {
		t.Errorf("clause = %q", clause)
	}
	if len(args) != 2 {
		t.Errorf("args = %v", args)
	}
	if c, _ := NewWhere().In("state", nil).Clause(); c != "" {
		t.Errorf("empty IN produced %q", c)
	}
}

func TestWhere_NullAndRaw(t *testing.T) {
	clause, args := NewWhere().
		Null("resolved_at").
		Raw("(expires_at <= ? OR execution_id = ?)", "now", "e1").
		Clause()
	if clause != " WHERE resolved_at IS NULL AND (expires_at <= ? OR execution_id = ?)" {
		t.Errorf("clause = %q", clause)
	}
	if len(args) != 2 {
		t.Errorf("args = %v", args)
	}
}
