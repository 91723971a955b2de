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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"validation", &ValidationError{Field: "name", Message: "required"}, CategoryValidation},
		{"not found", &NotFoundError{Resource: "execution", ID: "x"}, CategoryNotFound},
		{"conflict", &ConflictError{Resource: "work_item", Reason: "duplicate"}, CategoryConflict},
		{"lock contention", &LockContentionError{Key: "k"}, CategoryLockContention},
		{"timeout", &TimeoutError{Operation: "step", Duration: time.Second}, CategoryTimeout},
		{"data quality", &DataQualityError{Check: "row_count", Reason: "zero rows"}, CategoryDataQuality},
		{"unavailable", &UnavailableError{Target: "database"}, CategoryUnavailable},
		{"internal", &InternalError{Operation: "handler", Cause: stderrors.New("boom")}, CategoryInternal},
		{"plain error", stderrors.New("boom"), CategoryInternal},
		{"nil", nil, Category("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategoryOf_Wrapped(t *testing.T) {
	inner := &NotFoundError{Resource: "schedule", ID: "s1"}
	wrapped := fmt.Errorf("evaluating schedule: %w", inner)

	if got := CategoryOf(wrapped); got != CategoryNotFound {
		t.Errorf("CategoryOf(wrapped) = %q, want %q", got, CategoryNotFound)
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
	if Internal("op", nil) != nil {
		t.Error("Internal(nil) should return nil")
	}
}

func TestUnwrapChains(t *testing.T) {
	cause := stderrors.New("root")
	tests := []struct {
		name string
		err  error
	}{
		{"conflict", &ConflictError{Reason: "dup", Cause: cause}},
		{"timeout", &TimeoutError{Operation: "op", Cause: cause}},
		{"unavailable", &UnavailableError{Target: "db", Cause: cause}},
		{"internal", &InternalError{Operation: "op", Cause: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !stderrors.Is(tt.err, cause) {
				t.Errorf("%s should unwrap to cause", tt.name)
			}
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	withField := &ValidationError{Field: "cron_expression", Message: "unparseable"}
	if withField.Error() != "validation failed on cron_expression: unparseable" {
		t.Errorf("unexpected message: %s", withField.Error())
	}

	withoutField := &ValidationError{Message: "bad payload"}
	if withoutField.Error() != "validation failed: bad payload" {
		t.Errorf("unexpected message: %s", withoutField.Error())
	}
}
