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
	"fmt"
	"time"
)

// Category is the semantic classification attached to errors.
// The REST layer maps categories to HTTP status codes and the
// dispatcher records them against failed executions.
type Category string

const (
	// CategoryValidation covers malformed input, unknown enums, and
	// missing required fields.
	CategoryValidation Category = "VALIDATION"
	// CategoryNotFound covers references to absent resources.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryConflict covers unique-constraint breaches and
	// idempotency mismatches.
	CategoryConflict Category = "CONFLICT"
	// CategoryLockContention indicates a concurrency lock could not
	// be acquired.
	CategoryLockContention Category = "LOCK_CONTENTION"
	// CategoryTimeout indicates a step or workflow exceeded its deadline.
	CategoryTimeout Category = "TIMEOUT"
	// CategoryDataQuality indicates a quality-gate failure emitted
	// from a step.
	CategoryDataQuality Category = "DATA_QUALITY"
	// CategoryUnavailable indicates the underlying storage or an
	// external runtime is unreachable.
	CategoryUnavailable Category = "RUNTIME_UNAVAILABLE"
	// CategoryInternal is an unclassified failure from user code or
	// the framework itself.
	CategoryInternal Category = "INTERNAL"
)

// Categorized is implemented by errors that carry a semantic category.
type Categorized interface {
	error
	ErrorCategory() Category
}

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorCategory implements Categorized.
func (e *ValidationError) ErrorCategory() Category { return CategoryValidation }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "execution", "schedule", "workflow")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorCategory implements Categorized.
func (e *NotFoundError) ErrorCategory() Category { return CategoryNotFound }

// ConflictError represents unique-constraint breaches and idempotency
// mismatches surfaced by the repository layer.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// Reason explains the conflict
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s conflict: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConflictError) Unwrap() error { return e.Cause }

// ErrorCategory implements Categorized.
func (e *ConflictError) ErrorCategory() Category { return CategoryConflict }

// LockContentionError indicates a concurrency lock is held by another
// execution.
type LockContentionError struct {
	// Key is the lock key that could not be acquired
	Key string

	// Holder is the execution currently holding the lock, if known
	Holder string
}

// Error implements the error interface.
func (e *LockContentionError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %q held by execution %s", e.Key, e.Holder)
	}
	return fmt.Sprintf("lock %q is held by another execution", e.Key)
}

// ErrorCategory implements Categorized.
func (e *LockContentionError) ErrorCategory() Category { return CategoryLockContention }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "workflow step", "claim")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorCategory implements Categorized.
func (e *TimeoutError) ErrorCategory() Category { return CategoryTimeout }

// DataQualityError represents a failed quality gate.
type DataQualityError struct {
	// Check names the quality check that failed
	Check string

	// Reason explains the failure
	Reason string
}

// Error implements the error interface.
func (e *DataQualityError) Error() string {
	return fmt.Sprintf("quality check %s failed: %s", e.Check, e.Reason)
}

// ErrorCategory implements Categorized.
func (e *DataQualityError) ErrorCategory() Category { return CategoryDataQuality }

// UnavailableError indicates that storage or an external runtime is
// unreachable.
type UnavailableError struct {
	// Target is the unreachable system (e.g., "database")
	Target string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s unavailable: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("%s unavailable", e.Target)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *UnavailableError) Unwrap() error { return e.Cause }

// ErrorCategory implements Categorized.
func (e *UnavailableError) ErrorCategory() Category { return CategoryUnavailable }

// InternalError wraps an unclassified failure from user code or the
// framework.
type InternalError struct {
	// Operation describes what was being attempted
	Operation string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("internal error during %s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("internal error: %v", e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }

// ErrorCategory implements Categorized.
func (e *InternalError) ErrorCategory() Category { return CategoryInternal }
