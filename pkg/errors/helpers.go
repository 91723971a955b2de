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
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// CategoryOf walks err's tree and returns the category of the first
// Categorized error found. Uncategorized errors are INTERNAL.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var categorized Categorized
	if errors.As(err, &categorized) {
		return categorized.ErrorCategory()
	}
	return CategoryInternal
}

// Internal wraps err as an InternalError for the given operation.
// If err is nil, returns nil.
func Internal(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Operation: operation, Cause: err}
}
