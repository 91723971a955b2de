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

package shared

import (
	goerrors "errors"
	"fmt"
	"os"

	"github.com/spinehq/spine/pkg/errors"
)

// Exit codes for the spine CLI.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitError carries an explicit exit code through cobra.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// NewUsageError flags bad arguments or flags.
func NewUsageError(msg string) *ExitError {
	return &ExitError{Code: ExitUsage, Message: msg}
}

// ExitCode maps an error to the CLI exit code. Validation failures are
// usage errors; everything else is a plain failure.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if goerrors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.CategoryOf(err) == errors.CategoryValidation {
		return ExitUsage
	}
	return ExitFailure
}

// HandleExitError prints err with any suggestion and exits.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	var verr *errors.ValidationError
	if goerrors.As(err, &verr) && verr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", verr.Suggestion)
	}
	os.Exit(ExitCode(err))
}
