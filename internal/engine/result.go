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

package engine

import (
	"fmt"

	"github.com/spinehq/spine/pkg/errors"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Success        bool            `json:"success"`
	Output         map[string]any  `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorCategory  errors.Category `json:"error_category,omitempty"`
	ContextUpdates map[string]any  `json:"context_updates,omitempty"`
	NextStep       string          `json:"next_step,omitempty"`
	Quality        map[string]any  `json:"quality,omitempty"`
}

// OK returns a successful result with the given output.
func OK(output map[string]any) *StepResult {
	return &StepResult{Success: true, Output: output}
}

// Fail returns a failed result.
func Fail(message string, category errors.Category) *StepResult {
	return &StepResult{Success: false, Error: message, ErrorCategory: category}
}

// ResultFrom coerces an arbitrary handler return value into a
// StepResult. Coercion is idempotent: feeding a StepResult back
// through returns it unchanged.
func ResultFrom(v any) *StepResult {
	switch val := v.(type) {
	case nil:
		return OK(nil)
	case *StepResult:
		return val
	case StepResult:
		return &val
	case bool:
		if val {
			return OK(nil)
		}
		return Fail("handler returned false", errors.CategoryInternal)
	case string:
		return OK(map[string]any{"message": val})
	case int:
		return OK(map[string]any{"value": val})
	case int64:
		return OK(map[string]any{"value": val})
	case float64:
		return OK(map[string]any{"value": val})
	case map[string]any:
		return OK(val)
	default:
		return OK(map[string]any{"result": val})
	}
}

// resultFromError wraps a handler error, preserving its category when
// it carries one.
func resultFromError(err error) *StepResult {
	category := errors.CategoryOf(err)
	return Fail(err.Error(), category)
}

// resultFromPanic converts a recovered panic into a failed result.
func resultFromPanic(r any) *StepResult {
	return Fail(fmt.Sprintf("handler panic: %v", r), errors.CategoryInternal)
}
