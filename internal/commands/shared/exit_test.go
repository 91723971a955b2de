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
	"fmt"
	"testing"

	"github.com/spinehq/spine/pkg/errors"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", fmt.Errorf("boom"), ExitFailure},
		{"validation maps to usage", &errors.ValidationError{Field: "cron", Message: "bad"}, ExitUsage},
		{"not found is failure", &errors.NotFoundError{Resource: "run", ID: "x"}, ExitFailure},
		{"conflict is failure", &errors.ConflictError{Resource: "schedule", Reason: "dup"}, ExitFailure},
		{"explicit exit error", &ExitError{Code: ExitUsage, Message: "bad flag"}, ExitUsage},
		{"wrapped validation", fmt.Errorf("creating: %w", &errors.ValidationError{Field: "x", Message: "y"}), ExitUsage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExitCode(c.err); got != c.want {
				t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}
