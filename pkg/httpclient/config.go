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

package httpclient

import (
	"fmt"
	"time"
)

// Config controls client construction.
type Config struct {
	// Timeout bounds one request end to end, retries included.
	Timeout time.Duration

	// RetryAttempts is how many retries follow the first try. Zero
	// disables the retry layer.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry; each retry
	// doubles it up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// UserAgent is stamped on every request that does not set its own.
	UserAgent string

	// RetryMutations also retries POST/PUT/PATCH/DELETE. Leave off
	// unless the server deduplicates by idempotency key.
	RetryMutations bool
}

// DefaultConfig returns the settings the spine CLI ships with.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     "spine-client/1.0",
	}
}

// Validate rejects configs the transport stack cannot honor.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retries are enabled")
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
