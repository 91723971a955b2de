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
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// retryTransport retries transient failures with exponential backoff
// and jitter. Only safe methods are retried unless RetryMutations is
// set.
type retryTransport struct {
	base           http.RoundTripper
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	retryMutations bool
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:           base,
		maxAttempts:    cfg.RetryAttempts + 1,
		baseBackoff:    cfg.RetryBackoff,
		maxBackoff:     cfg.MaxBackoff,
		retryMutations: cfg.RetryMutations,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.safeMethod(req.Method) && !t.retryMutations {
		return t.base.RoundTrip(req)
	}

	var lastErr error
	var lastResp *http.Response

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := t.backoff(attempt - 1)
			if lastResp != nil {
				if ra := retryAfter(lastResp); ra > 0 && ra < delay {
					delay = ra
				}
			}
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		resp, err := t.base.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !retryableError(err) {
			return nil, err
		}

		lastErr = err
		lastResp = resp
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func (t *retryTransport) safeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return retryableError(urlErr.Err)
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network unreachable",
		"eof",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// backoff returns baseBackoff * 2^(attempt-1), capped, plus up to 20%
// jitter.
func (t *retryTransport) backoff(attempt int) time.Duration {
	d := float64(t.baseBackoff) * math.Pow(2, float64(attempt-1))
	if d > float64(t.maxBackoff) {
		d = float64(t.maxBackoff)
	}
	return time.Duration(d + rand.Float64()*d*0.2)
}

// retryAfter honors a Retry-After header in either seconds or
// HTTP-date form.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
