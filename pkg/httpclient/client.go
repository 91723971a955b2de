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

// Package httpclient builds http.Clients with retry, request logging,
// and sane transport defaults. The CLI uses it to talk to spined.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// New returns an http.Client assembled from cfg: a pooled TLS 1.2+
// transport, a logging layer that stamps User-Agent and X-Request-ID,
// and, when retries are enabled, an exponential-backoff retry layer.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	var rt http.RoundTripper = newLoggingTransport(base, cfg.UserAgent)
	if cfg.RetryAttempts > 0 {
		rt = newRetryTransport(rt, cfg)
	}

	return &http.Client{
		Transport: rt,
		Timeout:   cfg.Timeout,
	}, nil
}
