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
	"net/url"
	"strings"
)

// Query parameter names redacted from logged URLs, matched
// case-insensitively as substrings.
var sensitiveParams = []string{
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
}

func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	for param := range q {
		if sensitiveParam(param) {
			q.Set(param, "[REDACTED]")
		}
	}
	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}

func sensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
