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

package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	spineconfig "github.com/spinehq/spine/internal/config"
)

func TestRenderConfig_Env(t *testing.T) {
	var buf bytes.Buffer
	if err := renderConfig(&buf, spineconfig.Default(), "env"); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "SPINE_DB_URL=sqlite://spine.db\n") {
		t.Errorf("missing db url line:\n%s", out)
	}
	if !strings.Contains(out, "SPINE_API_PORT=8484\n") {
		t.Errorf("missing api port line:\n%s", out)
	}
}

func TestRenderConfig_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := renderConfig(&buf, spineconfig.Default(), "json"); err != nil {
		t.Fatalf("render: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["SPINE_ENABLE_DLQ"] != "true" {
		t.Errorf("SPINE_ENABLE_DLQ = %q", data["SPINE_ENABLE_DLQ"])
	}
}

func TestRenderConfig_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := renderConfig(&buf, spineconfig.Default(), "yaml"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}
