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

package tracing

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestProvider_ExportsExecutionSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(Config{
		Enabled:     true,
		ServiceName: "spined-test",
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	ctx, span := StartExecution(context.Background(), "ingest_daily", "exec-1", "API")
	_ = ctx
	End(span, nil)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "execution.run") {
		t.Errorf("exported spans missing execution.run: %s", out)
	}
	if !strings.Contains(out, "ingest_daily") {
		t.Errorf("exported spans missing workflow attribute")
	}
}

func TestProvider_ErrorStatusRecorded(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(Config{Enabled: true, ServiceName: "spined-test", Writer: &buf})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	_, span := StartStep(context.Background(), "run-1", "extract", "lambda")
	End(span, fmt.Errorf("upstream unavailable"))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "upstream unavailable") {
		t.Error("recorded error missing from export")
	}
}

func TestProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	_, span := StartExecution(context.Background(), "wf", "exec", "API")
	End(span, nil)

	if err := p.ForceFlush(context.Background()); err != nil {
		t.Errorf("flush: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
