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

package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spinehq/spine/internal/registry"
)

const wfDoc = `
name: nightly
steps:
  - name: extract
    step_type: pipeline
    pipeline: extract_op
  - name: load
    step_type: pipeline
    pipeline: load_op
`

const wfDocUpdated = `
name: nightly
steps:
  - name: extract
    step_type: pipeline
    pipeline: extract_op
`

func testWatcher(t *testing.T) (*Watcher, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(dir, reg, logger), reg, dir
}

func TestLoadAll(t *testing.T) {
	w, reg, dir := testWatcher(t)

	if err := os.WriteFile(filepath.Join(dir, "nightly.yaml"), []byte(wfDoc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := w.LoadAll(); err != nil {
		t.Fatalf("load: %v", err)
	}
	wf, err := reg.Workflow("nightly")
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	if len(wf.Steps) != 2 {
		t.Errorf("steps = %d", len(wf.Steps))
	}
}

func TestLoadAll_BadFileReportedOthersLoaded(t *testing.T) {
	w, reg, dir := testWatcher(t)

	os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(wfDoc), 0o644)
	os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: broken\nsteps: []\n"), 0o644)

	if err := w.LoadAll(); err == nil {
		t.Error("expected the broken definition to surface an error")
	}
	if _, err := reg.Workflow("nightly"); err != nil {
		t.Errorf("good workflow should still load: %v", err)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	w, reg, dir := testWatcher(t)
	path := filepath.Join(dir, "nightly.yaml")
	os.WriteFile(path, []byte(wfDoc), 0o644)
	if err := w.LoadAll(); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(wfDocUpdated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		wf, err := reg.Workflow("nightly")
		if err == nil && len(wf.Steps) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("workflow was not reloaded")
		case <-time.After(50 * time.Millisecond):
		}
	}

	// A broken rewrite keeps the last good version.
	os.WriteFile(path, []byte(":::"), 0o644)
	time.Sleep(300 * time.Millisecond)
	wf, err := reg.Workflow("nightly")
	if err != nil || len(wf.Steps) != 1 {
		t.Errorf("previous version lost: wf=%v err=%v", wf, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch: %v", err)
	}
}
