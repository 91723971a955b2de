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

// Package watcher hot-reloads workflow definitions from a directory of
// YAML files. A bad file is logged and skipped; the registry keeps the
// last good version.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/registry"
)

// Watcher loads workflow YAML from one directory and keeps the registry
// in sync as files change.
type Watcher struct {
	dir      string
	registry *registry.Registry
	log      *slog.Logger

	// byFile remembers which workflow each file defined so renames and
	// rewrites replace the right entry.
	byFile map[string]string
}

// New returns a Watcher over dir.
func New(dir string, reg *registry.Registry, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, registry: reg, log: logger, byFile: map[string]string{}}
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// LoadAll parses every workflow file in the directory and registers it.
// The first parse error is returned after the remaining files load, so
// startup surfaces broken definitions without dropping good ones.
func (w *Watcher) LoadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read workflow dir %s: %w", w.dir, err)
	}

	var firstErr error
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		if err := w.loadFile(filepath.Join(w.dir, entry.Name())); err != nil {
			w.log.Error("workflow load failed", "file", entry.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		loaded++
	}
	w.log.Info("workflows loaded", "dir", w.dir, "count", loaded)
	return firstErr
}

// loadFile parses one file and replaces its workflow in the registry.
func (w *Watcher) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	wf, err := engine.ParseWorkflowYAML(raw)
	if err != nil {
		return err
	}
	if err := w.registry.ReplaceWorkflow(wf); err != nil {
		return err
	}
	w.byFile[path] = wf.Name
	return nil
}

// Watch blocks until ctx ends, reloading files as they change. Create
// and Write events re-parse the file; a parse failure keeps the
// previously registered version.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("workflow watcher started", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("workflow watcher stopped", "dir", w.dir)
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isWorkflowFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if err := w.loadFile(event.Name); err != nil {
					w.log.Error("workflow reload failed, keeping previous version",
						"file", filepath.Base(event.Name), "error", err)
					continue
				}
				w.log.Info("workflow reloaded",
					"file", filepath.Base(event.Name), "workflow", w.byFile[event.Name])
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("workflow watcher error", "error", err)
		}
	}
}
