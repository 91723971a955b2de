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

package guard

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
)

func testGuard(t *testing.T) (*Guard, *clock.Fake) {
	t.Helper()
	db, err := storage.Open("sqlite://:memory:", storage.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo.NewLocks(db), clk, logger), clk
}

func TestAcquire_Exclusive(t *testing.T) {
	g, _ := testGuard(t)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "k", "e1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = g.Acquire(ctx, "k", "e2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}

	holder, err := g.Holder(ctx, "k")
	if err != nil || holder != "e1" {
		t.Errorf("holder = %q err=%v", holder, err)
	}
}

func TestAcquire_SameOwnerRefreshes(t *testing.T) {
	g, clk := testGuard(t)
	ctx := context.Background()

	if ok, _ := g.Acquire(ctx, "k", "e1", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}
	clk.Advance(30 * time.Second)
	ok, err := g.Acquire(ctx, "k", "e1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-acquire: ok=%v err=%v", ok, err)
	}
	// Refresh pushed expiry past the original minute.
	clk.Advance(45 * time.Second)
	holder, _ := g.Holder(ctx, "k")
	if holder != "e1" {
		t.Errorf("holder after refresh = %q", holder)
	}
}

func TestAcquire_StealExpired(t *testing.T) {
	g, clk := testGuard(t)
	ctx := context.Background()

	if ok, _ := g.Acquire(ctx, "k", "e1", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}
	clk.Advance(2 * time.Minute)

	ok, err := g.Acquire(ctx, "k", "e2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("steal: ok=%v err=%v", ok, err)
	}
	holder, _ := g.Holder(ctx, "k")
	if holder != "e2" {
		t.Errorf("holder = %q", holder)
	}
}

func TestRelease_ThenReacquire(t *testing.T) {
	g, _ := testGuard(t)
	ctx := context.Background()

	g.Acquire(ctx, "k", "e1", time.Minute)
	// Release by a non-owner is a no-op.
	if err := g.Release(ctx, "k", "e2"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if holder, _ := g.Holder(ctx, "k"); holder != "e1" {
		t.Errorf("holder after foreign release = %q", holder)
	}

	if err := g.Release(ctx, "k", "e1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err := g.Acquire(ctx, "k", "e2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
}

func TestExtend_OnlyOwner(t *testing.T) {
	g, _ := testGuard(t)
	ctx := context.Background()

	g.Acquire(ctx, "k", "e1", time.Minute)
	if ok, _ := g.Extend(ctx, "k", "e2", time.Hour); ok {
		t.Error("non-owner extend succeeded")
	}
	if ok, _ := g.Extend(ctx, "k", "e1", time.Hour); !ok {
		t.Error("owner extend failed")
	}
}
