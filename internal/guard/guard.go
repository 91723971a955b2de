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

// Package guard provides named mutual-exclusion locks backed by
// core_concurrency_locks. At most one live row exists per key; expired
// locks may be stolen.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
)

// Guard acquires and releases concurrency locks.
type Guard struct {
	locks *repo.Locks
	clock clock.Clock
	log   *slog.Logger
}

// New returns a Guard over the lock repository.
func New(locks *repo.Locks, clk clock.Clock, logger *slog.Logger) *Guard {
	return &Guard{locks: locks, clock: clk, log: logger}
}

// Acquire takes the lock for owner with the given TTL. It returns false
// when another live owner holds the key. Re-acquisition by the same
// owner refreshes the expiry.
func (g *Guard) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := g.clock.Now()
	expiresAt := now.Add(ttl)

	err := g.locks.Insert(ctx, &repo.ConcurrencyLock{
		LockKey:     key,
		ExecutionID: owner,
		AcquiredAt:  now,
		ExpiresAt:   expiresAt,
	})
	if err == nil {
		return true, nil
	}
	if !storage.IsConstraint(err) {
		return false, err
	}

	existing, err := g.locks.Get(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			// Holder released between insert and get; try once more.
			return g.Acquire(ctx, key, owner, ttl)
		}
		return false, err
	}

	if existing.ExecutionID == owner {
		_, err := g.locks.Extend(ctx, key, owner, expiresAt)
		return err == nil, err
	}

	if !existing.ExpiresAt.After(now) {
		stolen, err := g.locks.Steal(ctx, key, owner, now, expiresAt)
		if err != nil {
			return false, err
		}
		if stolen {
			g.log.Warn("stole expired lock",
				"lock_key", key, "previous_owner", existing.ExecutionID, "owner", owner)
		}
		return stolen, nil
	}
	return false, nil
}

// Release drops the lock when owner holds it. Missing rows are ignored.
func (g *Guard) Release(ctx context.Context, key, owner string) error {
	return g.locks.Delete(ctx, key, owner)
}

// Extend pushes the expiry forward for the current owner only.
func (g *Guard) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return g.locks.Extend(ctx, key, owner, g.clock.Now().Add(ttl))
}

// Holder returns the current owner of key, or "" when unheld or expired.
func (g *Guard) Holder(ctx context.Context, key string) (string, error) {
	l, err := g.locks.Get(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if !l.ExpiresAt.After(g.clock.Now()) {
		return "", nil
	}
	return l.ExecutionID, nil
}
