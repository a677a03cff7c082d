// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecayFactor(t *testing.T) {
	assert.Equal(t, 1.0, decayFactor(0))
	assert.Equal(t, 1.0, decayFactor(-time.Hour))
	assert.InDelta(t, 0.5, decayFactor(24*time.Hour), 1e-9)
	assert.InDelta(t, 0.25, decayFactor(48*time.Hour), 1e-9)
}

func TestObserveAccumulates(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Observe(ctx, map[string]int{"h1": 10}))
	require.NoError(t, r.Observe(ctx, map[string]int{"h1": 5, "h2": 1}))

	p, err := r.PrevalenceOf(ctx, "h1")
	require.NoError(t, err)
	assert.InDelta(t, 15, p, 0.01)

	p, err = r.PrevalenceOf(ctx, "h2")
	require.NoError(t, err)
	assert.InDelta(t, 1, p, 0.01)
}

func TestPrevalenceDecaysAtRead(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Observe(ctx, map[string]int{"h1": 100}))

	r.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	p, err := r.PrevalenceOf(ctx, "h1")
	require.NoError(t, err)
	assert.InDelta(t, 50, p, 0.1)
}

func TestObserveDecaysBeforeAdding(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Observe(ctx, map[string]int{"h1": 100}))

	// A day later the stored 100 has halved before the new 10 lands.
	r.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	require.NoError(t, r.Observe(ctx, map[string]int{"h1": 10}))

	p, err := r.PrevalenceOf(ctx, "h1")
	require.NoError(t, err)
	assert.InDelta(t, 60, p, 0.1)
}

func TestNovelty(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	n, err := r.Novelty(ctx, "never-seen")
	require.NoError(t, err)
	assert.Equal(t, 1.0, n)

	require.NoError(t, r.Observe(ctx, map[string]int{"half": 500}))
	n, err = r.Novelty(ctx, "half")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, n, 0.01)

	require.NoError(t, r.Observe(ctx, map[string]int{"flood": 5000}))
	n, err = r.Novelty(ctx, "flood")
	require.NoError(t, err)
	assert.Equal(t, 0.0, n)
}

func TestTouchPromotedResetsClock(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Observe(ctx, map[string]int{"h1": 100}))

	later := time.Now().Add(24 * time.Hour)
	r.now = func() time.Time { return later }
	require.NoError(t, r.TouchPromoted(ctx, "h1"))

	// Touch moved updated_at forward, so no further decay is applied
	// even though the counter itself was written a day ago.
	p, err := r.PrevalenceOf(ctx, "h1")
	require.NoError(t, err)
	assert.InDelta(t, 100, p, 0.1)
}

func TestPrunePrevalence(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Observe(ctx, map[string]int{"big": 1000, "tiny": 1}))

	// After a week the tiny counter has decayed below any useful floor.
	r.now = func() time.Time { return time.Now().Add(7 * 24 * time.Hour) }
	pruned, err := r.PrunePrevalence(ctx, 0.01)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	p, err := r.PrevalenceOf(ctx, "big")
	require.NoError(t, err)
	assert.Greater(t, p, 0.0)
}
