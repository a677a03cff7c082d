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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "control.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSuppressAndActive(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	rule, applied, err := r.Suppress(ctx, "hash1", time.Hour, "noisy deploy", "op-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Greater(t, rule.ExpiresAt, time.Now().Unix())

	kind, ok := r.Active("hash1")
	require.True(t, ok)
	assert.Equal(t, KindSuppress, kind)

	_, ok = r.Active("other")
	assert.False(t, ok)
}

func TestSuppressExtendsToLaterExpiry(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	long, _, err := r.Suppress(ctx, "hash1", 2*time.Hour, "", "")
	require.NoError(t, err)
	_, applied, err := r.Suppress(ctx, "hash1", time.Minute, "", "")
	require.NoError(t, err)
	assert.True(t, applied)

	rules, err := r.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, long.ExpiresAt, rules[0].ExpiresAt)
}

func TestSuppressExpires(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Suppress(ctx, "hash1", time.Hour, "", "")
	require.NoError(t, err)

	// Jump past the expiry and rebuild the snapshot.
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, r.refresh(ctx))

	_, ok := r.Active("hash1")
	assert.False(t, ok)
}

func TestPatchIdempotent(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	_, created, err := r.Patch(ctx, "hash1", "fixed in v2", "op-1")
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = r.Patch(ctx, "hash1", "fixed again", "op-2")
	require.NoError(t, err)
	assert.False(t, created)

	kind, ok := r.Active("hash1")
	require.True(t, ok)
	assert.Equal(t, KindPatch, kind)
}

func TestPatchOverridesSuppress(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Suppress(ctx, "hash1", time.Hour, "", "")
	require.NoError(t, err)
	_, created, err := r.Patch(ctx, "hash1", "", "")
	require.NoError(t, err)
	assert.True(t, created)

	kind, _ := r.Active("hash1")
	assert.Equal(t, KindPatch, kind)
}

func TestSuppressOverPatchNotApplied(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Patch(ctx, "hash1", "fixed in v2", "op-1")
	require.NoError(t, err)

	_, applied, err := r.Suppress(ctx, "hash1", time.Hour, "", "op-2")
	require.NoError(t, err)
	assert.False(t, applied)

	kind, ok := r.Active("hash1")
	require.True(t, ok)
	assert.Equal(t, KindPatch, kind)
}

func TestLift(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Patch(ctx, "hash1", "", "")
	require.NoError(t, err)

	removed, err := r.Lift(ctx, "hash1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Lift(ctx, "hash1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok := r.Active("hash1")
	assert.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Suppress(ctx, "short", time.Minute, "", "")
	require.NoError(t, err)
	_, _, err = r.Patch(ctx, "forever", "", "")
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rules, err := r.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "forever", rules[0].RhythmHash)
}
