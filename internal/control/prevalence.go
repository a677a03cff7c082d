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
	"fmt"
	"log/slog"
	"math"
	"time"
)

// prevalenceHalfLife controls how fast old observations stop counting.
// A class unseen for a day is half as prevalent; unseen for a week it is
// effectively novel again.
const prevalenceHalfLife = 24 * time.Hour

// prevalenceNorm is the decayed count at which a class reads as fully
// familiar (novelty 0).
const prevalenceNorm = 1000.0

// decayFactor returns the multiplier for a counter last updated age ago.
func decayFactor(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / prevalenceHalfLife.Hours())
}

// Observe folds a batch of per-hash event counts into the prevalence
// table. The stored counter is decayed to now before the delta is added,
// so one call per ingest batch is enough.
func (r *Registry) Observe(ctx context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	now := r.now().Unix()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prevalence tx: %w", err)
	}
	defer tx.Rollback()

	get, err := tx.PrepareContext(ctx,
		`SELECT count, updated_at FROM prevalence WHERE rhythm_hash = ?`)
	if err != nil {
		return fmt.Errorf("prepare prevalence read: %w", err)
	}
	defer get.Close()

	put, err := tx.PrepareContext(ctx, `
		INSERT INTO prevalence (rhythm_hash, count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(rhythm_hash) DO UPDATE SET
		    count = excluded.count, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare prevalence write: %w", err)
	}
	defer put.Close()

	for hash, delta := range counts {
		var prev float64
		var updatedAt int64
		err := get.QueryRowContext(ctx, hash).Scan(&prev, &updatedAt)
		if err == nil {
			prev *= decayFactor(time.Duration(now-updatedAt) * time.Second)
		} else {
			prev = 0
		}
		if _, err := put.ExecContext(ctx, hash, prev+float64(delta), now); err != nil {
			return fmt.Errorf("update prevalence %s: %w", hash, err)
		}
	}
	return tx.Commit()
}

// PrevalenceOf returns the decayed counter for a rhythm hash. Unknown
// hashes read as 0, which is what makes them maximally novel.
func (r *Registry) PrevalenceOf(ctx context.Context, rhythmHash string) (float64, error) {
	var count float64
	var updatedAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count, updated_at FROM prevalence WHERE rhythm_hash = ?`,
		rhythmHash).Scan(&count, &updatedAt)
	if err != nil {
		return 0, nil
	}
	age := time.Duration(r.now().Unix()-updatedAt) * time.Second
	return count * decayFactor(age), nil
}

// Novelty maps a rhythm hash to [0, 1]: 1 for never-seen classes, falling
// toward 0 as the decayed counter approaches prevalenceNorm.
func (r *Registry) Novelty(ctx context.Context, rhythmHash string) (float64, error) {
	prev, err := r.PrevalenceOf(ctx, rhythmHash)
	if err != nil {
		return 0, err
	}
	return 1 - math.Min(1, prev/prevalenceNorm), nil
}

// TouchPromoted bumps the updated_at of a just-promoted class without
// changing its counter, so an active incident does not decay back to
// novel while it is still being promoted.
func (r *Registry) TouchPromoted(ctx context.Context, rhythmHash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prevalence (rhythm_hash, count, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(rhythm_hash) DO UPDATE SET updated_at = excluded.updated_at`,
		rhythmHash, r.now().Unix())
	if err != nil {
		return fmt.Errorf("touch prevalence: %w", err)
	}
	return nil
}

// PrunePrevalence drops counters whose decayed value is below floor.
func (r *Registry) PrunePrevalence(ctx context.Context, floor float64) (int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT rhythm_hash, count, updated_at FROM prevalence`)
	if err != nil {
		return 0, fmt.Errorf("scan prevalence: %w", err)
	}
	now := r.now().Unix()
	var stale []string
	for rows.Next() {
		var hash string
		var count float64
		var updatedAt int64
		if err := rows.Scan(&hash, &count, &updatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan prevalence row: %w", err)
		}
		age := time.Duration(now-updatedAt) * time.Second
		if count*decayFactor(age) < floor {
			stale = append(stale, hash)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	var pruned int64
	for _, hash := range stale {
		res, err := r.db.ExecContext(ctx, `DELETE FROM prevalence WHERE rhythm_hash = ?`, hash)
		if err != nil {
			return pruned, fmt.Errorf("prune prevalence %s: %w", hash, err)
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	if pruned > 0 {
		r.logger.Debug("pruned stale prevalence counters", slog.Int64("count", pruned))
	}
	return pruned, nil
}
