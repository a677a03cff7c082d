// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control persists operator feedback: suppress and patch rules
// keyed by rhythm hash, plus the prevalence counters that feed novelty
// scoring. State lives in a local SQLite file so rules survive restarts
// even though Tier-1 itself is ephemeral.
package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Kind discriminates the two rule flavors.
type Kind string

const (
	// KindSuppress mutes a rhythm class until the rule expires.
	KindSuppress Kind = "suppress"
	// KindPatch marks a class as known-bad-and-fixed. Patches never expire.
	KindPatch Kind = "patch"
)

// Rule is one persisted control entry.
type Rule struct {
	RhythmHash string `json:"rhythm_hash"`
	Kind       Kind   `json:"kind"`
	CreatedAt  int64  `json:"created_at"`
	// ExpiresAt is a unix second, 0 for rules that never expire.
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
}

// Active reports whether the rule is in force at t.
func (r Rule) Active(t time.Time) bool {
	return r.ExpiresAt == 0 || t.Unix() < r.ExpiresAt
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS control (
    rhythm_hash TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT '',
    operator_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS prevalence (
    rhythm_hash TEXT PRIMARY KEY,
    count       REAL NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS schemas (
    name       TEXT PRIMARY KEY,
    body       TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Registry is the control-plane store. The hot-path lookup (Active) reads
// a copy-on-write snapshot refreshed every refreshInterval, so scoring
// never touches SQLite.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger

	// active maps rhythm hash to rule kind for rules currently in force.
	active atomic.Pointer[map[string]Kind]

	refreshInterval time.Duration
	done            chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once

	// now is swappable in tests.
	now func() time.Time
}

// Open opens (creating if needed) the control store at path and starts the
// background snapshot refresher.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open control store: %w", err)
	}
	// SQLite handles one writer at a time; more connections just queue.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init control schema: %w", err)
	}

	r := &Registry{
		db:              db,
		logger:          logger.With(slog.String("component", "control")),
		refreshInterval: 5 * time.Second,
		done:            make(chan struct{}),
		now:             time.Now,
	}
	if err := r.refresh(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.runRefresher()
	return r, nil
}

// Close stops the refresher and closes the database.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.db.Close()
	})
	return err
}

func (r *Registry) runRefresher() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("control snapshot refresh failed",
					slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// refresh rebuilds the in-memory active set from the database.
func (r *Registry) refresh(ctx context.Context) error {
	now := r.now().Unix()
	rows, err := r.db.QueryContext(ctx,
		`SELECT rhythm_hash, kind FROM control WHERE expires_at = 0 OR expires_at > ?`, now)
	if err != nil {
		return fmt.Errorf("load control rules: %w", err)
	}
	defer rows.Close()

	next := make(map[string]Kind)
	for rows.Next() {
		var hash string
		var kind Kind
		if err := rows.Scan(&hash, &kind); err != nil {
			return fmt.Errorf("scan control rule: %w", err)
		}
		next[hash] = kind
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate control rules: %w", err)
	}
	r.active.Store(&next)
	return nil
}

// Active returns the rule kind in force for a rhythm hash, if any. This is
// the scoring hot path and reads only the snapshot.
func (r *Registry) Active(rhythmHash string) (Kind, bool) {
	m := r.active.Load()
	if m == nil {
		return "", false
	}
	kind, ok := (*m)[rhythmHash]
	return kind, ok
}

// Suppress installs or extends a suppress rule. Re-suppressing an already
// suppressed class keeps the later of the two expiry times. The second
// return is false when an existing patch took precedence and nothing was
// written.
func (r *Registry) Suppress(ctx context.Context, rhythmHash string, ttl time.Duration, reason, operatorID string) (Rule, bool, error) {
	if ttl <= 0 {
		return Rule{}, false, errors.New("suppress ttl must be positive")
	}
	now := r.now().Unix()
	rule := Rule{
		RhythmHash: rhythmHash,
		Kind:       KindSuppress,
		CreatedAt:  now,
		ExpiresAt:  now + int64(ttl.Seconds()),
		Reason:     reason,
		OperatorID: operatorID,
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO control (rhythm_hash, kind, created_at, expires_at, reason, operator_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rhythm_hash) DO UPDATE SET
		    kind        = excluded.kind,
		    expires_at  = MAX(control.expires_at, excluded.expires_at),
		    reason      = excluded.reason,
		    operator_id = excluded.operator_id
		WHERE control.kind = 'suppress'`,
		rule.RhythmHash, rule.Kind, rule.CreatedAt, rule.ExpiresAt, rule.Reason, rule.OperatorID)
	if err != nil {
		return Rule{}, false, fmt.Errorf("store suppress rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Rule{}, false, fmt.Errorf("store suppress rule: %w", err)
	}
	if n == 0 {
		// A patch row holds the slot; the conflict guard refused the write.
		return Rule{}, false, nil
	}
	if err := r.refresh(ctx); err != nil {
		return Rule{}, false, err
	}
	r.logger.Info("rhythm suppressed",
		slog.String("rhythm_hash", rhythmHash),
		slog.Int64("expires_at", rule.ExpiresAt),
		slog.String("operator_id", operatorID))
	return rule, true, nil
}

// Patch installs a permanent patch rule. The second return is false when
// the class was already patched, which callers use to keep regression
// recording idempotent.
func (r *Registry) Patch(ctx context.Context, rhythmHash, reason, operatorID string) (Rule, bool, error) {
	now := r.now().Unix()
	rule := Rule{
		RhythmHash: rhythmHash,
		Kind:       KindPatch,
		CreatedAt:  now,
		Reason:     reason,
		OperatorID: operatorID,
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO control (rhythm_hash, kind, created_at, expires_at, reason, operator_id)
		VALUES (?, 'patch', ?, 0, ?, ?)
		ON CONFLICT(rhythm_hash) DO UPDATE SET
		    kind        = 'patch',
		    expires_at  = 0,
		    reason      = excluded.reason,
		    operator_id = excluded.operator_id
		WHERE control.kind != 'patch'`,
		rule.RhythmHash, rule.CreatedAt, rule.Reason, rule.OperatorID)
	if err != nil {
		return Rule{}, false, fmt.Errorf("store patch rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Rule{}, false, fmt.Errorf("store patch rule: %w", err)
	}
	if err := r.refresh(ctx); err != nil {
		return Rule{}, false, err
	}
	created := n > 0
	if created {
		r.logger.Info("rhythm patched",
			slog.String("rhythm_hash", rhythmHash),
			slog.String("operator_id", operatorID))
	}
	return rule, created, nil
}

// Lift removes a rule regardless of kind. Returns false if no rule existed.
func (r *Registry) Lift(ctx context.Context, rhythmHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM control WHERE rhythm_hash = ?`, rhythmHash)
	if err != nil {
		return false, fmt.Errorf("lift rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lift rule: %w", err)
	}
	if err := r.refresh(ctx); err != nil {
		return false, err
	}
	if n > 0 {
		r.logger.Info("control rule lifted", slog.String("rhythm_hash", rhythmHash))
	}
	return n > 0, nil
}

// Rules lists every rule currently in force, newest first.
func (r *Registry) Rules(ctx context.Context) ([]Rule, error) {
	now := r.now().Unix()
	rows, err := r.db.QueryContext(ctx, `
		SELECT rhythm_hash, kind, created_at, expires_at, reason, operator_id
		FROM control
		WHERE expires_at = 0 OR expires_at > ?
		ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("list control rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.RhythmHash, &rule.Kind, &rule.CreatedAt,
			&rule.ExpiresAt, &rule.Reason, &rule.OperatorID); err != nil {
			return nil, fmt.Errorf("scan control rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle so sibling stores (the schema registry)
// can share the same file and connection limit.
func (r *Registry) DB() *sql.DB {
	return r.db
}

// SweepExpired deletes rules past their expiry. The in-memory snapshot
// already ignores them; this just keeps the table from growing forever.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM control WHERE expires_at != 0 AND expires_at <= ?`, r.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired rules: %w", err)
	}
	return res.RowsAffected()
}
