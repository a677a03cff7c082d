// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for lookups of unsaved mappings.
var ErrNotFound = errors.New("schema mapping not found")

// Store persists named mappings. It shares the control store's database
// handle; the schemas table is created by that store's schema.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save upserts a named mapping.
func (s *Store) Save(ctx context.Context, m Mapping) error {
	if m.Name == "" {
		return errors.New("mapping name must not be empty")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schemas (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		    body = excluded.body, updated_at = excluded.updated_at`,
		m.Name, string(body), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save mapping %q: %w", m.Name, err)
	}
	return nil
}

// Get loads a mapping by name.
func (s *Store) Get(ctx context.Context, name string) (Mapping, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM schemas WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("load mapping %q: %w", name, err)
	}
	var m Mapping
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Mapping{}, fmt.Errorf("decode mapping %q: %w", name, err)
	}
	return m, nil
}

// List returns every saved mapping name.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schemas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan mapping name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
