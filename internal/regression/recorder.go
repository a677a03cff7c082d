// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package regression records patched rhythm classes as replayable
// artifacts. Every patch appends one JSONL record to an append-only log
// and writes a standalone YAML eval case, so a fixed bug that resurfaces
// can be caught by replaying the captured tail.
package regression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/via/internal/model"
)

// Record is one regression log entry.
type Record struct {
	RhythmHash            string           `json:"rhythm_hash" yaml:"rhythm_hash"`
	Service               string           `json:"service" yaml:"service"`
	Level                 model.Level      `json:"level" yaml:"level"`
	RepresentativeMessage string           `json:"representative_message" yaml:"representative_message"`
	PatchedAt             int64            `json:"patched_at" yaml:"patched_at"`
	OperatorID            string           `json:"operator_id,omitempty" yaml:"operator_id,omitempty"`
	Reason                string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	Events                []model.LogEvent `json:"events" yaml:"events"`
}

// evalCase is the YAML shape a replay harness consumes: feed the events
// back through an instance carrying the patch and expect the class to
// stay quiet.
type evalCase struct {
	Name       string           `yaml:"name"`
	RhythmHash string           `yaml:"rhythm_hash"`
	CreatedAt  string           `yaml:"created_at"`
	Expect     evalExpectation  `yaml:"expect"`
	Events     []model.LogEvent `yaml:"events"`
}

type evalExpectation struct {
	Anomalous  bool   `yaml:"anomalous"`
	RhythmHash string `yaml:"rhythm_hash"`
}

// Recorder appends regression records. Writes are serialized; the log file
// stays open for the recorder's lifetime.
//
// Thread Safety: safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	log     *os.File
	evalDir string
	logger  *slog.Logger
}

// NewRecorder opens (creating if needed) the JSONL log at path. Eval cases
// go to an evals/ directory next to the log.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open regression log: %w", err)
	}
	evalDir := filepath.Join(filepath.Dir(path), "evals")
	if err := os.MkdirAll(evalDir, 0o755); err != nil {
		f.Close()
		return nil, fmt.Errorf("create eval dir: %w", err)
	}
	return &Recorder{
		log:     f,
		evalDir: evalDir,
		logger:  logger.With(slog.String("component", "regression")),
	}, nil
}

// Close flushes and closes the log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Close()
}

// Record appends rec to the JSONL log and writes its YAML eval case. The
// JSONL append is the source of truth; a failed eval write is logged and
// does not fail the call.
func (r *Recorder) Record(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal regression record: %w", err)
	}

	r.mu.Lock()
	_, err = r.log.Write(append(line, '\n'))
	if err == nil {
		err = r.log.Sync()
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("append regression record: %w", err)
	}

	if evalErr := r.writeEvalCase(rec); evalErr != nil {
		r.logger.Warn("eval case write failed",
			slog.String("rhythm_hash", rec.RhythmHash),
			slog.String("error", evalErr.Error()))
	}

	r.logger.Info("regression recorded",
		slog.String("rhythm_hash", rec.RhythmHash),
		slog.Int("events", len(rec.Events)))
	return nil
}

func (r *Recorder) writeEvalCase(rec Record) error {
	ts := time.Unix(rec.PatchedAt, 0).UTC()
	hash12 := rec.RhythmHash
	if len(hash12) > 12 {
		hash12 = hash12[:12]
	}
	ec := evalCase{
		Name:       fmt.Sprintf("eval_%s_%d", hash12, rec.PatchedAt),
		RhythmHash: rec.RhythmHash,
		CreatedAt:  ts.Format(time.RFC3339),
		Expect: evalExpectation{
			Anomalous:  false,
			RhythmHash: rec.RhythmHash,
		},
		Events: rec.Events,
	}
	body, err := yaml.Marshal(&ec)
	if err != nil {
		return fmt.Errorf("marshal eval case: %w", err)
	}
	path := filepath.Join(r.evalDir, ec.Name+".yml")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write eval case: %w", err)
	}
	return nil
}

// Records reads the whole log back, skipping unparseable lines. Used by
// tests and the admin listing endpoint.
func Records(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read regression log: %w", err)
	}
	var out []Record
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
