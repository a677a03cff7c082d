// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads VIA configuration from the environment.
//
// Every recognized key has a default, so a bare `via serve` against a local
// Qdrant works out of the box. A `.env` file in the working directory is
// loaded first (lowest precedence); real environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct. Field tags name the exact
// environment keys the daemon recognizes.
type Config struct {
	// HTTP server.
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// Tier-1 rhythm monitor.
	T1WindowSec int `envconfig:"T1_WINDOW_SEC" default:"1800"`
	T1MaxPoints int `envconfig:"T1_MAX_POINTS" default:"200000"`

	// Tier-2 forensic store.
	T2RetentionDays int `envconfig:"T2_RETENTION_DAYS" default:"30"`

	// Anomaly scoring.
	AnomalyThreshold float64 `envconfig:"ANOMALY_THRESHOLD" default:"0.5"`
	AnomalyAlpha     float64 `envconfig:"ANOMALY_ALPHA" default:"0.6"`

	// Federated queries.
	QueryTimeoutMS int `envconfig:"QUERY_TIMEOUT_MS" default:"3000"`

	// Vector backend (Qdrant gRPC).
	VectorBackendURL string `envconfig:"VECTOR_BACKEND_URL" default:"localhost:6334"`

	// Tier-2 embedder: an OpenAI-compatible embeddings endpoint.
	EmbedderBackend string `envconfig:"EMBEDDER_BACKEND" default:"http://localhost:8081/v1"`
	EmbedderModel   string `envconfig:"EMBEDDER_MODEL" default:"bge-small-en-v1.5"`
	EmbedderAPIKey  string `envconfig:"EMBEDDER_API_KEY" default:"none"`

	// Persisted state.
	ControlStorePath  string `envconfig:"CONTROL_STORE_PATH" default:"via_control.db"`
	RegressionLogPath string `envconfig:"REGRESSION_LOG_PATH" default:"via_regression.jsonl"`

	// Ingest coordinator.
	DedupCapacity int `envconfig:"DEDUP_CAPACITY" default:"100000"`

	// Logging.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"LOG_DIR" default:""`
}

// Load reads `.env` (if present) and the process environment.
func Load() (*Config, error) {
	// Missing .env is the normal case; only real read errors matter.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.T1WindowSec <= 0 {
		return errors.New("T1_WINDOW_SEC must be positive")
	}
	if c.T1MaxPoints <= 0 {
		return errors.New("T1_MAX_POINTS must be positive")
	}
	if c.T2RetentionDays <= 0 {
		return errors.New("T2_RETENTION_DAYS must be positive")
	}
	if c.AnomalyAlpha < 0 || c.AnomalyAlpha > 1 {
		return errors.New("ANOMALY_ALPHA must be between 0 and 1")
	}
	if c.AnomalyThreshold < 0 || c.AnomalyThreshold > 1 {
		return errors.New("ANOMALY_THRESHOLD must be between 0 and 1")
	}
	if c.QueryTimeoutMS <= 0 {
		return errors.New("QUERY_TIMEOUT_MS must be positive")
	}
	if c.VectorBackendURL == "" {
		return errors.New("VECTOR_BACKEND_URL must not be empty")
	}
	if c.ControlStorePath == "" {
		return errors.New("CONTROL_STORE_PATH must not be empty")
	}
	if c.RegressionLogPath == "" {
		return errors.New("REGRESSION_LOG_PATH must not be empty")
	}
	if c.DedupCapacity <= 0 {
		return errors.New("DEDUP_CAPACITY must be positive")
	}
	return nil
}

// T1Window returns the Tier-1 retention window as a duration.
func (c *Config) T1Window() time.Duration {
	return time.Duration(c.T1WindowSec) * time.Second
}

// QueryTimeout returns the federated query budget as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}
