// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command via runs the Vector Incident Atlas daemon.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 vector backend
// unreachable at startup, 3 invariant violation during wiring.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/via/internal/config"
	"github.com/AleutianAI/via/internal/control"
	"github.com/AleutianAI/via/internal/demo"
	"github.com/AleutianAI/via/internal/embed"
	"github.com/AleutianAI/via/internal/encoder"
	"github.com/AleutianAI/via/internal/federation"
	"github.com/AleutianAI/via/internal/logging"
	"github.com/AleutianAI/via/internal/promote"
	"github.com/AleutianAI/via/internal/regression"
	"github.com/AleutianAI/via/internal/schema"
	"github.com/AleutianAI/via/internal/server"
	"github.com/AleutianAI/via/internal/telemetry"
	"github.com/AleutianAI/via/internal/tier1"
	"github.com/AleutianAI/via/internal/tier2"
	"github.com/AleutianAI/via/internal/vecstore"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitBackend   = 2
	exitInvariant = 3
)

func main() {
	root := &cobra.Command{
		Use:   "via",
		Short: "Two-tier log anomaly detection over a vector backend",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.AddCommand(serveCmd(), demoCmd())
	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection engine",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runServe())
		},
	}
}

func demoCmd() *cobra.Command {
	var baseURL string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Stream synthetic logs at a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg := demo.DefaultConfig(baseURL)
			if duration > 0 {
				cfg.Duration = duration
			}
			err := demo.NewStreamer(cfg).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "target instance base URL")
	cmd.Flags().DurationVar(&duration, "duration", 0, "run length (default 2m)")
	return cmd
}

func runServe() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger, logErr := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		LogDir:  cfg.LogDir,
		Service: "via",
		JSON:    true,
	})
	defer logger.Close()
	log := logger.Logger
	if logErr != nil {
		log.Warn("file log sink unavailable", slog.String("error", logErr.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx,
		telemetry.DefaultTraceConfig("via", server.ServiceVersion))
	if err != nil {
		log.Error("tracing init failed", slog.String("error", err.Error()))
		return exitInvariant
	}
	defer shutdownTracing(context.Background())
	metrics := telemetry.NewMetrics(nil)

	// Vector backend. Startup refuses to proceed without it; everything
	// downstream assumes a reachable backend and degrades only later.
	vc, err := vecstore.NewClient(vecstore.ClientConfig{
		Addr:   cfg.VectorBackendURL,
		Logger: log,
	})
	if err != nil {
		log.Error("vector backend unreachable", slog.String("error", err.Error()))
		if errors.Is(err, vecstore.ErrUnavailable) {
			return exitBackend
		}
		return exitConfig
	}
	defer vc.Close()

	reg, err := control.Open(cfg.ControlStorePath, log)
	if err != nil {
		log.Error("control store open failed", slog.String("error", err.Error()))
		return exitConfig
	}
	defer reg.Close()
	schemas := schema.NewStore(reg.DB())

	recorder, err := regression.NewRecorder(cfg.RegressionLogPath, log)
	if err != nil {
		log.Error("regression log open failed", slog.String("error", err.Error()))
		return exitConfig
	}
	defer recorder.Close()

	hashing := embed.NewHashingEmbedder()
	if hashing.Dim() != embed.Tier1Dim {
		log.Error("tier1 embedder dimension mismatch")
		return exitInvariant
	}
	enc := encoder.New(hashing)
	sparse := encoder.NewSparseEncoder()
	remote := embed.NewRemoteEmbedder(embed.RemoteConfig{
		BaseURL: cfg.EmbedderBackend,
		Model:   cfg.EmbedderModel,
		APIKey:  cfg.EmbedderAPIKey,
		Logger:  log,
	})

	forensics := tier2.NewStore(vc, log)
	pipeline := promote.NewPipeline(forensics, remote, sparse, reg, log)
	pipeline.OnResult(metrics.PromotionsTotal.Inc, metrics.PromotionDrops.Inc)
	defer pipeline.Close()

	monitor := tier1.NewMonitor(vc, cfg.T1Window(), cfg.T1MaxPoints, log)
	if err := monitor.Bootstrap(ctx); err != nil {
		log.Error("tier1 bootstrap failed", slog.String("error", err.Error()))
		return exitBackend
	}
	defer monitor.Close()

	analyzer := tier1.NewAnalyzer(monitor, reg, cfg.AnomalyAlpha, cfg.AnomalyThreshold, cfg.T1Window(), log)
	coordinator := tier1.NewCoordinator(tier1.CoordinatorConfig{
		DedupCapacity: cfg.DedupCapacity,
	}, enc, sparse, monitor, analyzer, reg, pipeline, log)
	defer coordinator.Close()

	engine := federation.NewEngine(vc, cfg.QueryTimeout(), log)

	go runMaintenance(ctx, log, forensics, reg, sparse, cfg.T2RetentionDays)

	handlers := server.NewHandlers(coordinator, analyzer, pipeline, engine,
		reg, monitor, forensics, recorder, schemas, metrics, log)
	srv := server.New(cfg.HTTPAddr, handlers, log)

	log.Info("via daemon started",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("backend", cfg.VectorBackendURL),
		slog.Int("t1_window_sec", cfg.T1WindowSec),
		slog.Int("t2_retention_days", cfg.T2RetentionDays))

	if err := srv.Run(ctx); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		return exitInvariant
	}
	log.Info("via daemon stopped")
	return exitOK
}

// runMaintenance handles the slow housekeeping: Tier-2 retention, expired
// control rules, stale prevalence counters, and the daily IDF refresh.
func runMaintenance(ctx context.Context, log *slog.Logger, forensics *tier2.Store,
	reg *control.Registry, sparse *encoder.SparseEncoder, retentionDays int) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	lastRefresh := time.Now().UTC().Day()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mctx, cancel := context.WithTimeout(ctx, time.Minute)
			if dropped, err := forensics.RetentionSweep(mctx, now, retentionDays); err != nil {
				log.Warn("retention sweep failed", slog.String("error", err.Error()))
			} else if len(dropped) > 0 {
				log.Info("retention sweep", slog.Int("dropped", len(dropped)))
			}
			if _, err := reg.SweepExpired(mctx); err != nil {
				log.Warn("control sweep failed", slog.String("error", err.Error()))
			}
			if _, err := reg.PrunePrevalence(mctx, 0.01); err != nil {
				log.Warn("prevalence prune failed", slog.String("error", err.Error()))
			}
			cancel()

			if day := now.UTC().Day(); day != lastRefresh {
				sparse.Refresh()
				lastRefresh = day
				log.Info("idf snapshot refreshed")
			}
		}
	}
}
