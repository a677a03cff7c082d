// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/via/internal/telemetry"
)

// ServiceVersion is reported in health responses.
const ServiceVersion = "0.1.0"

// Server wraps the gin engine and HTTP listener.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// New builds the router with all routes registered.
func New(addr string, handlers *Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("via"))
	engine.Use(requestLogger(logger))

	engine.GET("/health", handlers.HandleHealth)
	engine.GET("/metrics", gin.WrapH(telemetry.Handler()))

	v1 := engine.Group("/api/v1")
	RegisterRoutes(v1, handlers)

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// RegisterRoutes registers all /api/v1 endpoints.
//
// Ingest:
//
//	POST /ingest/stream - Ingest a batch of log events
//
// Analysis:
//
//	POST /analysis/tier1/rhythm_anomalies - On-demand window analysis
//	POST /analysis/tier2/clusters - Federated cluster query
//	POST /analysis/tier2/triage - Example-driven rerank
//
// Control:
//
//	POST   /control/suppress - Mute a rhythm class for a TTL
//	POST   /control/patch - Mark a class fixed (records a regression case)
//	DELETE /control/:rhythm_hash - Lift a rule
//	GET    /control/rules - Active rules
//
// Schema registry:
//
//	POST /schema/detect - Guess a mapping from sample lines
//	POST /schema - Save a named mapping
//	GET  /schema/:source - Load a named mapping
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	ingest := rg.Group("/ingest")
	{
		ingest.POST("/stream", handlers.HandleIngestStream)
	}

	analysis := rg.Group("/analysis")
	{
		analysis.POST("/tier1/rhythm_anomalies", handlers.HandleRhythmAnomalies)
		analysis.POST("/tier2/clusters", handlers.HandleClusters)
		analysis.POST("/tier2/triage", handlers.HandleTriage)
	}

	ctrl := rg.Group("/control")
	{
		ctrl.POST("/suppress", handlers.HandleSuppress)
		ctrl.POST("/patch", handlers.HandlePatch)
		ctrl.DELETE("/:rhythm_hash", handlers.HandleLift)
		ctrl.GET("/rules", handlers.HandleRules)
	}

	sch := rg.Group("/schema")
	{
		sch.POST("/detect", handlers.HandleSchemaDetect)
		sch.POST("", handlers.HandleSchemaSave)
		sch.GET("/:source", handlers.HandleSchemaGet)
	}
}

// requestLogger logs one line per request at debug, errors at warn.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	}
}
