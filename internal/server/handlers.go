// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/via/internal/control"
	"github.com/AleutianAI/via/internal/embed"
	"github.com/AleutianAI/via/internal/federation"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/regression"
	"github.com/AleutianAI/via/internal/schema"
	"github.com/AleutianAI/via/internal/telemetry"
	"github.com/AleutianAI/via/internal/tier1"
	"github.com/AleutianAI/via/internal/vecstore"
)

// regressionTail is how many recent events a patch snapshot captures.
const regressionTail = 5

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ingestor accepts event batches.
type ingestor interface {
	Submit(ctx context.Context, events []model.LogEvent) (tier1.Result, error)
}

// windowAnalyzer runs the on-demand Tier-1 analysis.
type windowAnalyzer interface {
	Window(ctx context.Context, windowSec, topK int, threshold float64, now time.Time) ([]tier1.Anomaly, error)
}

// promoteQueue receives anomalies and reports degradation.
type promoteQueue interface {
	Enqueue(anomalies []tier1.Anomaly)
	Degraded() bool
}

// federator answers Tier-2 queries.
type federator interface {
	Clusters(ctx context.Context, req federation.ClustersRequest) (*federation.ClustersResponse, error)
	Triage(ctx context.Context, req federation.TriageRequest) (*federation.TriageResponse, error)
}

// controller is the control-plane registry surface.
type controller interface {
	Suppress(ctx context.Context, rhythmHash string, ttl time.Duration, reason, operatorID string) (control.Rule, bool, error)
	Patch(ctx context.Context, rhythmHash, reason, operatorID string) (control.Rule, bool, error)
	Lift(ctx context.Context, rhythmHash string) (bool, error)
	Rules(ctx context.Context) ([]control.Rule, error)
}

// tier1Reader reads the live window for health and regression snapshots.
type tier1Reader interface {
	RecentForHash(ctx context.Context, rhythmHash string, limit uint32) ([]model.LogEvent, error)
	Count(ctx context.Context) (uint64, error)
}

// partitionLister reports forensic partitions for health.
type partitionLister interface {
	Partitions(ctx context.Context) ([]string, error)
}

// regressionSink records patched classes.
type regressionSink interface {
	Record(rec regression.Record) error
}

// schemaStore persists mappings.
type schemaStore interface {
	Save(ctx context.Context, m schema.Mapping) error
	Get(ctx context.Context, name string) (schema.Mapping, error)
}

// Handlers contains the HTTP handlers for the engine.
type Handlers struct {
	ingest     ingestor
	analyzer   windowAnalyzer
	promoter   promoteQueue
	federation federator
	ctrl       controller
	tier1      tier1Reader
	tier2      partitionLister
	regression regressionSink
	schemas    schemaStore
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(ingest ingestor, analyzer windowAnalyzer, promoter promoteQueue,
	fed federator, ctrl controller, t1 tier1Reader, t2 partitionLister,
	reg regressionSink, schemas schemaStore, metrics *telemetry.Metrics, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		ingest:     ingest,
		analyzer:   analyzer,
		promoter:   promoter,
		federation: fed,
		ctrl:       ctrl,
		tier1:      t1,
		tier2:      t2,
		regression: reg,
		schemas:    schemas,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "handlers")),
	}
}

// -----------------------------------------------------------------------------
// Ingest
// -----------------------------------------------------------------------------

// IngestRequest is the /ingest/stream body. Either canonical events or raw
// lines under a saved schema mapping.
type IngestRequest struct {
	Events []model.LogEvent `json:"events"`

	// Source names a saved schema mapping applied to Lines.
	Source string   `json:"source,omitempty"`
	Lines  []string `json:"lines,omitempty"`
}

// HandleIngestStream handles POST /api/v1/ingest/stream.
//
// Response:
//
//	200 OK: tier1.Result
//	400 Bad Request: empty batch or unknown schema source
//	429 Too Many Requests: ingest queue full
func (h *Handlers) HandleIngestStream(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "BAD_REQUEST"})
		return
	}

	events := req.Events
	var warnings []string
	if len(req.Lines) > 0 {
		if req.Source == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "lines require a source mapping", Code: "BAD_REQUEST"})
			return
		}
		mapping, err := h.schemas.Get(c.Request.Context(), req.Source)
		if err != nil {
			h.writeError(c, err)
			return
		}
		for _, line := range req.Lines {
			ev, err := schema.Apply(mapping, line)
			if err != nil {
				warnings = append(warnings, err.Error())
				continue
			}
			events = append(events, ev)
		}
	}
	if len(events) == 0 && len(warnings) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty batch", Code: "BAD_REQUEST"})
		return
	}

	result, err := h.ingest.Submit(c.Request.Context(), events)
	if err != nil {
		if errors.Is(err, tier1.ErrOverloaded) && h.metrics != nil {
			h.metrics.IngestOverloads.Inc()
		}
		h.writeError(c, err)
		return
	}
	result.ParseFailures += len(warnings)
	result.Warnings = append(result.Warnings, warnings...)

	if h.metrics != nil {
		h.metrics.EventsAccepted.Add(float64(result.Accepted))
		h.metrics.EventsDeduped.Add(float64(result.Deduped))
		h.metrics.EventsRejected.Add(float64(result.ParseFailures))
		h.metrics.AnomaliesTotal.Add(float64(len(result.Anomalies)))
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Analysis
// -----------------------------------------------------------------------------

// AnomaliesRequest is the on-demand Tier-1 analysis body.
type AnomaliesRequest struct {
	WindowSec int      `json:"window_sec"`
	TopK      int      `json:"top_k,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// AnomaliesResponse lists flagged classes and the rhythm hashes handed
// to promotion.
type AnomaliesResponse struct {
	Anomalies []tier1.Anomaly `json:"anomalies"`
	Promoted  []string        `json:"promoted"`
}

// HandleRhythmAnomalies handles POST /api/v1/analysis/tier1/rhythm_anomalies.
func (h *Handlers) HandleRhythmAnomalies(c *gin.Context) {
	var req AnomaliesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "BAD_REQUEST"})
		return
	}
	threshold := -1.0
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "threshold must be in [0,1]", Code: "BAD_REQUEST"})
			return
		}
		threshold = *req.Threshold
	}

	anomalies, err := h.analyzer.Window(c.Request.Context(), req.WindowSec, req.TopK, threshold, time.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if anomalies == nil {
		anomalies = []tier1.Anomaly{}
	}
	promoted := make([]string, 0, len(anomalies))
	if len(anomalies) > 0 {
		h.promoter.Enqueue(anomalies)
		for _, an := range anomalies {
			promoted = append(promoted, an.RhythmHash)
		}
	}
	if h.metrics != nil {
		h.metrics.AnomaliesTotal.Add(float64(len(anomalies)))
	}
	c.JSON(http.StatusOK, AnomaliesResponse{Anomalies: anomalies, Promoted: promoted})
}

// ClustersRequest is the federated clusters body.
type ClustersRequest struct {
	StartTS int64          `json:"start_ts"`
	EndTS   int64          `json:"end_ts"`
	Filters ClusterFilters `json:"filters,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

// ClusterFilters narrows a federated query.
type ClusterFilters struct {
	Service string `json:"service,omitempty"`
	Level   string `json:"level,omitempty"`
}

// HandleClusters handles POST /api/v1/analysis/tier2/clusters. Partial
// answers return 200 with warnings naming the partitions that timed out.
func (h *Handlers) HandleClusters(c *gin.Context) {
	var req ClustersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "BAD_REQUEST"})
		return
	}

	start := time.Now()
	resp, err := h.federation.Clusters(c.Request.Context(), federation.ClustersRequest{
		From:    req.StartTS,
		To:      req.EndTS,
		Service: req.Filters.Service,
		Level:   req.Filters.Level,
		Limit:   req.Limit,
	})
	if h.metrics != nil {
		h.metrics.QueryDuration.WithLabelValues("clusters").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// TriageRequest is the example-driven rerank body.
type TriageRequest struct {
	StartTS     int64          `json:"start_ts"`
	EndTS       int64          `json:"end_ts"`
	PositiveIDs []string       `json:"positive_ids"`
	NegativeIDs []string       `json:"negative_ids,omitempty"`
	Filters     ClusterFilters `json:"filters,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// HandleTriage handles POST /api/v1/analysis/tier2/triage.
func (h *Handlers) HandleTriage(c *gin.Context) {
	var req TriageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "BAD_REQUEST"})
		return
	}

	start := time.Now()
	resp, err := h.federation.Triage(c.Request.Context(), federation.TriageRequest{
		Positives: req.PositiveIDs,
		Negatives: req.NegativeIDs,
		From:      req.StartTS,
		To:        req.EndTS,
		Service:   req.Filters.Service,
		Limit:     req.Limit,
	})
	if h.metrics != nil {
		h.metrics.QueryDuration.WithLabelValues("triage").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Control
// -----------------------------------------------------------------------------

// SuppressRequest mutes a rhythm class.
type SuppressRequest struct {
	RhythmHash string `json:"rhythm_hash" binding:"required"`
	TTLSec     int64  `json:"ttl_sec" binding:"required"`
	Reason     string `json:"reason,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
}

// HandleSuppress handles POST /api/v1/control/suppress.
func (h *Handlers) HandleSuppress(c *gin.Context) {
	var req SuppressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "rhythm_hash and ttl_sec are required", Code: "BAD_REQUEST"})
		return
	}
	if req.TTLSec <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "ttl_sec must be positive", Code: "BAD_REQUEST"})
		return
	}
	rule, applied, err := h.ctrl.Suppress(c.Request.Context(), req.RhythmHash,
		time.Duration(req.TTLSec)*time.Second, req.Reason, req.OperatorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !applied {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "rhythm hash is patched; lift the patch first", Code: "PATCHED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "expires_at": rule.ExpiresAt})
}

// PatchRequest marks a class fixed.
type PatchRequest struct {
	RhythmHash string `json:"rhythm_hash" binding:"required"`
	Reason     string `json:"reason,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
}

// HandlePatch handles POST /api/v1/control/patch. The first patch of a
// class snapshots its recent Tier-1 tail into the regression log; repeat
// patches are no-ops.
func (h *Handlers) HandlePatch(c *gin.Context) {
	var req PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "rhythm_hash is required", Code: "BAD_REQUEST"})
		return
	}
	rule, created, err := h.ctrl.Patch(c.Request.Context(), req.RhythmHash, req.Reason, req.OperatorID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	recorded := false
	if created {
		events, err := h.tier1.RecentForHash(c.Request.Context(), req.RhythmHash, regressionTail)
		if err != nil {
			h.logger.Warn("regression snapshot read failed",
				slog.String("rhythm_hash", req.RhythmHash),
				slog.String("error", err.Error()))
		}
		rec := regression.Record{
			RhythmHash: req.RhythmHash,
			PatchedAt:  rule.CreatedAt,
			OperatorID: req.OperatorID,
			Reason:     req.Reason,
			Events:     events,
		}
		if len(events) > 0 {
			rec.Service = events[0].Service
			rec.Level = events[0].Level
			rec.RepresentativeMessage = events[0].Message
		}
		if err := h.regression.Record(rec); err != nil {
			h.logger.Warn("regression record failed",
				slog.String("rhythm_hash", req.RhythmHash),
				slog.String("error", err.Error()))
		} else {
			recorded = true
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "created": created, "regression_recorded": recorded})
}

// HandleLift handles DELETE /api/v1/control/:rhythm_hash.
func (h *Handlers) HandleLift(c *gin.Context) {
	hash := c.Param("rhythm_hash")
	removed, err := h.ctrl.Lift(c.Request.Context(), hash)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no rule for rhythm hash", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HandleRules handles GET /api/v1/control/rules.
func (h *Handlers) HandleRules(c *gin.Context) {
	rules, err := h.ctrl.Rules(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if rules == nil {
		rules = []control.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// -----------------------------------------------------------------------------
// Schema registry
// -----------------------------------------------------------------------------

// SchemaDetectRequest carries sample lines.
type SchemaDetectRequest struct {
	Lines []string `json:"lines" binding:"required"`
}

// HandleSchemaDetect handles POST /api/v1/schema/detect.
func (h *Handlers) HandleSchemaDetect(c *gin.Context) {
	var req SchemaDetectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "lines are required", Code: "BAD_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, schema.Detect(req.Lines))
}

// HandleSchemaSave handles POST /api/v1/schema.
func (h *Handlers) HandleSchemaSave(c *gin.Context) {
	var m schema.Mapping
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid mapping body", Code: "BAD_REQUEST"})
		return
	}
	if m.Name == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "mapping name is required", Code: "BAD_REQUEST"})
		return
	}
	if err := h.schemas.Save(c.Request.Context(), m); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HandleSchemaGet handles GET /api/v1/schema/:source.
func (h *Handlers) HandleSchemaGet(c *gin.Context) {
	m, err := h.schemas.Get(c.Request.Context(), c.Param("source"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HandleHealth handles GET /health. Reports degraded instead of failing:
// a down backend yields 503 but the body still says what works.
func (h *Handlers) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	body := gin.H{
		"ok":      true,
		"version": ServiceVersion,
	}
	status := http.StatusOK

	if n, err := h.tier1.Count(ctx); err == nil {
		body["tier1_points"] = n
		if h.metrics != nil {
			h.metrics.Tier1Points.Set(float64(n))
		}
	} else {
		body["ok"] = false
		status = http.StatusServiceUnavailable
	}
	if parts, err := h.tier2.Partitions(ctx); err == nil {
		body["tier2_collections"] = len(parts)
	}
	body["promotion_degraded"] = h.promoter.Degraded()

	c.JSON(status, body)
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

// writeError maps engine errors to the stable HTTP code surface.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tier1.ErrOverloaded):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "OVERLOADED"})
	case errors.Is(err, embed.ErrEmbedderBusy):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "EMBEDDER_BUSY"})
	case errors.Is(err, vecstore.ErrUnavailable), errors.Is(err, vecstore.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "BACKEND_UNAVAILABLE"})
	case errors.Is(err, model.ErrBadEvent):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BAD_EVENT"})
	case errors.Is(err, federation.ErrBadQuery):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BAD_REQUEST"})
	case errors.Is(err, schema.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: err.Error(), Code: "PARTITION_TIMEOUT"})
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
	}
}
