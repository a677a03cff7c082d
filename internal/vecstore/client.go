// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vecstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// -----------------------------------------------------------------------------
// Connection State
// -----------------------------------------------------------------------------

// ConnectionState represents the current state of the backend connection.
type ConnectionState int32

const (
	// StateConnected indicates normal operation.
	StateConnected ConnectionState = iota
	// StateDegraded indicates the backend is unavailable but the client
	// is functional.
	StateDegraded
	// StateCircuitOpen indicates the circuit breaker is open.
	StateCircuitOpen
	// StateHalfOpen indicates the breaker is testing with a single request.
	StateHalfOpen
)

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Client Configuration
// -----------------------------------------------------------------------------

// ClientConfig configures the resilient vector backend client.
type ClientConfig struct {
	// Addr is the backend gRPC address ("host:port").
	Addr string

	// RetryAttempts is the number of retry attempts for failed requests.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries. Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff. Default: 5s
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0). Default: 0.25
	RetryJitter float64

	// CircuitThreshold is the number of failures before opening the
	// circuit. Default: 5
	CircuitThreshold int

	// CircuitWindow is the sliding window for counting failures.
	// Default: 30s
	CircuitWindow time.Duration

	// CircuitCooldown is how long the circuit stays open before
	// half-opening. Default: 30s
	CircuitCooldown time.Duration

	// HealthCheckInterval is how often to probe when connected.
	// Default: 10s
	HealthCheckInterval time.Duration

	// DegradedCheckInterval is how often to probe when degraded.
	// Default: 5s
	DegradedCheckInterval time.Duration

	// HealthCheckTimeout bounds a single probe. Default: 5s
	HealthCheckTimeout time.Duration

	// AllowStartDegraded allows starting even if the backend is down.
	// Default: false
	AllowStartDegraded bool

	// Logger for client operations. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults for production use.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryAttempts:         3,
		RetryBackoff:          100 * time.Millisecond,
		MaxRetryBackoff:       5 * time.Second,
		RetryJitter:           0.25,
		CircuitThreshold:      5,
		CircuitWindow:         30 * time.Second,
		CircuitCooldown:       30 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		DegradedCheckInterval: 5 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
		Logger:                slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	if c.CircuitWindow <= 0 {
		return errors.New("circuit_window must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return errors.New("health_check_timeout must be positive")
	}
	return nil
}

func (c *ClientConfig) applyDefaults() {
	d := DefaultClientConfig()
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = d.RetryJitter
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = d.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.DegradedCheckInterval == 0 {
		c.DegradedCheckInterval = d.DegradedCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// -----------------------------------------------------------------------------
// Resilient Client
// -----------------------------------------------------------------------------

// Client wraps the Qdrant client with retry, circuit breaking, and health
// checking.
//
// Thread Safety: safe for concurrent use from multiple goroutines.
type Client struct {
	qc     *qdrant.Client
	config ClientConfig
	logger *slog.Logger

	state           atomic.Int32
	circuitOpenTime atomic.Int64
	closed          atomic.Bool

	// Circuit breaker sliding window of failure timestamps.
	failures   []time.Time
	failureIdx int
	failureMu  sync.Mutex

	halfOpenTest atomic.Bool

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewClient creates a resilient client and verifies connectivity unless
// AllowStartDegraded is set.
func NewClient(config ClientConfig) (*Client, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	host, port, err := splitAddr(config.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid backend addr %q: %w", config.Addr, err)
	}

	qc, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	c := &Client{
		qc:           qc,
		config:       config,
		logger:       config.Logger.With(slog.String("component", "vecstore")),
		failures:     make([]time.Time, config.CircuitThreshold),
		healthCtx:    healthCtx,
		healthCancel: healthCancel,
	}
	c.state.Store(int32(StateDegraded)) // degraded until proven healthy

	if err := c.checkHealth(context.Background()); err != nil {
		if config.AllowStartDegraded {
			c.logger.Warn("vector backend unavailable at startup, starting degraded",
				slog.String("addr", config.Addr),
				slog.String("error", err.Error()))
			c.healthWg.Add(1)
			go c.runHealthChecker()
			return c, nil
		}
		healthCancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.transitionState(StateConnected)
	c.healthWg.Add(1)
	go c.runHealthChecker()

	c.logger.Info("vector backend client initialized",
		slog.String("addr", config.Addr),
		slog.String("state", c.GetState().String()))
	return c, nil
}

func splitAddr(addr string) (string, int, error) {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsAvailable returns true if the backend accepts requests.
func (c *Client) IsAvailable() bool {
	s := c.GetState()
	return s == StateConnected || s == StateHalfOpen
}

// Close stops the health checker and closes the underlying connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.healthCancel()
	c.healthWg.Wait()
	return c.qc.Close()
}

// -----------------------------------------------------------------------------
// Execute: retry + circuit breaker
// -----------------------------------------------------------------------------

// execute runs fn with retry and circuit breaker protection.
func (c *Client) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	switch c.GetState() {
	case StateCircuitOpen:
		if c.shouldTryHalfOpen() {
			c.transitionState(StateHalfOpen)
		} else {
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
	case StateHalfOpen:
		if !c.halfOpenTest.CompareAndSwap(false, true) {
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
		defer c.halfOpenTest.Store(false)
	}

	var lastErr error
	backoff := c.config.RetryBackoff
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff, c.config.RetryJitter)):
			}
			backoff = min(backoff*2, c.config.MaxRetryBackoff)
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordFailure()
			continue
		}
		c.recordSuccess()
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, lastErr)
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := float64(d) * factor
	return time.Duration(float64(d) - delta + 2*delta*rand.Float64())
}

func (c *Client) recordFailure() {
	c.failureMu.Lock()
	now := time.Now()
	c.failures[c.failureIdx] = now
	c.failureIdx = (c.failureIdx + 1) % len(c.failures)

	// Circuit opens when every slot in the ring holds a failure inside
	// the sliding window.
	tripped := true
	for _, t := range c.failures {
		if t.IsZero() || now.Sub(t) > c.config.CircuitWindow {
			tripped = false
			break
		}
	}
	c.failureMu.Unlock()

	if tripped && c.GetState() != StateCircuitOpen {
		c.circuitOpenTime.Store(now.Unix())
		c.transitionState(StateCircuitOpen)
	}
}

func (c *Client) recordSuccess() {
	state := c.GetState()
	if state == StateHalfOpen || state == StateDegraded || state == StateCircuitOpen {
		c.resetFailures()
		c.transitionState(StateConnected)
	}
}

func (c *Client) resetFailures() {
	c.failureMu.Lock()
	for i := range c.failures {
		c.failures[i] = time.Time{}
	}
	c.failureIdx = 0
	c.failureMu.Unlock()
}

func (c *Client) shouldTryHalfOpen() bool {
	opened := c.circuitOpenTime.Load()
	return time.Since(time.Unix(opened, 0)) >= c.config.CircuitCooldown
}

func (c *Client) transitionState(next ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Info("vector backend state change",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}

// -----------------------------------------------------------------------------
// Health checking
// -----------------------------------------------------------------------------

func (c *Client) runHealthChecker() {
	defer c.healthWg.Done()
	for {
		interval := c.config.HealthCheckInterval
		if !c.IsAvailable() {
			interval = c.config.DegradedCheckInterval
		}
		select {
		case <-c.healthCtx.Done():
			return
		case <-time.After(interval):
		}

		if err := c.checkHealth(c.healthCtx); err != nil {
			if c.GetState() == StateConnected {
				c.transitionState(StateDegraded)
			}
			continue
		}
		if !c.IsAvailable() && c.GetState() != StateCircuitOpen {
			c.resetFailures()
			c.transitionState(StateConnected)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()
	_, err := c.qc.HealthCheck(ctx)
	return err
}

// -----------------------------------------------------------------------------
// Collection operations
// -----------------------------------------------------------------------------

// EnsureCollection creates the collection and its payload indexes if it
// does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	return c.execute(ctx, "ensure_collection", func(ctx context.Context) error {
		exists, err := c.qc.CollectionExists(ctx, spec.Name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return c.createCollection(ctx, spec)
	})
}

// RecreateCollection drops and recreates the collection. Used by Tier-1,
// which owns its collection and starts fresh on every boot.
func (c *Client) RecreateCollection(ctx context.Context, spec CollectionSpec) error {
	return c.execute(ctx, "recreate_collection", func(ctx context.Context) error {
		exists, err := c.qc.CollectionExists(ctx, spec.Name)
		if err != nil {
			return err
		}
		if exists {
			if err := c.qc.DeleteCollection(ctx, spec.Name); err != nil {
				return err
			}
		}
		return c.createCollection(ctx, spec)
	})
}

func (c *Client) createCollection(ctx context.Context, spec CollectionSpec) error {
	err := c.qc.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName:      spec.Name,
		VectorsConfig:       toQdrantVectorsConfig(spec.Vectors),
		SparseVectorsConfig: toQdrantSparseConfig(spec.SparseVectors),
	})
	if err != nil {
		return err
	}
	for _, idx := range spec.PayloadIndexes {
		fieldType := qdrant.FieldType_FieldTypeKeyword
		if idx.Kind == IndexInteger {
			fieldType = qdrant.FieldType_FieldTypeInteger
		}
		_, err := c.qc.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: spec.Name,
			FieldName:      idx.Field,
			FieldType:      &fieldType,
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteCollection drops a collection. Missing collections are not errors.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	return c.execute(ctx, "delete_collection", func(ctx context.Context) error {
		return c.qc.DeleteCollection(ctx, name)
	})
}

// CollectionExists reports whether a collection is present.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.execute(ctx, "collection_exists", func(ctx context.Context) error {
		var err error
		exists, err = c.qc.CollectionExists(ctx, name)
		return err
	})
	return exists, err
}

// ListCollections returns all collection names.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := c.execute(ctx, "list_collections", func(ctx context.Context) error {
		var err error
		names, err = c.qc.ListCollections(ctx)
		return err
	})
	return names, err
}

// -----------------------------------------------------------------------------
// Point operations
// -----------------------------------------------------------------------------

// Upsert writes points. With wait=true the call returns after the write is
// durable, which Tier-2 promotion requires for idempotency checks.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point, wait bool) error {
	if len(points) == 0 {
		return nil
	}
	qpts := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpts[i] = toQdrantPoint(p)
	}
	return c.execute(ctx, "upsert", func(ctx context.Context) error {
		_, err := c.qc.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         qpts,
			Wait:           qdrant.PtrOf(wait),
		})
		return err
	})
}

// Scroll reads points matching the filter, payload only. When orderDescBy
// is non-empty results come back newest-first on that integer field.
func (c *Client) Scroll(ctx context.Context, collection string, f *Filter, limit uint32, orderDescBy string) ([]Point, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(f),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if orderDescBy != "" {
		req.OrderBy = &qdrant.OrderBy{
			Key:       orderDescBy,
			Direction: qdrant.Direction_Desc.Enum(),
		}
	}
	var out []Point
	err := c.execute(ctx, "scroll", func(ctx context.Context) error {
		pts, err := c.qc.Scroll(ctx, req)
		if err != nil {
			return err
		}
		out = fromRetrieved(pts)
		return nil
	})
	return out, err
}

// ScrollAsc reads points oldest-first on the given integer field. Used by
// the Tier-1 sweeper to pick eviction victims.
func (c *Client) ScrollAsc(ctx context.Context, collection string, f *Filter, limit uint32, orderAscBy string) ([]Point, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(f),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		OrderBy: &qdrant.OrderBy{
			Key:       orderAscBy,
			Direction: qdrant.Direction_Asc.Enum(),
		},
	}
	var out []Point
	err := c.execute(ctx, "scroll_asc", func(ctx context.Context) error {
		pts, err := c.qc.Scroll(ctx, req)
		if err != nil {
			return err
		}
		out = fromRetrieved(pts)
		return nil
	})
	return out, err
}

// Count counts points matching the filter.
func (c *Client) Count(ctx context.Context, collection string, f *Filter, exact bool) (uint64, error) {
	var n uint64
	err := c.execute(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = c.qc.Count(ctx, &qdrant.CountPoints{
			CollectionName: collection,
			Filter:         toQdrantFilter(f),
			Exact:          qdrant.PtrOf(exact),
		})
		return err
	})
	return n, err
}

// DeleteByFilter removes every point matching the filter.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, f *Filter) error {
	return c.execute(ctx, "delete_by_filter", func(ctx context.Context) error {
		_, err := c.qc.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         qdrant.NewPointsSelectorFilter(toQdrantFilter(f)),
		})
		return err
	})
}

// DeletePoints removes points by id.
func (c *Client) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.execute(ctx, "delete_points", func(ctx context.Context) error {
		_, err := c.qc.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         qdrant.NewPointsSelector(toQdrantIDs(ids)...),
		})
		return err
	})
}

// GetPoints retrieves points by id, payload only. Missing ids are simply
// absent from the result.
func (c *Client) GetPoints(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Point
	err := c.execute(ctx, "get_points", func(ctx context.Context) error {
		pts, err := c.qc.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            toQdrantIDs(ids),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		out = fromRetrieved(pts)
		return nil
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Search operations
// -----------------------------------------------------------------------------

// SearchGroups runs a grouped query: one bucket per distinct value of
// groupBy, each holding up to groupSize hits.
func (c *Client) SearchGroups(ctx context.Context, collection, groupBy string, groupSize, limit uint64, f *Filter) ([]Group, error) {
	var out []Group
	err := c.execute(ctx, "search_groups", func(ctx context.Context) error {
		groups, err := c.qc.QueryGroups(ctx, &qdrant.QueryPointGroups{
			CollectionName: collection,
			GroupBy:        groupBy,
			GroupSize:      qdrant.PtrOf(groupSize),
			Limit:          qdrant.PtrOf(limit),
			Filter:         toQdrantFilter(f),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		out = make([]Group, 0, len(groups))
		for _, g := range groups {
			out = append(out, Group{
				Key:  groupKeyString(g),
				Hits: fromScored(g.GetHits()),
			})
		}
		return nil
	})
	return out, err
}

// Recommend runs a recommendation query over a named dense vector using
// stored points as positive and negative examples.
func (c *Client) Recommend(ctx context.Context, collection, using string, positive, negative []string, f *Filter, limit uint64) ([]ScoredPoint, error) {
	input := &qdrant.RecommendInput{
		Strategy: qdrant.RecommendStrategy_AverageVector.Enum(),
	}
	for _, id := range positive {
		input.Positive = append(input.Positive, qdrant.NewVectorInputID(qdrant.NewID(id)))
	}
	for _, id := range negative {
		input.Negative = append(input.Negative, qdrant.NewVectorInputID(qdrant.NewID(id)))
	}

	var out []ScoredPoint
	err := c.execute(ctx, "recommend", func(ctx context.Context) error {
		hits, err := c.qc.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQueryRecommend(input),
			Using:          qdrant.PtrOf(using),
			Filter:         toQdrantFilter(f),
			Limit:          qdrant.PtrOf(limit),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		out = fromScored(hits)
		return nil
	})
	return out, err
}

func groupKeyString(g *qdrant.PointGroup) string {
	id := g.GetId()
	if id == nil {
		return ""
	}
	if s := id.GetStringValue(); s != "" {
		return s
	}
	return strconv.FormatInt(id.GetIntegerValue(), 10)
}
