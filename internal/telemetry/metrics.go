// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus instruments.
type Metrics struct {
	EventsAccepted  prometheus.Counter
	EventsDeduped   prometheus.Counter
	EventsRejected  prometheus.Counter
	IngestOverloads prometheus.Counter
	AnomaliesTotal  prometheus.Counter
	PromotionsTotal prometheus.Counter
	PromotionDrops  prometheus.Counter
	Tier1Points     prometheus.Gauge
	QueryDuration   *prometheus.HistogramVec
}

// NewMetrics registers the instrument set on a registry. Pass nil to use
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "via_ingest_events_accepted_total",
			Help: "Events accepted into the Tier-1 window.",
		}),
		EventsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "via_ingest_events_deduped_total",
			Help: "Events dropped as duplicates.",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "via_ingest_events_rejected_total",
			Help: "Events rejected as malformed.",
		}),
		IngestOverloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "via_ingest_overloads_total",
			Help: "Batches refused because the ingest queue was full.",
		}),
		AnomaliesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "via_anomalies_flagged_total",
			Help: "Rhythm classes flagged as anomalous.",
		}),
		PromotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "via_promotions_total",
			Help: "Incidents promoted to the forensic store.",
		}),
		PromotionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "via_promotion_drops_total",
			Help: "Promotions dropped after exhausting retries or queue space.",
		}),
		Tier1Points: factory.NewGauge(prometheus.GaugeOpts{
			Name: "via_tier1_points",
			Help: "Live points in the Tier-1 window collection.",
		}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "via_query_duration_seconds",
			Help:    "Federated query latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
