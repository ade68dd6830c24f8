// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics provides Prometheus instrumentation for streams and the
// conversation store.
//
// Each Metrics owns its registry so tests and multiple clients in one
// process never collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes used as the "outcome" label.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Metrics holds all collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Transport
	RequestsTotal      *prometheus.CounterVec
	StreamDuration     prometheus.Histogram
	TimeToFirstChunk   prometheus.Histogram
	FramesTotal        *prometheus.CounterVec
	StreamsInFlight    prometheus.Gauge
	RateLimitWaitTotal prometheus.Counter

	// Store
	StoreOperationsTotal *prometheus.CounterVec
	StoreCorruptionTotal prometheus.Counter
	ConversationsStored  prometheus.Gauge

	// Orchestrator
	SendsTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rigchat_requests_total",
			Help: "Chat service requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rigchat_stream_duration_seconds",
			Help:    "Wall time from request issue to stream end.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		TimeToFirstChunk: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rigchat_stream_first_chunk_seconds",
			Help:    "Latency until the first chunk frame arrived.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rigchat_stream_frames_total",
			Help: "Stream frames received by type.",
		}, []string{"type"}),
		StreamsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "rigchat_streams_in_flight",
			Help: "Streams currently being read.",
		}),
		RateLimitWaitTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rigchat_rate_limit_waits_total",
			Help: "Requests that had to wait for the client-side rate limiter.",
		}),

		StoreOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rigchat_store_operations_total",
			Help: "Conversation store operations by name and status.",
		}, []string{"operation", "status"}),
		StoreCorruptionTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rigchat_store_corruption_total",
			Help: "Times the persisted state failed to decode and was reset.",
		}),
		ConversationsStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "rigchat_conversations_stored",
			Help: "Conversations in the store after the last write.",
		}),

		SendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rigchat_sends_total",
			Help: "Orchestrated sends by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveStore records one store operation.
func (m *Metrics) ObserveStore(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(op, status).Inc()
}
