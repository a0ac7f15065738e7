// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline: connection lifecycle, inbound message flow, validation, cache
// efficiency, sync batches, and error recovery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics

	// ConnectionState tracks the current connection state as a numeric value:
	// 0 = disconnected, 1 = connecting, 2 = open, 3 = closing.
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_connection_state",
			Help: "Current feed connection state (0=disconnected, 1=connecting, 2=open, 3=closing)",
		},
	)

	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_connection_transitions_total",
			Help: "Total number of connection state transitions",
		},
		[]string{"from", "to"},
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_reconnects_scheduled_total",
			Help: "Total number of reconnect attempts scheduled",
		},
	)

	ReconnectsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_reconnects_exhausted_total",
			Help: "Times the reconnect attempt budget was exhausted",
		},
	)

	HeartbeatStaleness = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_heartbeat_staleness_total",
			Help: "Connections torn down because no message arrived within the staleness threshold",
		},
	)

	// Inbound Message Metrics

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_messages_received_total",
			Help: "Total raw messages received from the feed",
		},
		[]string{"channel"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_messages_dropped_total",
			Help: "Messages dropped before dispatch",
		},
		[]string{"reason"}, // "queue_full", "validation", "stale_epoch"
	)

	InboundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_inbound_queue_depth",
			Help: "Current depth of the bounded inbound message queue",
		},
	)

	DispatchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feed_dispatch_batch_size",
			Help:    "Number of messages processed per drain cycle",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	// Validation Metrics

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_failures_total",
			Help: "Records rejected by the validation gate",
		},
		[]string{"schema"},
	)

	// Cache Metrics

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses (absent or expired)",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Entries removed from the cache",
		},
		[]string{"reason"}, // "expired", "capacity", "deleted"
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of cache entries",
		},
	)

	// Sync Scheduler Metrics

	SyncBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_batch_duration_seconds",
			Help:    "Duration of sync scheduler batch drains",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncKeysProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_keys_processed_total",
			Help: "Keys refreshed by the sync scheduler",
		},
		[]string{"result"}, // "success", "failure"
	)

	SyncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Keys currently pending refresh",
		},
	)

	// Error Recovery Metrics

	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_attempts_total",
			Help: "Recovery attempts by strategy",
		},
		[]string{"strategy"},
	)

	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_outcomes_total",
			Help: "Recovery outcomes by strategy",
		},
		[]string{"strategy", "outcome"}, // "recovered", "exhausted"
	)

	// Circuit Breaker Metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)
)

// ObserveSyncBatch records one completed scheduler drain.
func ObserveSyncBatch(duration time.Duration, successes, failures int) {
	SyncBatchDuration.Observe(duration.Seconds())
	SyncKeysProcessed.WithLabelValues("success").Add(float64(successes))
	SyncKeysProcessed.WithLabelValues("failure").Add(float64(failures))
}
