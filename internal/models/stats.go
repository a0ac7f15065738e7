// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package models

import "time"

// SyncStats is a snapshot of the sync scheduler's rolling statistics.
type SyncStats struct {
	LastSync     time.Time `json:"last_sync"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	QueueDepth   int       `json:"queue_depth"`
}

// ServiceStats is the consumer-facing statistics surface. It extends
// SyncStats with connection state and the terminal error, if any, so callers
// can observe exhausted-retry conditions instead of silently wedging.
type ServiceStats struct {
	SyncStats

	ConnectionState string `json:"connection_state"`
	Subscriptions   int    `json:"subscriptions"`

	// TerminalErr is non-empty once a non-recoverable condition has been
	// reached (reconnect attempts exhausted, sync retries exhausted).
	TerminalErr string `json:"terminal_err,omitempty"`
}
