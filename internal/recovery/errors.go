// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dkrotov/streamsync/internal/feed"
)

// Strategy names the recovery behavior selected for an error class.
type Strategy string

const (
	// StrategyNetwork retries with exponential backoff.
	StrategyNetwork Strategy = "network"

	// StrategyRateLimit waits one fixed cooldown, then retries once.
	StrategyRateLimit Strategy = "rate_limit"

	// StrategySync retries a failed synchronization batch with backoff.
	StrategySync Strategy = "sync"

	// StrategyFailFast performs no retry; the error is recorded and
	// returned to the caller unchanged.
	StrategyFailFast Strategy = "fail_fast"
)

// NetworkError marks a transport-level failure as retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// SyncError marks a failed synchronization fetch for a specific key.
type SyncError struct {
	Key string
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync %s: %v", e.Key, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

// ExhaustedError is the terminal outcome of a recovery run whose retry
// budget ran out. Callers treat it as non-retryable.
type ExhaustedError struct {
	Strategy  Strategy
	ContextID string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery exhausted for %s after %d attempts (%s): %v",
		e.ContextID, e.Attempts, e.Strategy, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Classify maps an error to a recovery strategy.
//
// The feed's structured error code is authoritative for rate limiting;
// the message-substring check is a fallback for transports that wrap
// the upstream response without preserving the code.
func Classify(err error) Strategy {
	if err == nil {
		return StrategyFailFast
	}

	var feedErr *feed.Error
	if errors.As(err, &feedErr) {
		if feedErr.Code == feed.CodeRateLimited {
			return StrategyRateLimit
		}
		return StrategyFailFast
	}

	var netClassErr *NetworkError
	if errors.As(err, &netClassErr) {
		return StrategyNetwork
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return StrategySync
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return StrategyNetwork
	}

	if strings.Contains(strings.ToLower(err.Error()), "rate limit") {
		return StrategyRateLimit
	}

	return StrategyFailFast
}
