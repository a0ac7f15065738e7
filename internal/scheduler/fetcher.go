// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package scheduler

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/metrics"
	"github.com/dkrotov/streamsync/internal/models"
)

// Fetcher retrieves the authoritative snapshot for one key from the
// upstream REST endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (models.Ticker, error)
}

// BreakerFetcher wraps a Fetcher with a circuit breaker so a dead or
// slow upstream stops consuming the scheduler's fetch budget.
//
// The breaker uses real time for its interval and timeout windows;
// tests exercise the wrapped fetcher directly.
type BreakerFetcher struct {
	inner Fetcher
	cb    *gobreaker.CircuitBreaker[models.Ticker]
	name  string
}

// NewBreakerFetcher wraps inner in a circuit breaker. The breaker opens
// after a 60% failure rate over at least 10 requests, waits 2 minutes
// before probing half-open, and admits 3 half-open requests.
func NewBreakerFetcher(name string, inner Fetcher) *BreakerFetcher {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[models.Ticker](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			if failureRatio >= 0.6 {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio).
					Str("breaker", name).
					Msg("circuit breaker opening")
				return true
			}
			return false
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateFloat(to))
		},
	})

	return &BreakerFetcher{inner: inner, cb: cb, name: name}
}

// Fetch executes the wrapped fetch under breaker protection.
func (f *BreakerFetcher) Fetch(ctx context.Context, key string) (models.Ticker, error) {
	result, err := f.cb.Execute(func() (models.Ticker, error) {
		return f.inner.Fetch(ctx, key)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(f.name, "rejected").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(f.name, "failure").Inc()
		}
		return models.Ticker{}, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(f.name, "success").Inc()
	return result, nil
}

func breakerStateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
