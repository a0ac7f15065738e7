// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package backoff computes jittered exponential retry delays shared by
// the connection manager and the recovery coordinator.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a capped exponential backoff schedule.
//
// The delay for attempt n is min(Base * Multiplier^n, Max), plus a
// uniform jitter in [0, delay/2) when Jitter is set. Jitter spreads out
// reconnect storms when many clients lose the same upstream at once.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// Delay returns the wait before attempt (zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	d := float64(p.Base) * math.Pow(mult, float64(attempt))
	if d > float64(p.Max) || d < 0 { // overflow guards the cap too
		d = float64(p.Max)
	}

	delay := time.Duration(d)
	if p.Jitter && delay > 1 {
		delay += rand.N(delay / 2)
	}
	return delay
}

// Wait blocks for the attempt's delay or until the context is canceled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
