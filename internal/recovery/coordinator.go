// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package recovery classifies failures from the feed and the sync
// scheduler and runs the matching retry strategy. Concurrent recovery
// requests for the same context are collapsed into a single in-flight
// run whose outcome all callers share.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dkrotov/streamsync/internal/backoff"
	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/metrics"
)

// Op is the operation a recovery run retries.
type Op func(ctx context.Context) error

// Coordinator runs recovery strategies with per-context single-flight
// deduplication and records terminal failures for observability.
type Coordinator struct {
	cfg    config.RecoveryConfig
	policy backoff.Policy
	group  singleflight.Group

	mu       sync.RWMutex
	terminal map[string]string
}

// NewCoordinator creates a recovery coordinator from configuration.
func NewCoordinator(cfg config.RecoveryConfig) *Coordinator {
	return &Coordinator{
		cfg: cfg,
		policy: backoff.Policy{
			Base:       cfg.BaseDelay,
			Max:        cfg.MaxDelay,
			Multiplier: 2,
			Jitter:     true,
		},
		terminal: make(map[string]string),
	}
}

// Handle classifies cause and retries op under the matching strategy.
//
// Calls with the same contextID while a run is in flight do not start a
// second run; they block until the shared run finishes and receive its
// outcome. A nil return means op eventually succeeded; fail-fast errors
// come back unchanged; an exhausted retry budget returns *ExhaustedError.
func (c *Coordinator) Handle(ctx context.Context, cause error, contextID string, op Op) error {
	if cause == nil {
		return nil
	}

	strategy := Classify(cause)
	if strategy == StrategyFailFast {
		c.recordTerminal(contextID, cause)
		logging.Error().
			Err(cause).
			Str("context_id", contextID).
			Msg("non-retryable error, failing fast")
		return cause
	}

	_, err, shared := c.group.Do(contextID, func() (any, error) {
		return nil, c.run(ctx, strategy, cause, contextID, op)
	})
	if shared {
		logging.Debug().
			Str("context_id", contextID).
			Msg("joined in-flight recovery")
	}
	return err
}

// run executes one recovery sequence. Exactly one run is active per
// contextID at a time.
func (c *Coordinator) run(ctx context.Context, strategy Strategy, cause error, contextID string, op Op) error {
	correlationID := uuid.NewString()
	log := logging.With().
		Str("correlation_id", correlationID).
		Str("context_id", contextID).
		Str("strategy", string(strategy)).
		Logger()

	log.Warn().Err(cause).Msg("recovery started")

	attempts := c.cfg.MaxRetries
	if strategy == StrategyRateLimit {
		// Rate limits reset on the provider's schedule; one cooldown
		// then a single probe is the whole budget.
		attempts = 1
	}

	var last error = cause
	for attempt := 0; attempt < attempts; attempt++ {
		metrics.RecoveryAttempts.WithLabelValues(string(strategy)).Inc()

		if err := c.wait(ctx, strategy, attempt); err != nil {
			return err
		}

		if err := op(ctx); err != nil {
			last = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", attempts).
				Msg("recovery attempt failed")
			continue
		}

		c.clearTerminal(contextID)
		metrics.RecoveryOutcomes.WithLabelValues(string(strategy), "recovered").Inc()
		log.Info().Int("attempts", attempt+1).Msg("recovery succeeded")
		return nil
	}

	exhausted := &ExhaustedError{
		Strategy:  strategy,
		ContextID: contextID,
		Attempts:  attempts,
		Last:      last,
	}
	c.recordTerminal(contextID, exhausted)
	metrics.RecoveryOutcomes.WithLabelValues(string(strategy), "exhausted").Inc()
	log.Error().Err(last).Int("attempts", attempts).Msg("recovery exhausted")
	return exhausted
}

// wait blocks for the strategy's inter-attempt delay.
func (c *Coordinator) wait(ctx context.Context, strategy Strategy, attempt int) error {
	if strategy == StrategyRateLimit {
		timer := time.NewTimer(c.cfg.RateLimitCooldown)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.policy.Wait(ctx, attempt)
}

func (c *Coordinator) recordTerminal(contextID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminal[contextID] = err.Error()
}

func (c *Coordinator) clearTerminal(contextID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.terminal, contextID)
}

// TerminalError returns the recorded terminal failure for a context, if any.
func (c *Coordinator) TerminalError(contextID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.terminal[contextID]
	return msg, ok
}

// TerminalErrors returns a snapshot of all recorded terminal failures.
func (c *Coordinator) TerminalErrors() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.terminal))
	for k, v := range c.terminal {
		out[k] = v
	}
	return out
}
