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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/feed"
)

func fastConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		RateLimitCooldown: 5 * time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Strategy
	}{
		{"nil", nil, StrategyFailFast},
		{"feed rate limit code", &feed.Error{Code: feed.CodeRateLimited, Message: "slow down"}, StrategyRateLimit},
		{"feed other code", &feed.Error{Code: feed.CodeInvalidStream}, StrategyFailFast},
		{"wrapped feed rate limit", fmt.Errorf("read: %w", &feed.Error{Code: feed.CodeRateLimited}), StrategyRateLimit},
		{"network error type", &NetworkError{Op: "dial", Err: errors.New("refused")}, StrategyNetwork},
		{"sync error type", &SyncError{Key: "BTC-USD@ticker", Err: errors.New("fetch failed")}, StrategySync},
		{"net.Error", &net.OpError{Op: "read", Err: errors.New("reset")}, StrategyNetwork},
		{"deadline", context.DeadlineExceeded, StrategyNetwork},
		{"rate limit substring", errors.New("upstream said: Rate Limit exceeded"), StrategyRateLimit},
		{"unknown", errors.New("schema drift"), StrategyFailFast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandleRetriesUntilSuccess(t *testing.T) {
	c := NewCoordinator(fastConfig())

	var calls int32
	err := c.Handle(context.Background(), &NetworkError{Op: "read", Err: errors.New("reset")}, "conn", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("still down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	if _, ok := c.TerminalError("conn"); ok {
		t.Error("successful recovery must clear terminal state")
	}
}

func TestHandleExhaustsRetryBudget(t *testing.T) {
	c := NewCoordinator(fastConfig())

	var calls int32
	err := c.Handle(context.Background(), &SyncError{Key: "k", Err: errors.New("boom")}, "k", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %v", err)
	}
	if exhausted.Strategy != StrategySync || exhausted.Attempts != 3 {
		t.Errorf("unexpected exhausted error: %+v", exhausted)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	if msg, ok := c.TerminalError("k"); !ok || msg == "" {
		t.Error("exhausted recovery must record a terminal error")
	}
}

func TestHandleFailFastDoesNotRetry(t *testing.T) {
	c := NewCoordinator(fastConfig())

	cause := errors.New("malformed payload")
	err := c.Handle(context.Background(), cause, "ctx", func(ctx context.Context) error {
		t.Error("op must not run for fail-fast errors")
		return nil
	})
	if !errors.Is(err, cause) {
		t.Errorf("Handle = %v, want original cause", err)
	}
	if _, ok := c.TerminalError("ctx"); !ok {
		t.Error("fail-fast errors must be recorded")
	}
}

func TestHandleRateLimitSingleRetryAfterCooldown(t *testing.T) {
	c := NewCoordinator(fastConfig())

	var calls int32
	start := time.Now()
	err := c.Handle(context.Background(), &feed.Error{Code: feed.CodeRateLimited}, "feed", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 1 {
		t.Errorf("rate-limit strategy ran op %d times, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("retry fired after %v, before the cooldown", elapsed)
	}
}

func TestHandleSingleFlightPerContext(t *testing.T) {
	c := NewCoordinator(config.RecoveryConfig{
		MaxRetries:        2,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          20 * time.Millisecond,
		RateLimitCooldown: time.Millisecond,
	})

	var runs int32
	op := func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	// Ten concurrent callers for the same context share one recovery run.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Handle(context.Background(), &NetworkError{Op: "read", Err: errors.New("reset")}, "shared", op)
		}(i)
	}
	wg.Wait()

	if runs != 1 {
		t.Errorf("op ran %d times across concurrent callers, want 1", runs)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got %v, want shared nil outcome", i, err)
		}
	}
}

func TestHandleCancelledDuringWait(t *testing.T) {
	c := NewCoordinator(config.RecoveryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Hour,
		MaxDelay:          time.Hour,
		RateLimitCooldown: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := c.Handle(ctx, &NetworkError{Op: "read", Err: errors.New("reset")}, "slow", func(ctx context.Context) error {
		return errors.New("never reached")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Handle = %v, want context.Canceled", err)
	}
}
