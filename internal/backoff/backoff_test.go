// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsMonotonicallyToCap(t *testing.T) {
	p := Policy{Base: time.Second, Max: 32 * time.Second, Multiplier: 2}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		32 * time.Second, // capped
		32 * time.Second,
	}
	for attempt, exp := range want {
		if got := p.Delay(attempt); got != exp {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, exp)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Max: 32 * time.Second, Multiplier: 2, Jitter: true}

	for attempt := 0; attempt < 6; attempt++ {
		base := Policy{Base: p.Base, Max: p.Max, Multiplier: p.Multiplier}.Delay(attempt)
		for i := 0; i < 50; i++ {
			got := p.Delay(attempt)
			if got < base || got >= base+base/2 {
				t.Fatalf("Delay(%d) = %v outside [%v, %v)", attempt, got, base, base+base/2)
			}
		}
	}
}

func TestDelaySurvivesHugeAttempt(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2}
	if got := p.Delay(500); got != 30*time.Second {
		t.Errorf("Delay(500) = %v, want cap", got)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	p := Policy{Base: time.Hour, Max: time.Hour, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if err := p.Wait(ctx, 0); err != context.Canceled {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait blocked %v after cancel", elapsed)
	}
}
