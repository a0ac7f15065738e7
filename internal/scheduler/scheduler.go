// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package scheduler reconciles cached market data against the upstream
// REST endpoint. Keys queue up in a deduplicating pending set and are
// fetched in bounded-parallel batches on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkrotov/streamsync/internal/cache"
	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/metrics"
	"github.com/dkrotov/streamsync/internal/models"
	"github.com/dkrotov/streamsync/internal/recovery"
)

// Scheduler drains a pending set of keys into the fetcher and writes
// successful results through the cache. Failures route to the recovery
// coordinator with the key as recovery context.
type Scheduler struct {
	cfg     config.SyncConfig
	fetcher Fetcher
	store   *cache.Cache[models.Ticker]
	coord   *recovery.Coordinator

	mu       sync.Mutex
	pending  map[string]struct{}
	order    []string
	draining bool
	stats    models.SyncStats

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool

	stopChan chan struct{}
	stopOnce sync.Once
	tickWg   sync.WaitGroup
	recWg    sync.WaitGroup
}

// New creates a scheduler. Call Start to begin ticking.
func New(cfg config.SyncConfig, fetcher Fetcher, store *cache.Cache[models.Ticker], coord *recovery.Coordinator) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		store:    store,
		coord:    coord,
		pending:  make(map[string]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.tickWg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop halts new ticks, lets any in-flight batch finish, then cancels
// outstanding recovery runs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.tickWg.Wait()

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.recWg.Wait()
}

// Enqueue adds a key to the pending set. Enqueuing an already-pending
// key is a no-op, so repeated partial updates for one stream cost one
// reconciliation.
func (s *Scheduler) Enqueue(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[key]; ok {
		return
	}
	s.pending[key] = struct{}{}
	s.order = append(s.order, key)
	s.stats.QueueDepth = len(s.pending)
	metrics.SyncQueueDepth.Set(float64(len(s.pending)))
}

// Pending returns the number of keys awaiting reconciliation.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ForceRefresh enqueues a key and drains immediately instead of waiting
// for the next tick.
func (s *Scheduler) ForceRefresh(key string) {
	s.Enqueue(key)
	s.kick()
}

// ForceRefreshAll re-enqueues every cached key and drains immediately.
func (s *Scheduler) ForceRefreshAll() {
	for _, key := range s.store.Keys() {
		s.Enqueue(key)
	}
	s.kick()
}

// Stats returns a snapshot of the rolling sync statistics.
func (s *Scheduler) Stats() models.SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.QueueDepth = len(s.pending)
	return stats
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.tickWg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

// kick runs one drain on its own goroutine; overlapping kicks collapse
// into the draining guard inside drainOnce.
func (s *Scheduler) kick() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.tickWg.Add(1)
	go func() {
		defer s.tickWg.Done()
		s.drainOnce(ctx)
	}()
}

// drainOnce takes up to BatchSize keys and fetches them in parallel.
// At most one drain runs at a time; a tick that lands mid-drain is
// skipped rather than queued.
func (s *Scheduler) drainOnce(ctx context.Context) {
	s.mu.Lock()
	if s.draining || len(s.order) == 0 {
		s.mu.Unlock()
		return
	}
	s.draining = true

	n := len(s.order)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]string, n)
	copy(batch, s.order[:n])
	s.order = s.order[n:]
	for _, key := range batch {
		delete(s.pending, key)
	}
	metrics.SyncQueueDepth.Set(float64(len(s.pending)))
	s.mu.Unlock()

	start := time.Now()
	var resMu sync.Mutex
	successes, failures := 0, 0

	g := &errgroup.Group{}
	g.SetLimit(s.cfg.Parallelism)
	for _, key := range batch {
		g.Go(func() error {
			fetchStart := time.Now()
			ticker, err := s.fetch(ctx, key)
			latency := time.Since(fetchStart)

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				failures++
				s.routeFailure(ctx, key, err)
				return nil
			}
			s.store.Set(key, ticker)
			successes++
			s.recordLatency(latency)
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start)
	metrics.ObserveSyncBatch(duration, successes, failures)

	s.mu.Lock()
	s.stats.LastSync = time.Now()
	s.stats.SuccessCount += int64(successes)
	s.stats.FailureCount += int64(failures)
	s.stats.QueueDepth = len(s.pending)
	s.draining = false
	s.mu.Unlock()

	logging.Debug().
		Int("batch", len(batch)).
		Int("successes", successes).
		Int("failures", failures).
		Dur("duration", duration).
		Msg("sync_batch_completed")
}

// fetch runs one fetch under the configured timeout.
func (s *Scheduler) fetch(ctx context.Context, key string) (models.Ticker, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	return s.fetcher.Fetch(fctx, key)
}

// recordLatency folds one fetch latency into the rolling average. The
// caller holds resMu; stats writes still take s.mu.
func (s *Scheduler) recordLatency(latency time.Duration) {
	sample := float64(latency.Milliseconds())
	s.mu.Lock()
	if s.stats.AvgLatencyMs == 0 {
		s.stats.AvgLatencyMs = sample
	} else {
		s.stats.AvgLatencyMs = (s.stats.AvgLatencyMs + sample) / 2
	}
	s.mu.Unlock()
}

// routeFailure hands a failed key to the recovery coordinator. The
// recovery op re-fetches the key and writes through the cache, so a
// recovered key needs no re-enqueue.
func (s *Scheduler) routeFailure(ctx context.Context, key string, err error) {
	var cause error
	if errors.Is(err, context.DeadlineExceeded) {
		cause = &recovery.NetworkError{Op: "fetch " + key, Err: err}
	} else {
		cause = &recovery.SyncError{Key: key, Err: err}
	}

	logging.Warn().Err(err).Str("key", key).Msg("sync fetch failed")

	s.recWg.Add(1)
	go func() {
		defer s.recWg.Done()
		recErr := s.coord.Handle(ctx, cause, key, func(ctx context.Context) error {
			ticker, err := s.fetch(ctx, key)
			if err != nil {
				return err
			}
			s.store.Set(key, ticker)
			return nil
		})
		if recErr != nil && !errors.Is(recErr, context.Canceled) {
			logging.Error().Err(recErr).Str("key", key).Msg("sync recovery failed")
		}
	}()
}
