// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package main is the entry point for the streamsync server.
//
// Streamsync ingests live market data over a streaming feed connection,
// validates and caches it, and reconciles gaps against the feed's REST
// endpoint on a fixed schedule.
//
// Startup order:
//
//  1. Configuration: defaults, config.yaml, then environment (Koanf v2)
//  2. Logging: zerolog per the logging section
//  3. Pipeline: cache, validation gate, recovery coordinator, REST
//     fetcher behind a circuit breaker, sync scheduler, stream manager
//  4. Supervision: suture tree with ingest and api layers
//  5. Ops server: /healthz, /metrics, /api/v1/stats, /api/v1/refresh
//
// Shutdown is signal driven (SIGINT/SIGTERM): the connection closes
// without reconnecting, in-flight sync batches finish, and the ops
// server drains within the configured timeout.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dkrotov/streamsync/internal/api"
	"github.com/dkrotov/streamsync/internal/cache"
	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/feed"
	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/marketdata"
	"github.com/dkrotov/streamsync/internal/models"
	"github.com/dkrotov/streamsync/internal/recovery"
	"github.com/dkrotov/streamsync/internal/scheduler"
	"github.com/dkrotov/streamsync/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("feed_url", cfg.Feed.URL).
		Str("rest_url", cfg.Feed.RestURL).
		Int("port", cfg.Server.Port).
		Msg("Starting streamsync")

	// Pipeline components, wired explicitly.
	store := cache.New[models.Ticker](cfg.Cache.MaxAge, cfg.Cache.MaxSize)
	defer store.Close()

	coord := recovery.NewCoordinator(cfg.Recovery)
	fetcher := scheduler.NewBreakerFetcher("rest-fetcher",
		scheduler.NewRestFetcher(cfg.Feed.RestURL, cfg.Sync.FetchTimeout))
	sched := scheduler.New(cfg.Sync, fetcher, store, coord)

	transport := &feed.WebsocketTransport{HandshakeTimeout: cfg.Feed.DialTimeout}
	svc := marketdata.New(cfg, transport, marketdata.DefaultGate(), store, sched, coord)

	for _, stream := range cfg.Feed.Streams {
		symbol, channel, ok := strings.Cut(stream, "@")
		if !ok {
			logging.Warn().Str("stream", stream).Msg("Skipping malformed stream id")
			continue
		}
		svc.Subscribe(symbol, channel)
		logging.Info().Str("stream", stream).Msg("Stream configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog.
	slogLogger := logging.NewSlogLogger()

	tree := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())
	tree.AddIngestService(supervisor.NewPipelineService("marketdata-pipeline", svc))
	tree.AddAPIService(api.New(cfg.Server, svc))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	logging.Info().Msg("Streamsync stopped gracefully")
}
