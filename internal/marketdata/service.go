// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package marketdata is the consumer-facing surface of the ingestion
// pipeline. It composes the cache, the streaming connection manager,
// the sync scheduler, and the recovery coordinator behind one Service:
// subscribe to live streams, read last-known-good snapshots, and force
// reconciliation on demand.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkrotov/streamsync/internal/cache"
	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/feed"
	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/models"
	"github.com/dkrotov/streamsync/internal/recovery"
	"github.com/dkrotov/streamsync/internal/scheduler"
	"github.com/dkrotov/streamsync/internal/stream"
	"github.com/dkrotov/streamsync/internal/validation"
)

// Service ties the ingestion pipeline together. Push updates flow from
// the stream manager into the cache; partial updates and failures are
// reconciled by the scheduler through the REST fetcher.
type Service struct {
	store   *cache.Cache[models.Ticker]
	manager *stream.Manager
	sched   *scheduler.Scheduler
	coord   *recovery.Coordinator

	mu          sync.RWMutex
	terminalErr string
}

// New wires the pipeline. The stream manager is constructed here so its
// error callback can feed the service's terminal-error surface.
func New(cfg *config.Config, transport feed.Transport, gate *validation.Registry,
	store *cache.Cache[models.Ticker], sched *scheduler.Scheduler, coord *recovery.Coordinator) *Service {

	s := &Service{
		store: store,
		sched: sched,
		coord: coord,
	}
	s.manager = stream.NewManager(cfg.Stream, cfg.Feed, transport, gate,
		stream.WithErrorCallback(s.onStreamError))
	return s
}

// DefaultGate returns a validation registry loaded with the ticker
// channel schema the feed pushes.
func DefaultGate() *validation.Registry {
	r := validation.NewRegistry()
	r.Register("ticker", []validation.Rule{
		{Field: "symbol", Type: validation.TypeString, Required: true},
		{Field: "price", Type: validation.TypeNumber, Required: true, Min: validation.Float(0)},
		{Field: "volume", Type: validation.TypeNumber, Min: validation.Float(0)},
		{Field: "high_24h", Type: validation.TypeNumber, Min: validation.Float(0)},
		{Field: "low_24h", Type: validation.TypeNumber, Min: validation.Float(0)},
		{Field: "change_24h", Type: validation.TypeNumber},
	})
	return r
}

// Start brings up the stream connection and the scheduler.
func (s *Service) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	return s.sched.Start(ctx)
}

// Stop shuts the pipeline down: connection first so no new pushes
// arrive, then the scheduler.
func (s *Service) Stop() {
	s.manager.Stop()
	s.sched.Stop()
}

// Subscribe opens a live stream for symbol on channel. Updates write
// through the cache; the returned handle releases the subscription.
func (s *Service) Subscribe(symbol, channel string) stream.SubscriptionID {
	return s.manager.Subscribe(models.StreamID(symbol, channel), s.handleUpdate)
}

// Unsubscribe releases one subscription handle.
func (s *Service) Unsubscribe(symbol, channel string, id stream.SubscriptionID) {
	s.manager.Unsubscribe(models.StreamID(symbol, channel), id)
}

// GetCached returns the last known good snapshot for symbol on channel.
// Values keep serving while the connection is down, up to the cache TTL.
func (s *Service) GetCached(symbol, channel string) (models.Ticker, bool) {
	return s.store.Get(models.StreamID(symbol, channel))
}

// ForceRefresh reconciles one stream against the upstream REST endpoint
// ahead of its scheduled refresh.
func (s *Service) ForceRefresh(symbol, channel string) {
	s.sched.ForceRefresh(models.StreamID(symbol, channel))
}

// ForceRefreshAll reconciles every cached stream.
func (s *Service) ForceRefreshAll() {
	s.sched.ForceRefreshAll()
}

// Stats reports pipeline health: sync statistics, connection state, and
// any terminal condition. Exhausted sync retries recorded by the
// recovery coordinator surface here too, so a permanently failing key
// is visible rather than silently wedging.
func (s *Service) Stats() models.ServiceStats {
	streamStats := s.manager.Stats()

	s.mu.RLock()
	terminal := s.terminalErr
	s.mu.RUnlock()
	if terminal == "" {
		terminal = streamStats.TerminalErr
	}
	if terminal == "" {
		terminal = firstTerminal(s.coord.TerminalErrors())
	}

	return models.ServiceStats{
		SyncStats:       s.sched.Stats(),
		ConnectionState: streamStats.State,
		Subscriptions:   streamStats.Subscriptions,
		TerminalErr:     terminal,
	}
}

// handleUpdate receives validated stream messages. Full records write
// through the cache; partial records enqueue their key so the next
// scheduled sync reconciles them from the authoritative source.
func (s *Service) handleUpdate(msg models.InboundMessage) {
	ticker, partial := tickerFromMessage(msg)
	key := msg.StreamID()

	if partial {
		s.sched.Enqueue(key)
		return
	}
	s.store.Set(key, ticker)
}

// tickerFromMessage maps a validated payload onto a Ticker. A record is
// partial when the feed flags it, or when it omits the volume the full
// snapshot always carries.
func tickerFromMessage(msg models.InboundMessage) (models.Ticker, bool) {
	p := msg.Payload

	t := models.Ticker{
		Channel:    msg.Channel,
		ReceivedAt: msg.ReceivedAt,
	}
	t.Symbol, _ = p["symbol"].(string)
	t.Price = num(p["price"])
	t.High24h = num(p["high_24h"])
	t.Low24h = num(p["low_24h"])
	t.Change24h = num(p["change_24h"])
	t.Sequence = int64(num(p["sequence"]))

	vol, hasVolume := p["volume"]
	if hasVolume {
		t.Volume = num(vol)
	}

	flagged, _ := p["partial"].(bool)
	t.Partial = flagged || !hasVolume
	return t, t.Partial
}

// firstTerminal picks a deterministic entry from the coordinator's
// terminal registry: the lowest context key, annotated with how many
// other contexts are also wedged.
func firstTerminal(terminal map[string]string) string {
	if len(terminal) == 0 {
		return ""
	}
	keys := make([]string, 0, len(terminal))
	for k := range terminal {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msg := terminal[keys[0]]
	if len(keys) > 1 {
		msg = fmt.Sprintf("%s (+%d more)", msg, len(keys)-1)
	}
	return msg
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// onStreamError records terminal conditions from the connection manager
// so Stats never hides a wedged pipeline.
func (s *Service) onStreamError(err error) {
	var exhaustedReconnect *stream.ReconnectExhaustedError
	var exhaustedRecovery *recovery.ExhaustedError
	if errors.As(err, &exhaustedReconnect) || errors.As(err, &exhaustedRecovery) {
		s.mu.Lock()
		s.terminalErr = err.Error()
		s.mu.Unlock()
		logging.Error().Err(err).Msg("pipeline reached terminal condition")
		return
	}
	logging.Warn().Err(err).Msg("stream error")
}
