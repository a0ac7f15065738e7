// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package stream manages the live connection to the market-data feed:
// dialing, subscription registry, reconnect with jittered exponential
// backoff, heartbeat staleness detection, and the bounded inbound
// queue that batches messages toward subscriber callbacks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkrotov/streamsync/internal/backoff"
	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/feed"
	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/metrics"
	"github.com/dkrotov/streamsync/internal/models"
	"github.com/dkrotov/streamsync/internal/validation"
)

// ReconnectExhaustedError is the terminal condition reached when every
// allowed reconnect attempt has failed. The manager stays Disconnected
// and surfaces this through Stats and the error callback instead of
// retrying forever.
type ReconnectExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("reconnect exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ReconnectExhaustedError) Unwrap() error { return e.Last }

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
	Received      int64  `json:"received"`
	Dropped       int64  `json:"dropped"`
	QueueDepth    int    `json:"queue_depth"`
	TerminalErr   string `json:"terminal_err,omitempty"`
}

// Manager owns one logical feed connection and its lifecycle.
type Manager struct {
	cfg     config.StreamConfig
	feedCfg config.FeedConfig

	transport feed.Transport
	gate      *validation.Registry
	policy    backoff.Policy
	limiter   *rate.Limiter
	onError   func(error)

	mu               sync.Mutex
	state            State
	conn             feed.Conn
	epoch            uint64
	attempt          int
	lastErr          error
	reconnectPending bool
	terminalErr      string
	subs             map[string][]subscription
	nextSubID        SubscriptionID

	queue    chan models.InboundMessage
	lastMsg  atomic.Int64 // unix nanos of last frame read
	received atomic.Int64
	dropped  atomic.Int64

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithErrorCallback registers a callback invoked (on its own goroutine)
// for terminal conditions and structured feed errors.
func WithErrorCallback(fn func(error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// NewManager creates a connection manager. Call Start to connect.
func NewManager(cfg config.StreamConfig, feedCfg config.FeedConfig, transport feed.Transport, gate *validation.Registry, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		feedCfg:   feedCfg,
		transport: transport,
		gate:      gate,
		policy: backoff.Policy{
			Base:       cfg.ReconnectBaseDelay,
			Max:        cfg.ReconnectMaxDelay,
			Multiplier: cfg.ReconnectMultiplier,
			Jitter:     true,
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		subs:     make(map[string][]subscription),
		queue:    make(chan models.InboundMessage, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the drain and heartbeat loops and dials the feed. A
// failed first dial is handled like any disconnect: a reconnect is
// scheduled and Start still returns nil.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("stream manager already started")
	}
	m.started = true
	m.runCtx, m.cancel = context.WithCancel(ctx)
	runCtx := m.runCtx
	m.mu.Unlock()

	m.wg.Add(2)
	go m.drainLoop(runCtx)
	go m.heartbeatLoop(runCtx)

	go m.connect(runCtx)
	return nil
}

// Stop closes the connection without scheduling a reconnect, stops all
// loops, and clears the inbound queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.transition(StateClosing, "shutdown requested")
	}
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopChan) })
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.transition(StateDisconnected, "shutdown complete")
	m.mu.Unlock()

	for {
		select {
		case <-m.queue:
		default:
			metrics.InboundQueueDepth.Set(0)
			return
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of connection and queue health.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:         m.state.String(),
		Subscriptions: len(m.subs),
		Received:      m.received.Load(),
		Dropped:       m.dropped.Load(),
		QueueDepth:    len(m.queue),
		TerminalErr:   m.terminalErr,
	}
}

// connect dials the feed and, on success, moves to Open, replays every
// live subscription, and starts the per-connection read and ping loops.
func (m *Manager) connect(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.transition(StateConnecting, "dialing feed")
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.feedCfg.DialTimeout)
	conn, err := m.transport.Dial(dialCtx, m.feedCfg.URL)
	cancel()

	m.mu.Lock()
	if m.state == StateClosing || ctx.Err() != nil {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.lastErr = err
		m.transition(StateDisconnected, "dial failed")
		m.scheduleReconnectLocked(ctx)
		m.mu.Unlock()
		logging.Error().Err(err).Str("url", m.feedCfg.URL).Msg("feed dial failed")
		return
	}

	m.conn = conn
	m.epoch++
	epoch := m.epoch
	m.attempt = 0
	m.terminalErr = ""
	m.transition(StateOpen, "feed connected")
	streams := m.liveStreamsLocked()
	m.mu.Unlock()

	m.lastMsg.Store(time.Now().UnixNano())

	m.wg.Add(1)
	go m.readLoop(ctx, conn, epoch)
	if m.feedCfg.PingInterval > 0 {
		m.wg.Add(1)
		go m.pingLoop(ctx, conn, epoch)
	}

	// Resubscribe replay: streams registered before or during the
	// outage get their subscribe sends now.
	if len(streams) > 0 {
		m.sendSubscribe(streams...)
	}
}

// readLoop consumes frames for one connection epoch. Frames from an
// epoch that is no longer current never reach the queue with a live
// epoch stamp, so late messages from dead connections are discarded at
// dispatch.
func (m *Manager) readLoop(ctx context.Context, conn feed.Conn, epoch uint64) {
	defer m.wg.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.stopChan:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			m.handleReadFailure(ctx, epoch, err)
			return
		}

		m.lastMsg.Store(time.Now().UnixNano())

		msgs, perr := feed.ParseFrame(data, epoch)
		if perr != nil {
			var feedErr *feed.Error
			if errors.As(perr, &feedErr) {
				logging.Warn().
					Str("code", feedErr.Code).
					Str("message", feedErr.Message).
					Msg("feed error frame")
				m.notifyError(feedErr)
			} else {
				logging.Warn().Err(perr).Msg("malformed feed frame")
			}
			continue
		}

		for _, msg := range msgs {
			metrics.MessagesReceived.WithLabelValues(msg.Channel).Inc()
			m.received.Add(1)
			select {
			case m.queue <- msg:
			default:
				// Back-pressure: drop rather than block the reader.
				m.dropped.Add(1)
				metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
			}
		}
		metrics.InboundQueueDepth.Set(float64(len(m.queue)))
	}
}

// handleReadFailure tears down a failed connection and schedules a
// reconnect, unless the epoch already advanced (a newer connection owns
// the manager) or shutdown is in progress.
func (m *Manager) handleReadFailure(ctx context.Context, epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	if m.state == StateClosing {
		m.conn = nil
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.lastErr = err
	m.transition(StateDisconnected, "read failure")
	m.scheduleReconnectLocked(ctx)
	m.mu.Unlock()

	if feed.IsNormalClosure(err) {
		logging.Info().Msg("feed closed connection")
	} else {
		logging.Warn().Err(err).Msg("feed read failed")
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// pingLoop sends keepalive probes for one connection epoch.
func (m *Manager) pingLoop(ctx context.Context, conn feed.Conn, epoch uint64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.feedCfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := epoch != m.epoch
			m.mu.Unlock()
			if stale {
				return
			}
			if err := conn.Ping(time.Now().Add(m.feedCfg.WriteTimeout)); err != nil {
				logging.Warn().Err(err).Msg("feed ping failed")
				return
			}
		}
	}
}

// heartbeatLoop tears down connections that have gone silent past the
// staleness threshold. A half-open TCP connection reads forever without
// erroring; closing it from here unblocks the read loop.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			open := m.state == StateOpen
			m.mu.Unlock()
			if !open {
				continue
			}

			silence := time.Since(time.Unix(0, m.lastMsg.Load()))
			if silence <= m.cfg.StalenessThreshold {
				continue
			}
			metrics.HeartbeatStaleness.Inc()

			logging.Warn().
				Dur("silence", silence).
				Dur("threshold", m.cfg.StalenessThreshold).
				Msg("heartbeat stale, tearing down connection")

			m.mu.Lock()
			if m.state != StateOpen {
				m.mu.Unlock()
				continue
			}
			conn := m.conn
			m.conn = nil
			m.lastErr = fmt.Errorf("no feed traffic for %v", silence)
			m.transition(StateDisconnected, "heartbeat stale")
			m.scheduleReconnectLocked(ctx)
			m.mu.Unlock()

			if conn != nil {
				_ = conn.Close()
			}
		}
	}
}

// scheduleReconnectLocked arms at most one pending reconnect. Caller
// holds m.mu. When the attempt budget is spent the manager goes
// terminal instead of arming another timer.
func (m *Manager) scheduleReconnectLocked(ctx context.Context) {
	if m.reconnectPending || m.state == StateClosing {
		return
	}
	select {
	case <-m.stopChan:
		return
	default:
	}

	if m.attempt >= m.cfg.ReconnectMaxAttempts {
		err := &ReconnectExhaustedError{Attempts: m.attempt, Last: m.lastErr}
		m.terminalErr = err.Error()
		metrics.ReconnectsExhausted.Inc()
		logging.Error().
			Int("attempts", m.attempt).
			Err(m.lastErr).
			Msg("reconnect attempts exhausted, giving up")
		m.notifyError(err)
		return
	}

	delay := m.policy.Delay(m.attempt)
	m.attempt++
	m.reconnectPending = true
	metrics.ReconnectsScheduled.Inc()

	logging.Info().
		Int("attempt", m.attempt).
		Int("max_attempts", m.cfg.ReconnectMaxAttempts).
		Dur("delay", delay).
		Msg("reconnect_scheduled")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			m.clearReconnectPending()
			return
		case <-m.stopChan:
			m.clearReconnectPending()
			return
		}

		m.clearReconnectPending()
		m.connect(ctx)
	}()
}

func (m *Manager) clearReconnectPending() {
	m.mu.Lock()
	m.reconnectPending = false
	m.mu.Unlock()
}

// drainLoop moves messages from the queue to subscribers in batches.
// The blocking receive makes an empty queue cost nothing; a non-empty
// queue loops straight into the next batch.
func (m *Manager) drainLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case msg := <-m.queue:
			m.dispatch(m.takeBatch(msg))
		}
	}
}

// takeBatch gathers up to BatchSize messages without blocking beyond
// the first, already-received message.
func (m *Manager) takeBatch(first models.InboundMessage) []models.InboundMessage {
	batch := make([]models.InboundMessage, 0, m.cfg.BatchSize)
	batch = append(batch, first)
	for len(batch) < m.cfg.BatchSize {
		select {
		case msg := <-m.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// dispatch validates a batch, groups it by stream, and fans each
// message out to the stream's subscribers in arrival order.
func (m *Manager) dispatch(batch []models.InboundMessage) {
	metrics.DispatchBatchSize.Observe(float64(len(batch)))
	metrics.InboundQueueDepth.Set(float64(len(m.queue)))

	m.mu.Lock()
	current := m.epoch
	m.mu.Unlock()

	order := make([]string, 0, 8)
	groups := make(map[string][]models.InboundMessage, 8)
	for _, msg := range batch {
		if msg.Epoch != current {
			m.dropped.Add(1)
			metrics.MessagesDropped.WithLabelValues("stale_epoch").Inc()
			continue
		}
		if !m.gate.ValidateStream(msg.Channel, msg.Payload) {
			m.dropped.Add(1)
			metrics.MessagesDropped.WithLabelValues("validation").Inc()
			continue
		}
		id := msg.StreamID()
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], msg)
	}

	for _, id := range order {
		subs := m.callbacksFor(id)
		for _, msg := range groups[id] {
			for _, s := range subs {
				m.invoke(id, s, msg)
			}
		}
	}
}

// invoke runs one callback with panic isolation so a misbehaving
// subscriber cannot take down the dispatch loop.
func (m *Manager) invoke(streamID string, s subscription, msg models.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("stream", streamID).
				Uint64("subscription_id", uint64(s.id)).
				Interface("panic", r).
				Msg("subscriber callback panicked")
		}
	}()
	s.cb(msg)
}

// sendSubscribe writes a subscribe message through the rate limiter on
// its own goroutine so registry calls never block on the network.
func (m *Manager) sendSubscribe(streams ...string) {
	m.sendControl(feed.NewSubscribe(streams...), "subscribe", streams)
}

func (m *Manager) sendUnsubscribe(streams ...string) {
	m.sendControl(feed.NewUnsubscribe(streams...), "unsubscribe", streams)
}

func (m *Manager) sendControl(msg any, op string, streams []string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx := m.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn == nil {
			// Connection dropped while waiting; the resubscribe replay
			// on the next open covers these streams.
			return
		}

		if err := conn.WriteJSON(msg); err != nil {
			logging.Warn().Err(err).Str("op", op).Strs("streams", streams).Msg("feed control send failed")
			return
		}
		logging.Debug().Str("op", op).Strs("streams", streams).Msg("feed control sent")
	}()
}

// notifyError delivers err to the error callback on a fresh goroutine.
func (m *Manager) notifyError(err error) {
	if m.onError == nil {
		return
	}
	go m.onError(err)
}
