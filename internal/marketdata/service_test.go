// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkrotov/streamsync/internal/cache"
	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/feed"
	"github.com/dkrotov/streamsync/internal/models"
	"github.com/dkrotov/streamsync/internal/recovery"
	"github.com/dkrotov/streamsync/internal/scheduler"
)

type memConn struct {
	frames    chan []byte
	writes    chan any
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemConn() *memConn {
	return &memConn{
		frames: make(chan []byte, 64),
		writes: make(chan any, 16),
		closed: make(chan struct{}),
	}
}

func (c *memConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *memConn) WriteJSON(v any) error {
	select {
	case c.writes <- v:
	default:
	}
	return nil
}

func (c *memConn) Ping(time.Time) error            { return nil }
func (c *memConn) SetReadDeadline(time.Time) error { return nil }

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type memTransport struct {
	mu      sync.Mutex
	refuse  bool
	current *memConn
	conns   chan *memConn
}

func newMemTransport() *memTransport {
	return &memTransport{conns: make(chan *memConn, 8)}
}

func (t *memTransport) Dial(ctx context.Context, url string) (feed.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refuse {
		return nil, errors.New("dial refused")
	}
	c := newMemConn()
	t.current = c
	t.conns <- c
	return c, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, key string) (models.Ticker, error) {
	return models.Ticker{Symbol: key, Price: 1, Volume: 1, ReceivedAt: time.Now()}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Feed.URL = "ws://feed.test/stream"
	cfg.Feed.PingInterval = 0
	cfg.Stream.ReconnectBaseDelay = time.Millisecond
	cfg.Stream.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.Stream.ReconnectMaxAttempts = 2
	cfg.Sync.Interval = time.Hour
	cfg.Recovery.BaseDelay = time.Millisecond
	cfg.Recovery.MaxDelay = 5 * time.Millisecond
	cfg.Recovery.RateLimitCooldown = time.Millisecond
	return cfg
}

func newTestService(t *testing.T, tr feed.Transport) (*Service, *cache.Cache[models.Ticker], *scheduler.Scheduler) {
	t.Helper()

	cfg := testConfig()
	store := cache.New[models.Ticker](time.Minute, 1000)
	t.Cleanup(store.Close)

	coord := recovery.NewCoordinator(cfg.Recovery)
	sched := scheduler.New(cfg.Sync, stubFetcher{}, store, coord)
	svc := New(cfg, tr, DefaultGate(), store, sched, coord)
	return svc, store, sched
}

func fullFrame(symbol string, price float64) []byte {
	return []byte(fmt.Sprintf(
		`{"channel":"ticker","data":[{"symbol":%q,"price":%g,"volume":10.5,"high_24h":%g,"low_24h":%g,"change_24h":1.5}]}`,
		symbol, price, price+1, price-1))
}

func partialFrame(symbol string, price float64) []byte {
	return []byte(fmt.Sprintf(`{"channel":"ticker","data":[{"symbol":%q,"price":%g}]}`, symbol, price))
}

func TestFullPushWritesThroughCache(t *testing.T) {
	tr := newMemTransport()
	svc, _, _ := newTestService(t, tr)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	svc.Subscribe("BTC-USD", "ticker")

	var conn *memConn
	select {
	case conn = <-tr.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
	conn.frames <- fullFrame("BTC-USD", 64000)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ticker, ok := svc.GetCached("BTC-USD", "ticker"); ok {
			if ticker.Price != 64000 || ticker.Volume != 10.5 {
				t.Errorf("cached ticker = %+v", ticker)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("full push never reached the cache")
}

func TestPartialPushEnqueuesForReconciliation(t *testing.T) {
	tr := newMemTransport()
	svc, _, sched := newTestService(t, tr)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	svc.Subscribe("ETH-USD", "ticker")

	var conn *memConn
	select {
	case conn = <-tr.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
	conn.frames <- partialFrame("ETH-USD", 2500)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sched.Pending() == 1 {
			if _, ok := svc.GetCached("ETH-USD", "ticker"); ok {
				t.Error("partial push must not write the cache directly")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("partial push never enqueued its key")
}

func TestStatsSurfaceTerminalCondition(t *testing.T) {
	tr := newMemTransport()
	tr.refuse = true
	svc, _, _ := newTestService(t, tr)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats := svc.Stats()
		if stats.TerminalErr != "" {
			if stats.ConnectionState != "disconnected" {
				t.Errorf("connection state = %q, want disconnected", stats.ConnectionState)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("terminal condition never surfaced in stats")
}

type failFetcher struct{}

func (failFetcher) Fetch(ctx context.Context, key string) (models.Ticker, error) {
	return models.Ticker{}, errors.New("upstream snapshot unavailable")
}

func TestStatsSurfaceExhaustedSyncRetries(t *testing.T) {
	cfg := testConfig()
	store := cache.New[models.Ticker](time.Minute, 1000)
	t.Cleanup(store.Close)

	coord := recovery.NewCoordinator(cfg.Recovery)
	sched := scheduler.New(cfg.Sync, failFetcher{}, store, coord)
	svc := New(cfg, newMemTransport(), DefaultGate(), store, sched, coord)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	svc.ForceRefresh("BTC-USD", "ticker")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := svc.Stats()
		if stats.TerminalErr != "" {
			if !strings.Contains(stats.TerminalErr, "BTC-USD@ticker") {
				t.Errorf("TerminalErr = %q, want the failing key in it", stats.TerminalErr)
			}
			if stats.ConnectionState != "open" {
				t.Errorf("connection state = %q, want open", stats.ConnectionState)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("exhausted sync retries never surfaced in stats")
}

func TestFirstTerminal(t *testing.T) {
	if got := firstTerminal(nil); got != "" {
		t.Errorf("empty registry = %q, want empty", got)
	}
	if got := firstTerminal(map[string]string{"a@t": "aaa"}); got != "aaa" {
		t.Errorf("single entry = %q, want aaa", got)
	}
	got := firstTerminal(map[string]string{"b@t": "bbb", "a@t": "aaa"})
	if got != "aaa (+1 more)" {
		t.Errorf("multiple entries = %q, want lowest key with count", got)
	}
}

func TestCachedValuesServeWhileDisconnected(t *testing.T) {
	tr := newMemTransport()
	svc, store, _ := newTestService(t, tr)

	store.Set(models.StreamID("BTC-USD", "ticker"), models.Ticker{Symbol: "BTC-USD", Price: 500})

	// No Start: the pipeline is down, reads still serve.
	ticker, ok := svc.GetCached("BTC-USD", "ticker")
	if !ok || ticker.Price != 500 {
		t.Errorf("GetCached = %+v, %v", ticker, ok)
	}
}

func TestTickerFromMessage(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		payload     map[string]any
		wantPartial bool
		wantPrice   float64
	}{
		{
			"full record",
			map[string]any{"symbol": "BTC-USD", "price": 1.5, "volume": 2.0, "high_24h": 3.0, "low_24h": 1.0, "change_24h": -0.5},
			false, 1.5,
		},
		{
			"missing volume is partial",
			map[string]any{"symbol": "BTC-USD", "price": 1.5},
			true, 1.5,
		},
		{
			"explicit partial flag",
			map[string]any{"symbol": "BTC-USD", "price": 1.5, "volume": 2.0, "partial": true},
			true, 1.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticker, partial := tickerFromMessage(models.InboundMessage{
				Channel:    "ticker",
				Payload:    tt.payload,
				ReceivedAt: now,
			})
			if partial != tt.wantPartial {
				t.Errorf("partial = %v, want %v", partial, tt.wantPartial)
			}
			if ticker.Price != tt.wantPrice {
				t.Errorf("price = %g, want %g", ticker.Price, tt.wantPrice)
			}
			if ticker.Symbol != "BTC-USD" || ticker.Channel != "ticker" {
				t.Errorf("identity fields wrong: %+v", ticker)
			}
		})
	}
}
