// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package config provides layered configuration loading for Streamsync using
// koanf v2: struct defaults, then an optional YAML file, then environment
// variables, each layer overriding the previous one. The merged result is
// validated with go-playground/validator struct tags before use.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the streamsync process.
type Config struct {
	Feed     FeedConfig     `koanf:"feed"`
	Stream   StreamConfig   `koanf:"stream"`
	Cache    CacheConfig    `koanf:"cache"`
	Sync     SyncConfig     `koanf:"sync"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// FeedConfig configures the upstream quote feed transport.
type FeedConfig struct {
	// URL is the websocket endpoint of the quote feed.
	URL string `koanf:"url" validate:"required,url"`

	// RestURL is the REST endpoint the sync scheduler reconciles against.
	RestURL string `koanf:"rest_url" validate:"required,url"`

	// Streams are the "symbol@channel" identifiers subscribed at startup.
	Streams []string `koanf:"streams" validate:"dive,contains=@"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gt=0"`

	// WriteTimeout bounds a single outbound send (subscribe/unsubscribe).
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`

	// PingInterval is how often keepalive pings are sent on an open
	// connection. Zero disables pings.
	PingInterval time.Duration `koanf:"ping_interval" validate:"gte=0"`
}

// StreamConfig configures the connection manager's queueing, batching,
// staleness detection, and reconnect policy.
type StreamConfig struct {
	// QueueSize bounds the in-memory inbound message queue. Messages
	// arriving while the queue is full are dropped and counted.
	QueueSize int `koanf:"queue_size" validate:"gt=0"`

	// BatchSize is the maximum number of messages drained per cycle.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// HeartbeatInterval is how often staleness is checked.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`

	// StalenessThreshold is the silence duration after which an Open
	// connection is considered dead and torn down.
	StalenessThreshold time.Duration `koanf:"staleness_threshold" validate:"gt=0"`

	// Reconnect backoff: delay = min(BaseDelay * Multiplier^attempt, MaxDelay) + jitter.
	ReconnectBaseDelay  time.Duration `koanf:"reconnect_base_delay" validate:"gt=0"`
	ReconnectMaxDelay   time.Duration `koanf:"reconnect_max_delay" validate:"gt=0"`
	ReconnectMultiplier float64       `koanf:"reconnect_multiplier" validate:"gte=1"`

	// ReconnectMaxAttempts bounds consecutive failed connect cycles before
	// the manager stops retrying and surfaces a terminal condition.
	ReconnectMaxAttempts int `koanf:"reconnect_max_attempts" validate:"gt=0"`

	// SendRate limits outbound subscription requests per second, protecting
	// the feed during resubscribe storms after a reconnect. SendBurst is the
	// limiter's burst allowance.
	SendRate  float64 `koanf:"send_rate" validate:"gt=0"`
	SendBurst int     `koanf:"send_burst" validate:"gt=0"`
}

// CacheConfig configures the bounded TTL cache.
type CacheConfig struct {
	// MaxAge is the TTL after which an entry is treated as absent.
	MaxAge time.Duration `koanf:"max_age" validate:"gt=0"`

	// MaxSize caps the number of entries; inserting beyond it evicts the
	// oldest-written entry.
	MaxSize int `koanf:"max_size" validate:"gt=0"`
}

// SyncConfig configures the sync scheduler.
type SyncConfig struct {
	// Interval between scheduler ticks.
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// BatchSize is the maximum keys refreshed per tick.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// Parallelism bounds concurrent fetches within one batch.
	Parallelism int `koanf:"parallelism" validate:"gt=0"`

	// FetchTimeout bounds one fetch call; a timeout is treated as a
	// network error and routed through recovery.
	FetchTimeout time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
}

// RecoveryConfig configures the error recovery coordinator.
type RecoveryConfig struct {
	// MaxRetries bounds attempts per recovery run (network/sync strategies).
	MaxRetries int `koanf:"max_retries" validate:"gt=0"`

	// Backoff between retries: min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay  time.Duration `koanf:"max_delay" validate:"gt=0"`

	// RateLimitCooldown is the fixed wait before the single retry applied
	// to rate-limit-classified errors. Rate limits reset on a schedule, so
	// exponential backoff buys nothing here.
	RateLimitCooldown time.Duration `koanf:"rate_limit_cooldown" validate:"gt=0"`
}

// ServerConfig configures the ops HTTP endpoint (health, metrics, stats).
type ServerConfig struct {
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig configures the logging subsystem.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Stream.ReconnectMaxDelay < c.Stream.ReconnectBaseDelay {
		return fmt.Errorf("stream.reconnect_max_delay (%v) must be >= stream.reconnect_base_delay (%v)",
			c.Stream.ReconnectMaxDelay, c.Stream.ReconnectBaseDelay)
	}
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		return fmt.Errorf("recovery.max_delay (%v) must be >= recovery.base_delay (%v)",
			c.Recovery.MaxDelay, c.Recovery.BaseDelay)
	}
	if c.Sync.Parallelism > c.Sync.BatchSize {
		return fmt.Errorf("sync.parallelism (%d) must not exceed sync.batch_size (%d)",
			c.Sync.Parallelism, c.Sync.BatchSize)
	}
	if c.Stream.StalenessThreshold < c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.staleness_threshold (%v) must be >= stream.heartbeat_interval (%v)",
			c.Stream.StalenessThreshold, c.Stream.HeartbeatInterval)
	}

	return nil
}
