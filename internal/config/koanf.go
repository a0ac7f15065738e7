// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched, in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"streamsync.yaml",
	"streamsync.yml",
	"/etc/streamsync/config.yaml",
	"/etc/streamsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "STREAMSYNC_CONFIG"

// envPrefix is stripped from environment variables before mapping them onto
// config paths: STREAMSYNC_FEED_URL -> feed.url.
const envPrefix = "STREAMSYNC_"

// Default returns a Config populated with production defaults. The suggested
// values from the connection manager's tuning (50-message batches, 10s
// heartbeat checks, 30s staleness) are the shipped defaults.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			URL:          "wss://stream.example.com/ws",
			RestURL:      "https://api.example.com",
			Streams:      []string{"BTC-USD@ticker", "ETH-USD@ticker"},
			DialTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 20 * time.Second,
		},
		Stream: StreamConfig{
			QueueSize:            4096,
			BatchSize:            50,
			HeartbeatInterval:    10 * time.Second,
			StalenessThreshold:   30 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    32 * time.Second,
			ReconnectMultiplier:  2.0,
			ReconnectMaxAttempts: 10,
			SendRate:             20,
			SendBurst:            50,
		},
		Cache: CacheConfig{
			MaxAge:  time.Minute,
			MaxSize: 10000,
		},
		Sync: SyncConfig{
			Interval:     15 * time.Second,
			BatchSize:    50,
			Parallelism:  8,
			FetchTimeout: 30 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxRetries:        5,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			RateLimitCooldown: 10 * time.Second,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8372,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults: built-in production defaults
//  2. Config file: optional YAML file (if found)
//  3. Environment variables: highest priority, STREAMSYNC_ prefixed
//
// The merged configuration is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// STREAMSYNC_STREAM_BATCH_SIZE -> stream.batch_size
	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sectionNames are the top-level config sections. The env transform needs
// them to split STREAMSYNC_STREAM_BATCH_SIZE into "stream" + "batch_size"
// without guessing where the section name ends.
var sectionNames = []string{"feed", "stream", "cache", "sync", "recovery", "server", "logging"}

// envTransform maps an environment variable name (prefix already stripped)
// to a koanf config path.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	for _, section := range sectionNames {
		if key == section {
			return section
		}
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}

	// Unknown section: leave the key untouched so it is ignored on unmarshal.
	return key
}
