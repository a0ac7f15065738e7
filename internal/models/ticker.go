// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package models defines the wire and domain records shared across the
// ingestion pipeline: inbound feed messages, ticker snapshots, and the
// statistics structures exposed through the consumer-facing API.
package models

import (
	"fmt"
	"time"
)

// Ticker is an authoritative market-data snapshot for one symbol on one
// channel. It is the value type stored in the cache and handed to
// subscribers after validation.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Channel   string  `json:"channel"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	High24h   float64 `json:"high_24h"`
	Low24h    float64 `json:"low_24h"`
	Change24h float64 `json:"change_24h"`

	// Sequence is the feed-assigned monotonic sequence number, when the
	// exchange provides one. Zero means unknown.
	Sequence int64 `json:"sequence,omitempty"`

	// Partial marks a delta update that does not carry the full record.
	// Partial pushes never overwrite the cache directly; they enqueue the
	// key for the next scheduled reconciliation instead.
	Partial bool `json:"partial,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// StreamID returns the subscription key for this ticker: "symbol@channel".
// This is the identifier consumers subscribe to and the cache key the
// scheduler refreshes.
func (t Ticker) StreamID() string {
	return StreamID(t.Symbol, t.Channel)
}

// StreamID builds the canonical subscription key for a symbol/channel pair.
func StreamID(symbol, channel string) string {
	return fmt.Sprintf("%s@%s", symbol, channel)
}

// InboundMessage is one raw record received from the feed, after framing but
// before validation. It is transient: either transformed into a Ticker or
// dropped when validation fails.
type InboundMessage struct {
	Channel    string         `json:"channel"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt time.Time      `json:"received_at"`

	// Epoch identifies the connection the message arrived on. Messages
	// tagged with a stale epoch are discarded during dispatch so a
	// resubscribe cannot race with late traffic from the old connection.
	Epoch uint64 `json:"-"`
}

// StreamID derives the subscription key from the message payload, falling
// back to the channel alone when the payload carries no symbol.
func (m InboundMessage) StreamID() string {
	if sym, ok := m.Payload["symbol"].(string); ok && sym != "" {
		return StreamID(sym, m.Channel)
	}
	return m.Channel
}
