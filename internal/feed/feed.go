// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package feed defines the upstream market-data feed protocol: the wire
// frames exchanged over the streaming connection, the structured error
// type the feed reports, and the transport abstraction the connection
// manager dials through.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkrotov/streamsync/internal/models"
)

// Error codes reported by the upstream feed in error frames. The feed's
// structured code is authoritative; free-text matching is a fallback for
// providers that only return a message.
const (
	CodeRateLimited   = "rate_limited"
	CodeInvalidStream = "invalid_stream"
	CodeInternal      = "internal_error"
)

// Error is a structured error frame from the upstream feed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("feed error: %s", e.Code)
	}
	return fmt.Sprintf("feed error %s: %s", e.Code, e.Message)
}

// SubscribeRequest is the wire message that opens one or more streams.
type SubscribeRequest struct {
	Op      string   `json:"op"`
	Streams []string `json:"streams"`
}

// UnsubscribeRequest is the wire message that closes one or more streams.
type UnsubscribeRequest struct {
	Op      string   `json:"op"`
	Streams []string `json:"streams"`
}

// NewSubscribe builds a subscribe request for the given stream identifiers.
func NewSubscribe(streams ...string) SubscribeRequest {
	return SubscribeRequest{Op: "subscribe", Streams: streams}
}

// NewUnsubscribe builds an unsubscribe request for the given stream identifiers.
func NewUnsubscribe(streams ...string) UnsubscribeRequest {
	return UnsubscribeRequest{Op: "unsubscribe", Streams: streams}
}

// frame is the envelope of every message pushed by the feed. A frame
// carries either data records for a channel or an error, never both.
type frame struct {
	Channel string           `json:"channel"`
	Data    []map[string]any `json:"data"`
	Error   *Error           `json:"error,omitempty"`
}

// ParseFrame decodes a raw feed frame into inbound messages.
//
// Error frames return the feed's structured *Error. Data frames fan out
// to one InboundMessage per record, each stamped with the receive time
// and the connection epoch the frame arrived on.
func ParseFrame(data []byte, epoch uint64) ([]models.InboundMessage, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse feed frame: %w", err)
	}

	if f.Error != nil {
		return nil, f.Error
	}

	if f.Channel == "" {
		return nil, fmt.Errorf("feed frame missing channel")
	}

	now := time.Now()
	msgs := make([]models.InboundMessage, 0, len(f.Data))
	for _, record := range f.Data {
		msgs = append(msgs, models.InboundMessage{
			Channel:    f.Channel,
			Payload:    record,
			ReceivedAt: now,
			Epoch:      epoch,
		})
	}
	return msgs, nil
}

// Conn is a single live feed connection. Implementations must allow
// ReadMessage to run concurrently with writes and Close.
type Conn interface {
	// ReadMessage blocks for the next raw frame from the feed.
	ReadMessage() ([]byte, error)

	// WriteJSON sends a control message (subscribe/unsubscribe) to the feed.
	WriteJSON(v any) error

	// Ping sends a transport-level keepalive probe.
	Ping(deadline time.Time) error

	// SetReadDeadline bounds the next ReadMessage call.
	SetReadDeadline(t time.Time) error

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Transport dials feed connections. The connection manager holds a
// Transport so tests can substitute an in-memory feed.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
