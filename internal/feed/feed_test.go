// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package feed

import (
	"errors"
	"testing"
)

func TestParseFrameDataRecords(t *testing.T) {
	raw := []byte(`{"channel":"ticker","data":[{"symbol":"BTC-USD","price":64000.5},{"symbol":"ETH-USD","price":2500.0}]}`)

	msgs, err := ParseFrame(raw, 7)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Channel != "ticker" {
			t.Errorf("channel = %q, want ticker", m.Channel)
		}
		if m.Epoch != 7 {
			t.Errorf("epoch = %d, want 7", m.Epoch)
		}
		if m.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not stamped")
		}
	}
	if msgs[0].Payload["symbol"] != "BTC-USD" {
		t.Errorf("first record symbol = %v", msgs[0].Payload["symbol"])
	}
}

func TestParseFrameErrorFrame(t *testing.T) {
	raw := []byte(`{"error":{"code":"rate_limited","message":"too many requests"}}`)

	msgs, err := ParseFrame(raw, 1)
	if msgs != nil {
		t.Errorf("expected no messages from error frame, got %v", msgs)
	}

	var feedErr *Error
	if !errors.As(err, &feedErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if feedErr.Code != CodeRateLimited {
		t.Errorf("code = %q, want %q", feedErr.Code, CodeRateLimited)
	}
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{"channel":`},
		{"missing channel", `{"data":[{"symbol":"BTC-USD"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tt.raw), 0); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSubscribeRequests(t *testing.T) {
	sub := NewSubscribe("BTC-USD@ticker", "ETH-USD@ticker")
	if sub.Op != "subscribe" || len(sub.Streams) != 2 {
		t.Errorf("unexpected subscribe request: %+v", sub)
	}

	unsub := NewUnsubscribe("BTC-USD@ticker")
	if unsub.Op != "unsubscribe" || len(unsub.Streams) != 1 {
		t.Errorf("unexpected unsubscribe request: %+v", unsub)
	}
}

func TestToWebsocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://feed.example.com/stream", "ws://feed.example.com/stream", false},
		{"https://feed.example.com/stream", "wss://feed.example.com/stream", false},
		{"wss://feed.example.com/stream", "wss://feed.example.com/stream", false},
		{"ftp://feed.example.com", "", true},
	}
	for _, tt := range tests {
		got, err := toWebsocketURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("toWebsocketURL(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("toWebsocketURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("toWebsocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
