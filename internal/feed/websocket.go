// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package feed

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketTransport dials the feed over a WebSocket connection.
type WebsocketTransport struct {
	// HandshakeTimeout bounds the dial handshake. Zero means 10 seconds.
	HandshakeTimeout time.Duration
}

// Dial establishes a WebSocket connection to the feed endpoint.
//
// Accepts http(s) URLs and converts the scheme to ws(s) so the same
// endpoint value works for both transports in configuration.
func (t *WebsocketTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	wsURL, err := toWebsocketURL(endpoint)
	if err != nil {
		return nil, err
	}

	timeout := t.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		// Compression helps with large snapshot frames
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("feed dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("feed dial: %w", err)
	}

	return &wsConn{conn: conn}, nil
}

// toWebsocketURL converts an http(s) endpoint to its ws(s) equivalent.
func toWebsocketURL(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
		// Already a WebSocket URL
	default:
		return "", fmt.Errorf("unsupported feed url scheme %q", parsed.Scheme)
	}

	return parsed.String(), nil
}

// wsConn adapts *websocket.Conn to the Conn interface.
//
// gorilla/websocket permits one concurrent reader and one concurrent
// writer; the write mutex serializes WriteJSON against Ping since both
// reach the write side.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Ping(deadline time.Time) error {
	// WriteControl is safe concurrently with WriteJSON, but keeping all
	// writes behind one mutex avoids relying on that subtlety.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		// Best-effort close frame so the feed can distinguish a clean
		// shutdown from a dropped connection.
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsNormalClosure reports whether err represents a clean WebSocket close.
func IsNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
