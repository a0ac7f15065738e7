// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkrotov/streamsync/internal/feed"
	"github.com/dkrotov/streamsync/internal/models"
)

// RestFetcher fetches authoritative ticker snapshots from the feed's
// REST endpoint: GET {base}/v1/ticker?stream={key}.
type RestFetcher struct {
	baseURL string
	client  *http.Client
}

// NewRestFetcher creates a REST fetcher against baseURL. The client
// timeout is a safety net; per-fetch deadlines come from the scheduler's
// context.
func NewRestFetcher(baseURL string, timeout time.Duration) *RestFetcher {
	return &RestFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the snapshot for one stream key.
func (f *RestFetcher) Fetch(ctx context.Context, key string) (models.Ticker, error) {
	params := url.Values{}
	params.Set("stream", key)
	reqURL := fmt.Sprintf("%s/v1/ticker?%s", f.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.Ticker{}, &feed.Error{
			Code:    feed.CodeRateLimited,
			Message: fmt.Sprintf("fetch %s: HTTP 429", key),
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Ticker{}, fmt.Errorf("fetch %s: HTTP %d: %s", key, resp.StatusCode, body)
	}

	var ticker models.Ticker
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return models.Ticker{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if ticker.ReceivedAt.IsZero() {
		ticker.ReceivedAt = time.Now()
	}
	return ticker, nil
}
