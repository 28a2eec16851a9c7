// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package papers fetches citation graphs from Connected Papers.
package papers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("sourcechat.papers")

// DefaultBaseURL is the public Connected Papers site.
const DefaultBaseURL = "https://www.connectedpapers.com"

// maxGraphBytes caps a graph response; real graphs are a few hundred KB.
const maxGraphBytes = 16 << 20

// ErrFetchFailed is returned for any non-2xx response.
var ErrFetchFailed = errors.New("Failed to fetch connected papers")

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client fetches paper graphs. Concurrent requests for the same seed
// share one upstream call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	group      singleflight.Group
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: strings.TrimRight(base, "/"), httpClient: httpClient}
}

// FetchGraph returns the graph JSON for seedPaperID.
//
// # Description
//
// Issues GET {base}/api/graph/{seedPaperID}. The body must be valid JSON
// and is returned unmodified. Callers sharing a seed ID at the same time
// receive the same result.
//
// # Outputs
//
//   - json.RawMessage: The graph document.
//   - error: ErrFetchFailed for non-2xx; transport or decode errors.
//
// # Limitations
//
//   - The coalesced request runs under the first caller's context. If that
//     caller cancels, waiting callers see the cancellation too.
func (c *Client) FetchGraph(ctx context.Context, seedPaperID string) (json.RawMessage, error) {
	seedPaperID = strings.TrimSpace(seedPaperID)
	if seedPaperID == "" {
		return nil, fmt.Errorf("seed paper id is required")
	}

	v, err, shared := c.group.Do(seedPaperID, func() (interface{}, error) {
		return c.fetch(ctx, seedPaperID)
	})
	if shared {
		slog.Debug("Coalesced connected papers fetch", "seed", seedPaperID)
	}
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (c *Client) fetch(ctx context.Context, seedPaperID string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "papers.FetchGraph")
	defer span.End()
	span.SetAttributes(attribute.String("papers.seed_id", seedPaperID))

	endpoint := c.baseURL + "/api/graph/" + url.PathEscape(seedPaperID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create graph request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("connected papers request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("Connected papers returned an error", "seed", seedPaperID, "status_code", resp.StatusCode)
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return nil, ErrFetchFailed
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGraphBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, fmt.Errorf("read graph: %w", err)
	}
	if !json.Valid(body) {
		span.SetStatus(codes.Error, "invalid json")
		return nil, fmt.Errorf("decode graph: invalid JSON")
	}
	span.SetAttributes(attribute.Int("papers.bytes", len(body)))
	return json.RawMessage(body), nil
}
