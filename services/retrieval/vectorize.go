// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bytes"
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
)

var tracer = otel.Tracer("sourcechat.retrieval")

// DefaultVectorizeBaseURL is the hosted pipeline API.
const DefaultVectorizeBaseURL = "https://api.vectorize.io/v1"

// maxErrorBody caps how much of a failed response is read for logging.
const maxErrorBody = 4096

// ErrRetrievalFailed is returned for any non-2xx pipeline response.
var ErrRetrievalFailed = errors.New("failed to retrieve documents from Vectorize")

// VectorizeConfig configures a VectorizeClient.
type VectorizeConfig struct {
	BaseURL        string
	AccessToken    string
	OrganizationID string
	PipelineID     string
	// Timeout bounds each request. Zero relies on the caller's context.
	Timeout time.Duration
	// HTTPClient overrides the traced default client.
	HTTPClient *http.Client
}

// VectorizeClient retrieves documents from a hosted Vectorize pipeline.
//
// # Thread Safety
//
// Safe for concurrent use.
type VectorizeClient struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
}

// NewVectorizeClient validates cfg and builds the retrieval endpoint URL.
func NewVectorizeClient(cfg VectorizeConfig) (*VectorizeClient, error) {
	if cfg.AccessToken == "" || cfg.OrganizationID == "" || cfg.PipelineID == "" {
		return nil, fmt.Errorf("vectorize: access token, organization id and pipeline id are required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultVectorizeBaseURL
	}
	endpoint := fmt.Sprintf("%s/org/%s/pipelines/%s/retrieval",
		strings.TrimRight(base, "/"),
		url.PathEscape(cfg.OrganizationID),
		url.PathEscape(cfg.PipelineID))

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &VectorizeClient{
		endpoint:    endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
	}, nil
}

type retrieveRequest struct {
	Question   string `json:"question"`
	NumResults int    `json:"numResults"`
}

// Retrieve implements DocumentRetriever.
//
// # Description
//
// POSTs the question to the pipeline retrieval endpoint with bearer
// authentication. The upstream error body is logged and never returned,
// so callers cannot leak it to end users.
//
// # Outputs
//
//   - []Document: Documents in pipeline rank order. Empty, not nil, when
//     the pipeline returns none.
//   - error: ErrRetrievalFailed for non-2xx, or a transport/decode error.
func (c *VectorizeClient) Retrieve(ctx context.Context, question string, numResults int) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "VectorizeClient.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.num_results", numResults))

	body, err := json.Marshal(retrieveRequest{Question: question, NumResults: numResults})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("create retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("vectorize request: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Error("Vectorize API error", "status_code", resp.StatusCode, "response", string(detail))
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrRetrievalFailed, resp.StatusCode)
	}

	var parsed RetrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	if parsed.Documents == nil {
		parsed.Documents = []Document{}
	}

	span.SetAttributes(
		attribute.Int("retrieval.documents", len(parsed.Documents)),
		attribute.Float64("retrieval.average_relevancy", parsed.AverageRelevancy),
	)
	return parsed.Documents, nil
}
