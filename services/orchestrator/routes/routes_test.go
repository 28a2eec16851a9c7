// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/sourcechat/services/agent"
	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/orchestrator/middleware"
	"github.com/AleutianAI/sourcechat/services/orchestrator/observability"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// mockLLMClient answers every call with a fixed reply.
type mockLLMClient struct{}

func (m *mockLLMClient) Chat(_ context.Context, _ []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	return "mock chat response", nil
}

func (m *mockLLMClient) ChatStream(_ context.Context, _ []llm.ChatMessage, _ llm.GenerationParams, callback llm.StreamCallback) (*llm.Completion, error) {
	if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: "mock stream"}); err != nil {
		return nil, err
	}
	return &llm.Completion{Content: "mock stream"}, nil
}

// mockRetriever returns no documents.
type mockRetriever struct{}

func (m *mockRetriever) RetrieveContext(_ context.Context, _ string) retrieval.Result {
	return retrieval.Result{ContextDocuments: retrieval.NoDocumentsText, Sources: []retrieval.Source{}}
}

func (m *mockRetriever) SearchDocuments(_ context.Context, _ string) string {
	return retrieval.NoDocumentsText
}

func newDeps(t *testing.T) Dependencies {
	t.Helper()
	client := &mockLLMClient{}
	docs, err := agent.NewRunner(client, agent.NewDocumentAssistant("", &mockRetriever{}, nil))
	require.NoError(t, err)
	stream, err := agent.NewRunner(client, agent.NewDataStreamAgent("", &mockRetriever{}))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	return Dependencies{
		Retriever:         &mockRetriever{},
		LLM:               client,
		DocumentAssistant: docs,
		DataStreamAgent:   stream,
		Metrics:           observability.NewStreamingMetrics(reg),
		Gatherer:          reg,
	}
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersRoutes(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newDeps(t))

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/api/chat"},
		{"POST", "/api/agents-sdk"},
		{"POST", "/api/agent"},
	}
	for _, e := range expected {
		if !hasRoute(router, e.method, e.path) {
			t.Errorf("Expected route %s %s not found", e.method, e.path)
		}
	}
}

func TestSetupRoutes_AgentRoutesOptional(t *testing.T) {
	router := gin.New()
	deps := newDeps(t)
	deps.DocumentAssistant = nil
	deps.DataStreamAgent = nil
	SetupRoutes(router, deps)

	assert.True(t, hasRoute(router, "POST", "/api/chat"))
	assert.False(t, hasRoute(router, "POST", "/api/agents-sdk"))
	assert.False(t, hasRoute(router, "POST", "/api/agent"))
}

func TestSetupRoutes_Chat(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newDeps(t))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"role":"assistant","content":"mock chat response","sources":[]}`, w.Body.String())
}

func TestSetupRoutes_AgentsSDKStreams(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newDeps(t))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/agents-sdk", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: {\"content\":\"mock stream\"}\n\ndata: [DONE]\n\n", w.Body.String())
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	deps := newDeps(t)
	SetupRoutes(router, deps)
	deps.Metrics.RecordRetrievalFallback()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sourcechat_retrieval_fallbacks_total 1")
}

func TestSetupRoutes_RateLimited(t *testing.T) {
	router := gin.New()
	deps := newDeps(t)
	deps.Limiter = middleware.NewIPRateLimiter(0.001, 1)
	SetupRoutes(router, deps)

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[]}`))
		router.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, send().Code)
	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.Metrics.ErrorsTotal.WithLabelValues("chat", "rate_limited")))

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code, "health is outside the limited group")
}
