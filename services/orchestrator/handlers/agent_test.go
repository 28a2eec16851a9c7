// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/sourcechat/pkg/datastream"
	"github.com/AleutianAI/sourcechat/services/agent"
	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/orchestrator/observability"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postAgent(t *testing.T, runner agent.Runner, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.POST("/api/agent", HandleAgentDataStream(runner, StreamConfig{}))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/agent", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func readParts(t *testing.T, body string) []datastream.Part {
	t.Helper()
	reader := datastream.NewReader(strings.NewReader(body))
	var parts []datastream.Part
	for {
		part, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return parts
		}
		require.NoError(t, err)
		parts = append(parts, part)
	}
}

func partTypes(parts []datastream.Part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(string(p.Type))
	}
	return b.String()
}

// TestHandleAgentDataStream_ToolLoop checks part order and payloads for a
// tool step followed by a text step.
func TestHandleAgentDataStream_ToolLoop(t *testing.T) {
	retriever := &fakeRetriever{result: retrieval.Result{ContextDocuments: "Document 1:\nalpha"}}
	client := &fakeLLM{turns: []turn{
		{calls: []llm.ToolCall{{ID: "c1", Name: "getSources", Arguments: `{"query":"alpha"}`}}, usage: llm.Usage{PromptTokens: 10, CompletionTokens: 2}},
		{deltas: []string{"Alpha ", "is first."}, usage: llm.Usage{PromptTokens: 20, CompletionTokens: 4}},
	}}
	runner := newRunner(t, client, agent.NewDataStreamAgent("gpt-4o-mini", retriever))

	w := postAgent(t, runner, `{"messages":[{"role":"user","content":"what is alpha?"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datastream.HeaderValue, w.Header().Get(datastream.HeaderName))
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	parts := readParts(t, w.Body.String())
	require.Equal(t, "f9aef00ed", partTypes(parts))

	var call datastream.ToolCall
	require.NoError(t, parts[1].Decode(&call))
	assert.Equal(t, "c1", call.ToolCallID)
	assert.Equal(t, "getSources", call.ToolName)
	assert.JSONEq(t, `{"query":"alpha"}`, string(call.Args))

	var result datastream.ToolResult
	require.NoError(t, parts[2].Decode(&result))
	assert.Equal(t, "Document 1:\nalpha", result.Result)

	var step datastream.FinishStep
	require.NoError(t, parts[3].Decode(&step))
	assert.Equal(t, agent.FinishToolCalls, step.FinishReason)
	assert.True(t, step.IsContinued)

	text, err := parts[5].Text()
	require.NoError(t, err)
	assert.Equal(t, "Alpha ", text)

	var finish datastream.FinishMessage
	require.NoError(t, parts[8].Decode(&finish))
	assert.Equal(t, agent.FinishStop, finish.FinishReason)
	assert.Equal(t, datastream.Usage{PromptTokens: 30, CompletionTokens: 6}, finish.Usage)

	assert.Equal(t, []string{"alpha"}, retriever.queries)
	require.Len(t, client.messages, 2)
	assert.Len(t, client.messages[1], 4, "system, user, assistant tool call, tool result")
}

// TestHandleAgentDataStream_RunErrorPart reports failures in-band.
func TestHandleAgentDataStream_RunErrorPart(t *testing.T) {
	client := &fakeLLM{turns: []turn{{deltas: []string{"par"}, err: errors.New("boom")}}}
	runner := newRunner(t, client, agent.NewDataStreamAgent("", &fakeRetriever{}))

	w := postAgent(t, runner, `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	parts := readParts(t, w.Body.String())
	require.Equal(t, "f03", partTypes(parts))
	msg, err := parts[2].Text()
	require.NoError(t, err)
	assert.Equal(t, "An error occurred.", msg)
	assert.NotContains(t, w.Body.String(), "boom")
}

// TestHandleAgentDataStream_SendsHistory passes every message to the agent.
func TestHandleAgentDataStream_SendsHistory(t *testing.T) {
	client := &fakeLLM{turns: []turn{{deltas: []string{"ok"}}}}
	runner := newRunner(t, client, agent.NewDataStreamAgent("", &fakeRetriever{}))

	w := postAgent(t, runner, `{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	sent := client.messages[0]
	require.Len(t, sent, 4)
	assert.Equal(t, agent.DataStreamInstructions, sent[0].Content)
	assert.Equal(t, "b", sent[2].Content)
}

// TestHandleAgentDataStream_Rejects covers validation failures.
func TestHandleAgentDataStream_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"empty history", `{"messages":[]}`, http.StatusBadRequest, `{"error":"Invalid message format"}`},
		{"bad role", `{"messages":[{"role":"tool","content":"x"}]}`, http.StatusBadRequest, `{"error":"Invalid message format"}`},
		{"malformed", `not json`, http.StatusInternalServerError, `{"error":"Failed to process agent request"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newRunner(t, &fakeLLM{}, agent.NewDataStreamAgent("", &fakeRetriever{}))

			w := postAgent(t, runner, tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
			assert.Equal(t, int32(0), runner.runs.Load())
		})
	}
}

// brokenPipeRecorder fails every body write, like a closed connection.
type brokenPipeRecorder struct {
	*httptest.ResponseRecorder
}

func (r brokenPipeRecorder) Write([]byte) (int, error) {
	return 0, errors.New("write: broken pipe")
}

// TestHandleAgentDataStream_ClientDisconnect counts a failed write as a
// disconnect even though the cancelled run also reports an error.
func TestHandleAgentDataStream_ClientDisconnect(t *testing.T) {
	metrics := observability.NewStreamingMetrics(prometheus.NewRegistry())
	client := &fakeLLM{turns: []turn{{deltas: []string{"a"}, err: context.Canceled}}}
	runner := newRunner(t, client, agent.NewDataStreamAgent("", &fakeRetriever{}))
	router := gin.New()
	router.POST("/api/agent", HandleAgentDataStream(runner, StreamConfig{Metrics: metrics}))

	w := brokenPipeRecorder{httptest.NewRecorder()}
	req := httptest.NewRequest(http.MethodPost, "/api/agent", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	router.ServeHTTP(w, req)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("agent", "client_disconnect")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("agent", "llm_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("agent", "error")))
}
