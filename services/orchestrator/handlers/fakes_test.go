// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/sourcechat/services/agent"
	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// turn is one scripted completion.
type turn struct {
	deltas []string
	calls  []llm.ToolCall
	err    error
	usage  llm.Usage
}

// fakeLLM is a hand-written llm.LLMClient. Chat returns reply/chatErr;
// ChatStream plays turns in order.
type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	chatErr  error
	turns    []turn
	calls    int
	messages [][]llm.ChatMessage
	params   []llm.GenerationParams
}

func (f *fakeLLM) record(messages []llm.ChatMessage, params llm.GenerationParams) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, append([]llm.ChatMessage(nil), messages...))
	f.params = append(f.params, params)
	f.calls++
	return f.calls - 1
}

func (f *fakeLLM) Chat(_ context.Context, messages []llm.ChatMessage, params llm.GenerationParams) (string, error) {
	f.record(messages, params)
	return f.reply, f.chatErr
}

func (f *fakeLLM) ChatStream(_ context.Context, messages []llm.ChatMessage, params llm.GenerationParams, cb llm.StreamCallback) (*llm.Completion, error) {
	idx := f.record(messages, params)
	if idx >= len(f.turns) {
		return nil, fmt.Errorf("unexpected completion %d", idx)
	}
	t := f.turns[idx]
	var content strings.Builder
	for _, d := range t.deltas {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: d}); err != nil {
			return nil, fmt.Errorf("stream callback: %w", err)
		}
		content.WriteString(d)
	}
	if t.err != nil {
		return nil, t.err
	}
	return &llm.Completion{Content: content.String(), ToolCalls: t.calls, Usage: t.usage}, nil
}

// fakeRetriever records queries and returns a fixed result.
type fakeRetriever struct {
	result  retrieval.Result
	queries []string
}

func (f *fakeRetriever) RetrieveContext(_ context.Context, query string) retrieval.Result {
	f.queries = append(f.queries, query)
	return f.result
}

func (f *fakeRetriever) SearchDocuments(_ context.Context, query string) string {
	f.queries = append(f.queries, query)
	return f.result.ContextDocuments
}

// countingRunner counts run starts and delegates to a real runner.
type countingRunner struct {
	agent.Runner
	runs atomic.Int32
}

func (c *countingRunner) Run(ctx context.Context, prompt string) *agent.RunStream {
	c.runs.Add(1)
	return c.Runner.Run(ctx, prompt)
}

func (c *countingRunner) RunMessages(ctx context.Context, messages []llm.ChatMessage) *agent.RunStream {
	c.runs.Add(1)
	return c.Runner.RunMessages(ctx, messages)
}

func newRunner(t *testing.T, client llm.LLMClient, a *agent.Agent) *countingRunner {
	t.Helper()
	r, err := agent.NewRunner(client, a)
	require.NoError(t, err)
	return &countingRunner{Runner: r}
}
