// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/orchestrator/datatypes"
	"github.com/AleutianAI/sourcechat/services/orchestrator/middleware"
	"github.com/AleutianAI/sourcechat/services/orchestrator/observability"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("sourcechat.orchestrator.handlers")

// Client-facing error messages. Internal error text is never returned.
const (
	ErrMsgChatFailed      = "Failed to process chat"
	ErrMsgAgentsSDKFailed = "Failed to process request with Agents SDK"
	ErrMsgAgentFailed     = "Failed to process agent request"
	ErrMsgInvalidMessage  = "Invalid message format"
)

// ContextRetriever produces the RAG context for a query. Implementations
// absorb retrieval failures into fallback text.
type ContextRetriever interface {
	RetrieveContext(ctx context.Context, query string) retrieval.Result
}

// ChatConfig configures HandleChat.
type ChatConfig struct {
	// Model is the completion model, e.g. gpt-4o-mini.
	Model   string
	Metrics *observability.StreamingMetrics
}

// HandleChat handles POST /api/chat.
//
// # Description
//
// Answers the conversation in one blocking completion grounded in
// retrieved documents:
//
//  1. Decode {messages}. A body that is not JSON is a 500.
//  2. If the last message is a non-empty user message, retrieve context
//     for it. Otherwise the context is empty and there are no sources.
//  3. Prepend the RAG system prompt to the full history and complete.
//  4. Return {role:"assistant", content, sources}.
//
// # Outputs
//
//   - 200: datatypes.ChatResponse; sources is always an array
//   - 400: {"error":"Invalid message format"} on validation failure
//   - 500: {"error":"Failed to process chat"} on decode or completion failure
//
// # Limitations
//
//   - No retry on completion failure.
func HandleChat(retriever ContextRetriever, client llm.LLMClient, cfg ChatConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleChat")
		defer span.End()
		start := time.Now()
		requestID := middleware.GetRequestID(c)
		endpoint := observability.EndpointChat

		fail := func(status int, msg string, code observability.ErrorCode, err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, msg)
			cfg.Metrics.RecordError(endpoint, code)
			cfg.Metrics.RecordRequest(endpoint, false)
			cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), false)
			c.JSON(status, datatypes.ErrorResponse{Error: msg})
		}

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Error("Error in chat: malformed body", "request_id", requestID, "error", err)
			fail(http.StatusInternalServerError, ErrMsgChatFailed, observability.ErrorCodeInternal, err)
			return
		}
		if err := req.Validate(); err != nil {
			slog.Warn("Rejected chat request", "request_id", requestID, "error", err)
			fail(http.StatusBadRequest, ErrMsgInvalidMessage, observability.ErrorCodeValidation, err)
			return
		}
		span.SetAttributes(attribute.Int("chat.messages", len(req.Messages)))

		contextDocuments := ""
		sources := []retrieval.Source{}
		if last, ok := req.Last(); ok && last.Role == datatypes.RoleUser && last.Content != "" {
			result := retriever.RetrieveContext(ctx, last.Content)
			contextDocuments = result.ContextDocuments
			if result.Sources != nil {
				sources = result.Sources
			}
			if contextDocuments == retrieval.UnavailableText {
				cfg.Metrics.RecordRetrievalFallback()
			}
		}
		span.SetAttributes(attribute.Int("chat.sources", len(sources)))

		messages := make([]llm.ChatMessage, 0, len(req.Messages)+1)
		messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: BuildRAGSystemPrompt(contextDocuments)})
		messages = append(messages, req.LLMMessages()...)

		answer, err := client.Chat(ctx, messages, llm.GenerationParams{Model: cfg.Model})
		if err != nil {
			slog.Error("Error in chat: completion failed", "request_id", requestID, "model", cfg.Model, "error", err)
			fail(http.StatusInternalServerError, ErrMsgChatFailed, observability.ErrorCodeLLMError, err)
			return
		}

		slog.Info("Chat answered",
			"request_id", requestID,
			"messages", len(req.Messages),
			"sources", len(sources),
			"duration", time.Since(start),
		)
		cfg.Metrics.RecordRequest(endpoint, true)
		cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), true)
		c.JSON(http.StatusOK, datatypes.ChatResponse{
			Role:    datatypes.RoleAssistant,
			Content: answer,
			Sources: sources,
		})
	}
}
