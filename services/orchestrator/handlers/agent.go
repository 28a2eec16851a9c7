// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/sourcechat/pkg/datastream"
	"github.com/AleutianAI/sourcechat/services/agent"
	"github.com/AleutianAI/sourcechat/services/orchestrator/datatypes"
	"github.com/AleutianAI/sourcechat/services/orchestrator/middleware"
	"github.com/AleutianAI/sourcechat/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// dataStreamErrorMessage is the only error text sent in a "3:" part.
const dataStreamErrorMessage = "An error occurred."

// HandleAgentDataStream handles POST /api/agent.
//
// # Description
//
// Runs the data stream agent over the full history and writes every run
// event as a data stream part: step start, text, tool call, tool result,
// step finish, and a final finish message. A run failure after headers are
// sent is reported in-band as an error part.
//
// # Outputs
//
//   - 200: text/plain data stream (X-Vercel-AI-Data-Stream: v1)
//   - 400: {"error":"Invalid message format"}
//   - 500: {"error":"Failed to process agent request"}
func HandleAgentDataStream(runner agent.Runner, cfg StreamConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleAgentDataStream")
		defer span.End()
		start := time.Now()
		requestID := middleware.GetRequestID(c)
		endpoint := observability.EndpointAgent

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Error("Error in agent endpoint: malformed body", "request_id", requestID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "malformed body")
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeInternal)
			cfg.Metrics.RecordRequest(endpoint, false)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: ErrMsgAgentFailed})
			return
		}
		if err := req.Validate(); err != nil || len(req.Messages) == 0 {
			slog.Warn("Rejected agent request", "request_id", requestID, "error", err)
			span.SetStatus(codes.Error, "invalid message format")
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeValidation)
			cfg.Metrics.RecordRequest(endpoint, false)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: ErrMsgInvalidMessage})
			return
		}

		SetDataStreamHeaders(c.Writer)
		c.Status(http.StatusOK)
		writer, err := NewDataStreamWriter(c.Writer)
		if err != nil {
			slog.Error("Streaming not supported", "request_id", requestID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: ErrMsgAgentFailed})
			return
		}

		cfg.Metrics.StreamStarted(endpoint)
		defer cfg.Metrics.StreamEnded(endpoint)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stream := runner.RunMessages(runCtx, req.LLMMessages())

		var (
			writeErr   error
			lastReason = agent.FinishStop
			total      datastream.Usage
			texts      int
		)
		write := func(fn func() error) {
			if writeErr != nil {
				return
			}
			if err := fn(); err != nil {
				writeErr = err
				cancel()
			}
		}

		for ev := range stream.Events() {
			switch ev.Type {
			case agent.EventStepStart:
				write(func() error { return writer.WriteStartStep(ev.MessageID) })
			case agent.EventTextDelta:
				if texts == 0 {
					cfg.Metrics.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
				}
				texts++
				write(func() error { return writer.WriteText(ev.Delta) })
			case agent.EventToolCall:
				write(func() error {
					return writer.WriteToolCall(ev.ToolCall.ID, ev.ToolCall.Name, json.RawMessage(ev.ToolCall.Arguments))
				})
			case agent.EventToolResult:
				cfg.Metrics.RecordToolCall(ev.ToolResult.Name, !ev.ToolResult.IsError)
				write(func() error { return writer.WriteToolResult(ev.ToolResult.CallID, ev.ToolResult.Output) })
			case agent.EventStepFinish:
				usage := datastream.Usage{PromptTokens: ev.Usage.PromptTokens, CompletionTokens: ev.Usage.CompletionTokens}
				total.PromptTokens += usage.PromptTokens
				total.CompletionTokens += usage.CompletionTokens
				lastReason = ev.FinishReason
				cfg.Metrics.RecordTokens(usage.PromptTokens, usage.CompletionTokens, modelLabel(runner))
				write(func() error { return writer.WriteFinishStep(ev.FinishReason, usage, ev.IsContinued) })
			}
		}

		runErr := stream.Wait()
		span.SetAttributes(attribute.Int("stream.text_parts", texts))
		if writeErr == nil && runErr == nil {
			write(func() error { return writer.WriteFinishMessage(lastReason, total) })
		}
		if writeErr != nil {
			// A failed write cancels the run, so runErr is only the echo.
			slog.Warn("Client went away during agent data stream", "request_id", requestID, "error", writeErr)
			span.RecordError(writeErr)
			span.SetStatus(codes.Error, "client disconnected")
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			cfg.Metrics.RecordRequest(endpoint, false)
			cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), false)
			return
		}
		if runErr != nil {
			slog.Error("Agent data stream failed", "request_id", requestID, "error", runErr)
			span.RecordError(runErr)
			span.SetStatus(codes.Error, "run failed")
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeLLMError)
			cfg.Metrics.RecordRequest(endpoint, false)
			cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), false)
			write(func() error { return writer.WriteError(dataStreamErrorMessage) })
			return
		}

		slog.Info("Agent data stream completed", "request_id", requestID, "duration", time.Since(start))
		cfg.Metrics.RecordRequest(endpoint, true)
		cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), true)
	}
}
