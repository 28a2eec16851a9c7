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
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/sourcechat/services/agent"
	"github.com/AleutianAI/sourcechat/services/orchestrator/datatypes"
	"github.com/AleutianAI/sourcechat/services/orchestrator/middleware"
	"github.com/AleutianAI/sourcechat/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StreamConfig configures the streaming handlers.
type StreamConfig struct {
	// KeepAliveInterval spaces `: ping` comments while the run is silent.
	// Zero disables keepalives.
	KeepAliveInterval time.Duration
	Metrics           *observability.StreamingMetrics
}

// HandleAgentsSDK handles POST /api/agents-sdk.
//
// # Description
//
// Runs the document assistant on the latest user message and streams its
// text as SSE content frames:
//
//  1. Decode {messages}. A body that is not JSON is a 500.
//  2. The last message must exist and have role user, else 400.
//  3. Start the run and write each text delta as one flushed frame.
//  4. After the run completes, write `data: [DONE]`.
//
// If the run fails, before or after the first frame, no DONE frame is
// written and the connection is dropped so the client sees a transport
// error.
//
// # Outputs
//
//   - 200: text/plain SSE frames
//   - 400: {"error":"Invalid message format"}
//   - 500: {"error":"Failed to process request with Agents SDK"}
//
// # Limitations
//
//   - Only the latest message is sent to the agent; earlier turns are
//     not part of the run.
func HandleAgentsSDK(runner agent.Runner, cfg StreamConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleAgentsSDK")
		defer span.End()
		start := time.Now()
		requestID := middleware.GetRequestID(c)
		endpoint := observability.EndpointAgentsSDK

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Error("Error in agents SDK endpoint: malformed body", "request_id", requestID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "malformed body")
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeInternal)
			cfg.Metrics.RecordRequest(endpoint, false)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: ErrMsgAgentsSDKFailed})
			return
		}
		latest, ok := req.Last()
		if !ok || latest.Role != datatypes.RoleUser || req.Validate() != nil {
			slog.Warn("Rejected agents SDK request", "request_id", requestID, "messages", len(req.Messages))
			span.SetStatus(codes.Error, "invalid message format")
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeValidation)
			cfg.Metrics.RecordRequest(endpoint, false)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: ErrMsgInvalidMessage})
			return
		}

		SetSSEHeaders(c.Writer)
		c.Status(http.StatusOK)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			slog.Error("Streaming not supported", "request_id", requestID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: ErrMsgAgentsSDKFailed})
			return
		}

		cfg.Metrics.StreamStarted(endpoint)
		defer cfg.Metrics.StreamEnded(endpoint)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stream := runner.Run(runCtx, latest.Content)

		var keepAlive <-chan time.Time
		if cfg.KeepAliveInterval > 0 {
			ticker := time.NewTicker(cfg.KeepAliveInterval)
			defer ticker.Stop()
			keepAlive = ticker.C
		}

		frames := 0
		var writeErr error
		events := stream.Events()
	loop:
		for {
			select {
			case ev, open := <-events:
				if !open {
					break loop
				}
				switch ev.Type {
				case agent.EventTextDelta:
					if writeErr != nil {
						continue
					}
					if frames == 0 {
						cfg.Metrics.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
					}
					if err := writer.WriteContent(ev.Delta); err != nil {
						writeErr = err
						cancel()
						continue
					}
					frames++
				case agent.EventToolResult:
					cfg.Metrics.RecordToolCall(ev.ToolResult.Name, !ev.ToolResult.IsError)
				case agent.EventStepFinish:
					cfg.Metrics.RecordTokens(ev.Usage.PromptTokens, ev.Usage.CompletionTokens, modelLabel(runner))
				}
			case <-keepAlive:
				if writeErr == nil && writer.WriteKeepAlive() == nil {
					cfg.Metrics.RecordKeepAlive(endpoint)
				}
			}
		}

		runErr := stream.Wait()
		span.SetAttributes(attribute.Int("stream.frames", frames))
		if runErr == nil && writeErr == nil {
			writeErr = writer.WriteDone()
		}
		if runErr != nil || writeErr != nil {
			err := errors.Join(runErr, writeErr)
			code := observability.ErrorCodeLLMError
			if c.Request.Context().Err() != nil || writeErr != nil {
				code = observability.ErrorCodeClientDisconnect
			}
			slog.Error("Streaming error", "request_id", requestID, "frames", frames, "started", writer.Started(), "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream aborted")
			cfg.Metrics.RecordError(endpoint, code)
			cfg.Metrics.RecordRequest(endpoint, false)
			cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), false)
			abortStream(c.Writer)
		}

		slog.Info("Agent stream completed", "request_id", requestID, "frames", frames, "duration", time.Since(start))
		cfg.Metrics.RecordRequest(endpoint, true)
		cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), true)
	}
}

// modelLabel names the runner's model for token metrics.
func modelLabel(runner agent.Runner) string {
	if r, ok := runner.(interface{ Agent() *agent.Agent }); ok && r.Agent().Model != "" {
		return r.Agent().Model
	}
	return "default"
}
