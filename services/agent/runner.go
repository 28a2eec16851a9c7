// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("sourcechat.agent")

// Runner executes an agent.
type Runner interface {
	// Run starts a run whose only input is a single user message.
	Run(ctx context.Context, prompt string) *RunStream

	// RunMessages starts a run over a full conversation history.
	RunMessages(ctx context.Context, messages []llm.ChatMessage) *RunStream

	// RunToCompletion runs to the end and returns the final step's text.
	RunToCompletion(ctx context.Context, messages []llm.ChatMessage) (string, error)
}

// AgentRunner is the Runner backed by an llm.LLMClient.
type AgentRunner struct {
	client llm.LLMClient
	agent  *Agent
}

// NewRunner creates a Runner for agent.
//
// # Inputs
//
//   - client: Streaming completion backend.
//   - agent: The agent. Must pass Validate.
//
// # Outputs
//
//   - *AgentRunner: The runner. Safe for concurrent runs.
//   - error: Non-nil if the agent is invalid.
func NewRunner(client llm.LLMClient, agent *Agent) (*AgentRunner, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	return &AgentRunner{client: client, agent: agent}, nil
}

// Agent returns the agent this runner executes.
func (r *AgentRunner) Agent() *Agent {
	return r.agent
}

// Run implements Runner.
func (r *AgentRunner) Run(ctx context.Context, prompt string) *RunStream {
	return r.RunMessages(ctx, []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}})
}

// RunMessages implements Runner.
//
// # Description
//
// Starts the loop in a new goroutine and returns immediately. Each step
// streams one completion, forwarding content deltas as EventTextDelta. If
// the model requests tools they run in parallel, their results are
// appended to the history, and the next step begins. The loop ends on a
// turn without tool calls or after MaxSteps turns.
//
// # Outputs
//
//   - *RunStream: Consume Events or TextDeltas, then call Wait. Wait
//     returns the model error, or the context error if the run was
//     cancelled. Tool failures are not run errors.
func (r *AgentRunner) RunMessages(ctx context.Context, messages []llm.ChatMessage) *RunStream {
	stream := newRunStream()

	history := make([]llm.ChatMessage, 0, len(messages)+1)
	if r.agent.Instructions != "" {
		history = append(history, llm.ChatMessage{Role: llm.RoleSystem, Content: r.agent.Instructions})
	}
	history = append(history, messages...)

	go func() {
		stream.finish(r.loop(ctx, stream, history))
	}()
	return stream
}

// RunToCompletion implements Runner.
func (r *AgentRunner) RunToCompletion(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	stream := r.RunMessages(ctx, messages)
	for range stream.Events() {
	}
	if err := stream.Wait(); err != nil {
		return "", err
	}
	return stream.FinalOutput(), nil
}

func (r *AgentRunner) loop(ctx context.Context, stream *RunStream, history []llm.ChatMessage) error {
	ctx, span := tracer.Start(ctx, "agent.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.name", r.agent.Name),
		attribute.Int("agent.tools", len(r.agent.Tools)),
	)

	params := llm.GenerationParams{Model: r.agent.Model}
	for _, t := range r.agent.Tools {
		params.Tools = append(params.Tools, t.Definition())
	}

	start := time.Now()
	maxSteps := r.agent.maxSteps()
	for step := 1; step <= maxSteps; step++ {
		if err := stream.emit(ctx, Event{Type: EventStepStart, Step: step, MessageID: "msg-" + uuid.NewString()}); err != nil {
			return failSpan(span, err)
		}

		completion, err := r.client.ChatStream(ctx, history, params, func(ev llm.StreamEvent) error {
			if ev.Type != llm.StreamEventToken || ev.Content == "" {
				return nil
			}
			return stream.emit(ctx, Event{Type: EventTextDelta, Step: step, Delta: ev.Content})
		})
		if err != nil {
			slog.Error("Agent step failed", "agent", r.agent.Name, "step", step, "error", err)
			return failSpan(span, fmt.Errorf("step %d: %w", step, err))
		}
		stream.setOutput(completion.Content)

		calls := ensureCallIDs(completion.ToolCalls)
		history = append(history, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			span.SetAttributes(attribute.Int("agent.steps", step))
			slog.Debug("Agent run finished", "agent", r.agent.Name, "steps", step, "duration", time.Since(start))
			return stream.emit(ctx, Event{Type: EventStepFinish, Step: step, FinishReason: finishReason(completion.FinishReason), Usage: completion.Usage})
		}

		for i := range calls {
			if err := stream.emit(ctx, Event{Type: EventToolCall, Step: step, ToolCall: &calls[i]}); err != nil {
				return failSpan(span, err)
			}
		}

		results := r.executeTools(ctx, calls)
		if err := ctx.Err(); err != nil {
			return failSpan(span, err)
		}
		for i := range results {
			if err := stream.emit(ctx, Event{Type: EventToolResult, Step: step, ToolResult: &results[i]}); err != nil {
				return failSpan(span, err)
			}
			history = append(history, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    results[i].Output,
				ToolCallID: results[i].CallID,
			})
		}

		if err := stream.emit(ctx, Event{Type: EventStepFinish, Step: step, FinishReason: FinishToolCalls, IsContinued: step < maxSteps, Usage: completion.Usage}); err != nil {
			return failSpan(span, err)
		}
	}

	slog.Warn("Agent reached step limit", "agent", r.agent.Name, "max_steps", maxSteps)
	span.SetAttributes(attribute.Int("agent.steps", maxSteps), attribute.Bool("agent.step_limit", true))
	return nil
}

// executeTools runs calls in parallel. Results keep call order.
func (r *AgentRunner) executeTools(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	g, gCtx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.callTool(gCtx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *AgentRunner) callTool(ctx context.Context, call llm.ToolCall) (result ToolResult) {
	ctx, span := tracer.Start(ctx, "agent.Tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.String("tool.call_id", call.ID))

	result = ToolResult{CallID: call.ID, Name: call.Name}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Tool panicked", "tool", call.Name, "panic", p)
			span.SetStatus(codes.Error, "panic")
			result.Output = fmt.Sprintf("Tool %s failed", call.Name)
			result.IsError = true
		}
	}()

	tool, ok := r.agent.tool(call.Name)
	if !ok {
		slog.Warn("Model requested unknown tool", "agent", r.agent.Name, "tool", call.Name)
		span.SetStatus(codes.Error, "unknown tool")
		result.Output = fmt.Sprintf("Unknown tool: %s", call.Name)
		result.IsError = true
		return result
	}

	start := time.Now()
	output, err := tool.Call(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		slog.Warn("Tool returned an error", "tool", call.Name, "error", err, "duration", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool error")
		result.Output = err.Error()
		result.IsError = true
		return result
	}
	slog.Debug("Tool completed", "tool", call.Name, "duration", time.Since(start), "bytes", len(output))
	result.Output = output
	return result
}

// ensureCallIDs fills missing call IDs; tool messages must reference one.
func ensureCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
	return calls
}

func finishReason(provider string) string {
	if provider == "length" {
		return FinishLength
	}
	return FinishStop
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
