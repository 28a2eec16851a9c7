// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/AleutianAI/sourcechat/services/llm"
)

// EventType identifies the kind of run event.
type EventType string

const (
	// EventStepStart is emitted before each model call.
	EventStepStart EventType = "step_start"

	// EventTextDelta carries a fragment of assistant text.
	EventTextDelta EventType = "text_delta"

	// EventToolCall is emitted for each tool the model asked for, before
	// any of that step's tools run.
	EventToolCall EventType = "tool_call"

	// EventToolResult is emitted once per tool call after all of the
	// step's tools have finished, in call order.
	EventToolResult EventType = "tool_result"

	// EventStepFinish closes a step.
	EventStepFinish EventType = "step_finish"
)

// Finish reasons reported on EventStepFinish.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
)

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID  string `json:"toolCallId"`
	Name    string `json:"toolName"`
	Output  string `json:"result"`
	IsError bool   `json:"isError,omitempty"`
}

// Event is one observation of a run. Only the fields relevant to Type are
// set.
type Event struct {
	Type EventType
	Step int

	// MessageID identifies the assistant message produced by a step.
	// Set on EventStepStart.
	MessageID string

	// Delta is set on EventTextDelta.
	Delta string

	// ToolCall is set on EventToolCall.
	ToolCall *llm.ToolCall

	// ToolResult is set on EventToolResult.
	ToolResult *ToolResult

	// FinishReason, IsContinued and Usage are set on EventStepFinish.
	FinishReason string
	IsContinued  bool
	Usage        llm.Usage
}

// RunStream is a run in progress.
//
// # Description
//
// Events are delivered on an unbuffered channel, so the run advances only
// as fast as the consumer reads. The channel is closed when the run ends,
// before Wait returns. A consumer that stops reading must cancel the run's
// context so the producer can exit.
//
// # Thread Safety
//
// Events and TextDeltas must be consumed by one goroutine, and only one of
// them per stream. Wait is safe from any goroutine.
type RunStream struct {
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	err    error
	output strings.Builder
}

func newRunStream() *RunStream {
	return &RunStream{
		events: make(chan Event),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel.
func (s *RunStream) Events() <-chan Event {
	return s.events
}

// TextDeltas returns only the text fragments of the run. The remaining
// events are drained and dropped.
func (s *RunStream) TextDeltas() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for ev := range s.events {
			if ev.Type == EventTextDelta {
				out <- ev.Delta
			}
		}
	}()
	return out
}

// Wait blocks until the run ends and returns its error.
func (s *RunStream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FinalOutput returns the text of the last step. Valid after Wait.
func (s *RunStream) FinalOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

// emit delivers ev unless ctx is cancelled first.
func (s *RunStream) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RunStream) setOutput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Reset()
	s.output.WriteString(text)
}

// finish records err, closes the event channel, then releases Wait.
func (s *RunStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
	close(s.done)
}
