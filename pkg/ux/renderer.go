// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamResult is what a renderer accumulated for one reply.
type StreamResult struct {
	ID        string
	CreatedAt int64

	Answer    string
	ToolCalls []string
	Err       error

	FirstDeltaAt   time.Time
	CompletedAt    time.Time
	TotalDeltas    int
	TotalToolCalls int
}

// StreamRenderer renders a Consumer's callbacks as they arrive.
//
// # Description
//
// StreamRenderer is driven by the hooks returned from Hooks. Interactive
// renderers print deltas immediately; the buffer renderer collects them
// for tests and scripted output.
//
// # Example
//
//	renderer := NewTerminalStreamRenderer(os.Stdout, GetPersonality())
//	consumer := NewConsumer(opener, Hooks(renderer, ConsumerOptions{}))
//	err := consumer.Submit(ctx, "hello")
//	renderer.Finalize(err)
type StreamRenderer interface {
	// OnDelta renders a piece of assistant text.
	OnDelta(delta string)

	// OnToolCall renders a tool invocation from the data stream protocol.
	OnToolCall(name string, args json.RawMessage)

	// OnStateChange reacts to consumer state transitions. The terminal
	// renderer runs its spinner while Sending.
	OnStateChange(state State)

	// Finalize ends the reply. A non-nil err is shown in place of the
	// partial text. Safe to call multiple times.
	Finalize(err error)

	// Result returns the accumulated result.
	Result() *StreamResult

	// Reset starts a new reply, discarding the previous result. Chat
	// sessions keep one renderer and reset it per turn.
	Reset()
}

// Hooks wires r into opts, chaining any callbacks already set.
func Hooks(r StreamRenderer, opts ConsumerOptions) ConsumerOptions {
	onUpdate, onToolCall, onState := opts.OnUpdate, opts.OnToolCall, opts.OnStateChange
	opts.OnUpdate = func(delta string) {
		r.OnDelta(delta)
		if onUpdate != nil {
			onUpdate(delta)
		}
	}
	opts.OnToolCall = func(name string, args json.RawMessage) {
		r.OnToolCall(name, args)
		if onToolCall != nil {
			onToolCall(name, args)
		}
	}
	opts.OnStateChange = func(s State) {
		r.OnStateChange(s)
		if onState != nil {
			onState(s)
		}
	}
	return opts
}

func newStreamResult() *StreamResult {
	return &StreamResult{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Terminal Stream Renderer
// =============================================================================

// terminalStreamRenderer prints deltas as they arrive.
//
// In machine mode the answer is buffered and printed as one RESPONSE
// line on Finalize. All methods are guarded by mu.
type terminalStreamRenderer struct {
	writer      io.Writer
	personality PersonalityLevel
	spinner     *Spinner
	result      *StreamResult
	mu          sync.Mutex

	answer    strings.Builder
	wroteText bool
	finalized bool
}

// NewTerminalStreamRenderer creates a renderer for interactive terminal
// output. A nil w writes to os.Stdout.
func NewTerminalStreamRenderer(w io.Writer, personality PersonalityLevel) StreamRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &terminalStreamRenderer{
		writer:      w,
		personality: personality,
		result:      newStreamResult(),
	}
}

func (r *terminalStreamRenderer) stopSpinner() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}

// OnStateChange runs the spinner while the request is being sent. Only
// full personality animates.
func (r *terminalStreamRenderer) OnStateChange(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized || r.personality != PersonalityFull {
		return
	}
	switch state {
	case StateSending:
		if r.spinner == nil {
			r.spinner = NewSpinnerTo(r.writer, "Thinking...")
			r.spinner.Start()
		}
	default:
		r.stopSpinner()
	}
}

// OnDelta prints a delta immediately except in machine mode.
func (r *terminalStreamRenderer) OnDelta(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	if r.result.TotalDeltas == 0 {
		r.result.FirstDeltaAt = time.Now()
	}
	r.result.TotalDeltas++
	r.answer.WriteString(delta)

	if r.personality == PersonalityMachine {
		return
	}
	r.stopSpinner()
	if !r.wroteText {
		r.wroteText = true
		if r.personality == PersonalityFull {
			fmt.Fprintf(r.writer, "%s ", Styles.Title.Render("assistant"))
		}
	}
	fmt.Fprint(r.writer, Styles.Assistant.Render(delta))
}

// OnToolCall shows the tool name on its own line.
func (r *terminalStreamRenderer) OnToolCall(name string, args json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.result.TotalToolCalls++
	r.result.ToolCalls = append(r.result.ToolCalls, name)

	switch r.personality {
	case PersonalityMachine:
		fmt.Fprintf(r.writer, "TOOL_CALL: %s %s\n", name, string(args))
	case PersonalityMinimal:
		fmt.Fprintf(r.writer, "[tool] %s\n", name)
	default:
		if r.spinner != nil {
			r.spinner.UpdateMessage(fmt.Sprintf("Running %s...", name))
			return
		}
		fmt.Fprintf(r.writer, "%s %s\n", IconTool.Render(), Styles.Tool.Render(name))
	}
}

// Finalize stops the spinner and ends the reply line.
func (r *terminalStreamRenderer) Finalize(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	r.stopSpinner()
	r.result.Answer = r.answer.String()
	r.result.Err = err
	r.result.CompletedAt = time.Now()

	if r.personality == PersonalityMachine {
		if err != nil {
			fmt.Fprintf(r.writer, "ERROR: %s\n", ErrorReplyText)
			return
		}
		fmt.Fprintf(r.writer, "RESPONSE: %s\n", r.result.Answer)
		return
	}
	if r.wroteText {
		fmt.Fprintln(r.writer)
	}
	if err != nil {
		fmt.Fprintf(r.writer, "%s %s\n", IconError.Render(), Styles.Error.Render(ErrorReplyText))
	}
}

// Result returns the accumulated result.
func (r *terminalStreamRenderer) Result() *StreamResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := *r.result
	res.Answer = r.answer.String()
	res.ToolCalls = append([]string(nil), r.result.ToolCalls...)
	return &res
}

// Reset starts a new reply.
func (r *terminalStreamRenderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSpinner()
	r.result = newStreamResult()
	r.answer.Reset()
	r.wroteText = false
	r.finalized = false
}

// =============================================================================
// Buffer Stream Renderer
// =============================================================================

// bufferStreamRenderer records everything without printing.
type bufferStreamRenderer struct {
	mu        sync.Mutex
	result    *StreamResult
	answer    strings.Builder
	states    []State
	finalized bool
}

// NewBufferStreamRenderer creates a renderer that only accumulates.
func NewBufferStreamRenderer() StreamRenderer {
	return &bufferStreamRenderer{result: newStreamResult()}
}

func (r *bufferStreamRenderer) OnDelta(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	if r.result.TotalDeltas == 0 {
		r.result.FirstDeltaAt = time.Now()
	}
	r.result.TotalDeltas++
	r.answer.WriteString(delta)
}

func (r *bufferStreamRenderer) OnToolCall(name string, _ json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.result.TotalToolCalls++
	r.result.ToolCalls = append(r.result.ToolCalls, name)
}

func (r *bufferStreamRenderer) OnStateChange(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *bufferStreamRenderer) Finalize(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	r.result.Err = err
	r.result.CompletedAt = time.Now()
}

func (r *bufferStreamRenderer) Result() *StreamResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := *r.result
	res.Answer = r.answer.String()
	res.ToolCalls = append([]string(nil), r.result.ToolCalls...)
	return &res
}

func (r *bufferStreamRenderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = newStreamResult()
	r.answer.Reset()
	r.states = nil
	r.finalized = false
}

// States returns the transitions seen by a buffer renderer, or nil for
// other renderers.
func States(r StreamRenderer) []State {
	b, ok := r.(*bufferStreamRenderer)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]State(nil), b.states...)
}
