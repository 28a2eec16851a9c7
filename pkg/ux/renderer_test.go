// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestTerminalStreamRenderer_MinimalMode(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalStreamRenderer(&buf, PersonalityMinimal)

	r.OnStateChange(StateSending)
	r.OnStateChange(StateStreaming)
	r.OnToolCall("searchDocuments", json.RawMessage(`{"query":"q"}`))
	r.OnDelta("Hel")
	r.OnDelta("lo")
	r.OnStateChange(StateIdle)
	r.Finalize(nil)

	if got, want := buf.String(), "[tool] searchDocuments\nHello\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	res := r.Result()
	if res.Answer != "Hello" || res.TotalDeltas != 2 || res.TotalToolCalls != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.ID == "" || res.FirstDeltaAt.IsZero() || res.CompletedAt.IsZero() {
		t.Errorf("expected identifiers and timestamps, got %+v", res)
	}
}

func TestTerminalStreamRenderer_MachineModeBuffers(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalStreamRenderer(&buf, PersonalityMachine)

	r.OnDelta("Hi")
	r.OnToolCall("analyzeData", json.RawMessage(`{}`))
	r.OnDelta(" there")
	if buf.String() != "TOOL_CALL: analyzeData {}\n" {
		t.Errorf("deltas must be buffered, got %q", buf.String())
	}

	r.Finalize(nil)
	if got, want := buf.String(), "TOOL_CALL: analyzeData {}\nRESPONSE: Hi there\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

// A failed reply shows the error text after the partial delta.
func TestTerminalStreamRenderer_FinalizeWithError(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalStreamRenderer(&buf, PersonalityMinimal)

	r.OnDelta("Hi")
	r.Finalize(errors.New("reset"))

	if !strings.HasPrefix(buf.String(), "Hi\n") || !strings.Contains(buf.String(), ErrorReplyText) {
		t.Errorf("output = %q", buf.String())
	}
	if r.Result().Err == nil {
		t.Error("expected the error on the result")
	}
}

func TestTerminalStreamRenderer_FinalizeIdempotent(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalStreamRenderer(&buf, PersonalityMachine)

	r.OnDelta("x")
	r.Finalize(nil)
	r.Finalize(errors.New("late"))
	r.OnDelta("ignored")

	if buf.String() != "RESPONSE: x\n" {
		t.Errorf("output = %q", buf.String())
	}
	if r.Result().Err != nil {
		t.Error("second Finalize must not overwrite the result")
	}
}

func TestTerminalStreamRenderer_ConcurrentSafety(t *testing.T) {
	r := NewTerminalStreamRenderer(io.Discard, PersonalityMachine)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnDelta("a")
			r.OnToolCall("t", json.RawMessage("{}"))
			_ = r.Result()
		}()
	}
	wg.Wait()
	r.Finalize(nil)

	if got := r.Result().TotalDeltas; got != 20 {
		t.Errorf("deltas = %d, want 20", got)
	}
}

func TestBufferStreamRenderer(t *testing.T) {
	r := NewBufferStreamRenderer()

	r.OnStateChange(StateSending)
	r.OnDelta("a")
	r.OnToolCall("searchDocuments", json.RawMessage("{}"))
	r.OnDelta("b")
	r.Finalize(nil)
	r.OnDelta("ignored")

	res := r.Result()
	if res.Answer != "ab" || len(res.ToolCalls) != 1 || res.ToolCalls[0] != "searchDocuments" {
		t.Errorf("unexpected result %+v", res)
	}
	if states := States(r); len(states) != 1 || states[0] != StateSending {
		t.Errorf("states = %v", states)
	}
	if States(NewTerminalStreamRenderer(io.Discard, PersonalityMachine)) != nil {
		t.Error("terminal renderers record no states")
	}
}

// Hooks drives the renderer from a real Consumer and keeps existing
// callbacks.
func TestHooks_DrivesRendererFromConsumer(t *testing.T) {
	r := NewBufferStreamRenderer()
	var updates []string
	opts := Hooks(r, ConsumerOptions{OnUpdate: func(d string) { updates = append(updates, d) }})

	opener := &stubOpener{body: io.NopCloser(strings.NewReader(frame("Hel") + frame("lo") + doneFrame))}
	consumer := NewConsumer(opener, opts)

	err := consumer.Submit(context.Background(), "hi")
	r.Finalize(err)

	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := r.Result().Answer; got != "Hello" {
		t.Errorf("answer = %q", got)
	}
	if len(updates) != 2 {
		t.Errorf("chained OnUpdate saw %v", updates)
	}
	want := []State{StateSending, StateStreaming, StateIdle}
	got := States(r)
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states = %v, want %v", got, want)
		}
	}
}

func TestTerminalStreamRenderer_Reset(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalStreamRenderer(&buf, PersonalityMachine)

	r.OnDelta("first")
	r.Finalize(nil)
	firstID := r.Result().ID
	r.Reset()
	r.OnDelta("second")
	r.Finalize(nil)

	if got, want := buf.String(), "RESPONSE: first\nRESPONSE: second\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	res := r.Result()
	if res.Answer != "second" || res.TotalDeltas != 1 || res.ID == firstID {
		t.Errorf("reset did not start a new result: %+v", res)
	}
}
