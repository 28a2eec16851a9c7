// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent runs tool-calling language model loops.
//
// An Agent is a static description: instructions, model and tools. A
// Runner executes it against an llm.LLMClient, streaming text as it arrives
// and running requested tools between model turns:
//
//	┌────────────┐  deltas   ┌───────────┐
//	│ LLMClient  │──────────▶│ RunStream │──▶ Events() / TextDeltas()
//	└─────┬──────┘           └───────────┘
//	      │ tool calls             ▲
//	      ▼                        │ tool results
//	┌────────────┐   errgroup      │
//	│   Tools    │─────────────────┘
//	└────────────┘
package agent

import (
	"fmt"
)

// DefaultMaxSteps bounds the number of model turns in one run.
const DefaultMaxSteps = 10

// Agent describes an assistant the Runner can execute.
type Agent struct {
	// Name identifies the agent in logs and spans.
	Name string

	// Instructions become the system message. Empty means no system
	// message is sent.
	Instructions string

	// Model overrides the client's default model when non-empty.
	Model string

	// Tools the model may call.
	Tools []Tool

	// MaxSteps bounds model turns; zero means DefaultMaxSteps.
	MaxSteps int
}

// maxSteps returns the effective step limit.
func (a *Agent) maxSteps() int {
	if a.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return a.MaxSteps
}

// Validate checks that tool names are present and unique.
func (a *Agent) Validate() error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	seen := make(map[string]bool, len(a.Tools))
	for i, tool := range a.Tools {
		if tool == nil {
			return fmt.Errorf("agent %s: tool %d is nil", a.Name, i)
		}
		name := tool.Definition().Name
		if name == "" {
			return fmt.Errorf("agent %s: tool %d has no name", a.Name, i)
		}
		if seen[name] {
			return fmt.Errorf("agent %s: duplicate tool %s", a.Name, name)
		}
		seen[name] = true
	}
	return nil
}

// tool finds a tool by name.
func (a *Agent) tool(name string) (Tool, bool) {
	for _, t := range a.Tools {
		if t.Definition().Name == name {
			return t, true
		}
	}
	return nil, false
}
