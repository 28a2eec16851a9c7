// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// Tool is a function the model may call during a run.
type Tool interface {
	// Definition returns the name, description and parameter schema
	// advertised to the model.
	Definition() llm.ToolDefinition

	// Call executes the tool.
	//
	// # Inputs
	//
	//   - ctx: Run context. Cancelled when the run is cancelled.
	//   - args: Raw JSON arguments exactly as the model produced them.
	//
	// # Outputs
	//
	//   - string: Text handed back to the model as the tool result.
	//   - error: Reported to the model as the tool result. Never fatal.
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// FunctionTool adapts a typed Go function into a Tool. The parameter schema
// is derived from I's struct tags (`json`, `description`, `required`).
type FunctionTool[I any] struct {
	def llm.ToolDefinition
	fn  func(ctx context.Context, input I) (string, error)
}

// NewFunctionTool builds a Tool from fn.
//
// # Description
//
// Reflects over I to produce the JSON schema sent to the model. Arguments
// are decoded into a fresh I on every call.
//
// # Inputs
//
//   - name: Tool name the model uses to call it.
//   - description: What the tool does, in the model's terms.
//   - fn: The implementation.
//
// # Outputs
//
//   - *FunctionTool[I]: The tool.
//   - error: Non-nil if I cannot be described as a JSON schema.
//
// # Examples
//
//	type searchArgs struct {
//	    Query string `json:"query" description:"The search query"`
//	}
//	tool, err := agent.NewFunctionTool("search", "Search documents",
//	    func(ctx context.Context, in searchArgs) (string, error) {
//	        return svc.SearchDocuments(ctx, in.Query), nil
//	    })
func NewFunctionTool[I any](name, description string, fn func(ctx context.Context, input I) (string, error)) (*FunctionTool[I], error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %s: function is required", name)
	}
	var zero I
	schema, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		return nil, fmt.Errorf("tool %s: generate schema: %w", name, err)
	}
	if len(schema.Defs) == 0 {
		schema.Defs = nil
	}
	return &FunctionTool[I]{
		def: llm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  *schema,
		},
		fn: fn,
	}, nil
}

// MustFunctionTool is NewFunctionTool for package-level tool tables. It
// panics on a schema error, which only a programming mistake can cause.
func MustFunctionTool[I any](name, description string, fn func(ctx context.Context, input I) (string, error)) *FunctionTool[I] {
	tool, err := NewFunctionTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return tool
}

// Definition implements Tool.
func (t *FunctionTool[I]) Definition() llm.ToolDefinition {
	return t.def
}

// Call implements Tool.
func (t *FunctionTool[I]) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var input I
	if trimmed := bytes.TrimSpace(args); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &input); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", t.def.Name, err)
		}
	}
	return t.fn(ctx, input)
}
