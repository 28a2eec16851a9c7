package llm

import (
	"context"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// GenerationParams tunes a single completion. Nil pointers leave the
// provider default in place.
type GenerationParams struct {
	// Model overrides the client's default model when non-empty.
	Model       string           `json:"model,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
	TopP        *float32         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// ChatMessage is one turn of a conversation sent to the model.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model. Arguments is
// the raw JSON text exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises a callable function to the model.
type ToolDefinition struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Parameters  jsonschema.Definition `json:"parameters"`
}

// StreamEventType distinguishes the events passed to a StreamCallback.
type StreamEventType string

const (
	// StreamEventToken carries a content delta.
	StreamEventToken StreamEventType = "token"
)

// StreamEvent is a single event observed while a completion streams.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives stream events in arrival order.
//
// # Description
//
// Called synchronously from the goroutine reading the provider stream.
// Returning an error stops the stream and ChatStream returns that error
// wrapped.
//
// # Examples
//
//	callback := func(event llm.StreamEvent) error {
//	    return encoder.WriteContent(event.Content)
//	}
type StreamCallback func(event StreamEvent) error

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the assembled result of a streamed completion.
type Completion struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Chat performs one blocking completion and returns the text.
	Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)

	// ChatStream performs one streamed completion. Content deltas go to
	// callback as they arrive; the assembled completion, including any
	// tool calls, is returned once the stream ends.
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, callback StreamCallback) (*Completion, error)
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
