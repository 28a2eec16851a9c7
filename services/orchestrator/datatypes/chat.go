// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the request and response bodies of the
// orchestrator API.
package datatypes

import (
	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100
)

// Roles accepted from clients.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Request Types
// =============================================================================

// Message is one conversation turn as sent by clients.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"maxbytes"`
}

// ChatRequest is the body of POST /api/chat, /api/agents-sdk and /api/agent.
//
// # Description
//
// Messages are in chronological order. An empty list is valid at this
// layer; each endpoint decides what an empty history means.
//
// # Validation
//
//   - Messages: at most 100 elements, each validated
//   - Messages[].Role: user, assistant or system
//   - Messages[].Content: at most 32KB
type ChatRequest struct {
	Messages []Message `json:"messages" validate:"max=100,dive"`
}

// Validate validates the request fields.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// Last returns the final message, or false for an empty history.
func (r *ChatRequest) Last() (Message, bool) {
	if len(r.Messages) == 0 {
		return Message{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// LLMMessages converts the history for the llm package.
func (r *ChatRequest) LLMMessages() []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = llm.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// =============================================================================
// Response Types
// =============================================================================

// ChatResponse is the 200 body of POST /api/chat.
type ChatResponse struct {
	Role    string             `json:"role"`
	Content string             `json:"content"`
	Sources []retrieval.Source `json:"sources"`
}

// ErrorResponse is every JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
