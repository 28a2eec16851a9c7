// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datastream implements the line-oriented "data stream" protocol
// (version 1) used by AI SDK chat front-ends.
//
// Every part is a single line of the form
//
//	<code>:<json>\n
//
// where code identifies the part type. The parts emitted by /api/agent are:
//
//	f  start of a step           {"messageId":"..."}
//	0  text delta                "text"
//	9  tool call                 {"toolCallId","toolName","args"}
//	a  tool result               {"toolCallId","result"}
//	e  finish of a step          {"finishReason","usage","isContinued"}
//	d  finish of the message     {"finishReason","usage"}
//	3  error                     "message"
package datastream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HeaderName marks a response as a data stream.
const (
	HeaderName  = "X-Vercel-AI-Data-Stream"
	HeaderValue = "v1"
)

// PartType is the one-character code in front of each line.
type PartType string

const (
	PartText          PartType = "0"
	PartError         PartType = "3"
	PartToolCall      PartType = "9"
	PartToolResult    PartType = "a"
	PartFinishMessage PartType = "d"
	PartFinishStep    PartType = "e"
	PartStartStep     PartType = "f"
)

// Usage reports token counts in the shape the protocol expects.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// ToolCall is the payload of a "9" part.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ToolResult is the payload of an "a" part.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     any    `json:"result"`
}

// FinishStep is the payload of an "e" part.
type FinishStep struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
	IsContinued  bool   `json:"isContinued"`
}

// FinishMessage is the payload of a "d" part.
type FinishMessage struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
}

// StartStep is the payload of an "f" part.
type StartStep struct {
	MessageID string `json:"messageId"`
}

// =============================================================================
// Writer
// =============================================================================

// Writer emits parts to an io.Writer, one Write per part.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteText writes a text delta.
func (w *Writer) WriteText(text string) error {
	return w.writePart(PartText, text)
}

// WriteStartStep writes the step header.
func (w *Writer) WriteStartStep(messageID string) error {
	return w.writePart(PartStartStep, StartStep{MessageID: messageID})
}

// WriteToolCall writes a completed tool call. Empty args are sent as {}.
func (w *Writer) WriteToolCall(id, name string, args json.RawMessage) error {
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	return w.writePart(PartToolCall, ToolCall{ToolCallID: id, ToolName: name, Args: args})
}

// WriteToolResult writes the result of a tool call.
func (w *Writer) WriteToolResult(id string, result any) error {
	return w.writePart(PartToolResult, ToolResult{ToolCallID: id, Result: result})
}

// WriteFinishStep writes the end of one model step.
func (w *Writer) WriteFinishStep(reason string, usage Usage, isContinued bool) error {
	return w.writePart(PartFinishStep, FinishStep{FinishReason: reason, Usage: usage, IsContinued: isContinued})
}

// WriteFinishMessage writes the end of the whole message.
func (w *Writer) WriteFinishMessage(reason string, usage Usage) error {
	return w.writePart(PartFinishMessage, FinishMessage{FinishReason: reason, Usage: usage})
}

// WriteError writes an error part. The message is shown to end users.
func (w *Writer) WriteError(message string) error {
	return w.writePart(PartError, message)
}

func (w *Writer) writePart(code PartType, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s part: %w", code, err)
	}
	line := make([]byte, 0, len(code)+len(data)+2)
	line = append(line, string(code)...)
	line = append(line, ':')
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write %s part: %w", code, err)
	}
	return nil
}

// =============================================================================
// Reader
// =============================================================================

// ErrMalformedPart is returned for a line without a "<code>:" prefix.
var ErrMalformedPart = errors.New("datastream: malformed part")

// Part is one decoded line.
type Part struct {
	Type  PartType
	Value json.RawMessage
}

// Text returns the string value of a text or error part.
func (p Part) Text() (string, error) {
	var s string
	if err := json.Unmarshal(p.Value, &s); err != nil {
		return "", fmt.Errorf("decode %s part: %w", p.Type, err)
	}
	return s, nil
}

// Decode unmarshals the part value into v.
func (p Part) Decode(v any) error {
	if err := json.Unmarshal(p.Value, v); err != nil {
		return fmt.Errorf("decode %s part: %w", p.Type, err)
	}
	return nil
}

// Reader reads parts from a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next part. It returns io.EOF at the clean end of the
// stream; a final line without a newline is still returned.
func (r *Reader) Next() (Part, error) {
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Part{}, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if errors.Is(err, io.EOF) {
				return Part{}, io.EOF
			}
			continue
		}
		code, value, ok := strings.Cut(trimmed, ":")
		if !ok || code == "" {
			return Part{}, fmt.Errorf("%w: %q", ErrMalformedPart, trimmed)
		}
		return Part{Type: PartType(code), Value: json.RawMessage(value)}, nil
	}
}
