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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/AleutianAI/sourcechat/pkg/datastream"
	"github.com/AleutianAI/sourcechat/pkg/sseframe"
)

// =============================================================================
// State
// =============================================================================

// State is the consumer's position in its submit cycle.
//
//	idle ──Submit──▶ sending ──opened──▶ streaming ──▶ idle
//	                    │                    │
//	                    └──────failure───────┴──▶ error ──▶ idle
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrorReplyText replaces the assistant reply when a submission fails.
const ErrorReplyText = "Sorry, there was an error processing your request."

var (
	// ErrBusy is returned by Submit while another submission is in flight.
	ErrBusy = errors.New("a request is already in progress")

	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrUpstreamStatus wraps a non-2xx response from the stream endpoint.
	ErrUpstreamStatus = errors.New("unexpected response status")

	// ErrStreamError is returned when a data stream carries an error part.
	ErrStreamError = errors.New("stream reported an error")
)

// Role values used in the conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation, in the request wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is the ordered message list shown to the user.
//
// # Thread Safety
//
// Safe for concurrent use. The Consumer is the only writer; renderers may
// read snapshots at any time.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// Messages returns a copy of the messages.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

// Last returns the last message, if any.
func (c *Conversation) Last() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Conversation) append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// appendDelta adds delta to the last message only if it is an assistant
// message. It reports whether the delta was applied.
func (c *Conversation) appendDelta(delta string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.messages)
	if n == 0 || c.messages[n-1].Role != RoleAssistant {
		return false
	}
	c.messages[n-1].Content += delta
	return true
}

// replaceLastAssistant overwrites the reply being streamed.
func (c *Conversation) replaceLastAssistant(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.messages)
	if n == 0 || c.messages[n-1].Role != RoleAssistant {
		return
	}
	c.messages[n-1].Content = content
}

// =============================================================================
// Stream Opener
// =============================================================================

// StreamOpener starts one streaming request for the given history.
type StreamOpener interface {
	// Open returns the response body. Non-2xx responses are errors.
	Open(ctx context.Context, messages []Message) (io.ReadCloser, error)
}

// Stream endpoint paths.
const (
	AgentsSDKPath = "/api/agents-sdk"
	AgentPath     = "/api/agent"
)

// HTTPStreamOpener POSTs {messages} to a streaming endpoint.
type HTTPStreamOpener struct {
	URL    string
	Client *http.Client
}

// NewHTTPStreamOpener targets baseURL+path. A nil client uses a client
// without timeout so long streams are not cut off.
func NewHTTPStreamOpener(baseURL, path string, client *http.Client) *HTTPStreamOpener {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStreamOpener{URL: strings.TrimRight(baseURL, "/") + path, Client: client}
}

// Open implements StreamOpener.
func (o *HTTPStreamOpener) Open(ctx context.Context, messages []Message) (io.ReadCloser, error) {
	body, err := json.Marshal(struct {
		Messages []Message `json:"messages"`
	}{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		slog.Debug("Stream endpoint rejected request", "status", resp.StatusCode, "body", string(detail))
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}
	return resp.Body, nil
}

// =============================================================================
// Consumer
// =============================================================================

// Protocol selects how the response body is decoded.
type Protocol int

const (
	// ProtocolSSE reads `data: {"content":...}` frames ending in [DONE].
	ProtocolSSE Protocol = iota
	// ProtocolDataStream reads data stream v1 parts.
	ProtocolDataStream
)

func (p Protocol) String() string {
	if p == ProtocolDataStream {
		return "data-stream"
	}
	return "sse"
}

// DefaultReadSize is the buffer size of each body read.
const DefaultReadSize = 4096

// ConsumerOptions configures a Consumer. All callbacks run on the
// goroutine that called Submit.
type ConsumerOptions struct {
	Protocol Protocol

	// OnUpdate fires after every delta applied to the assistant reply.
	OnUpdate func(delta string)

	// OnToolCall fires for each tool call part (data stream only).
	OnToolCall func(name string, args json.RawMessage)

	// OnStateChange fires on every state transition.
	OnStateChange func(State)

	// ReadSize is the byte buffer of each body read. Default: DefaultReadSize.
	ReadSize int
}

// Consumer drives one conversation against a streaming endpoint.
//
// # Description
//
// Submit appends the user message and an empty assistant placeholder,
// opens the stream, and applies every delta to the placeholder as it
// arrives. On any failure the placeholder is replaced with ErrorReplyText;
// the user message is kept so it can be resent.
//
// # Thread Safety
//
// Only one submission may be in flight; a concurrent Submit returns
// ErrBusy. State and Conversation are safe to read at any time.
//
// # Limitations
//
//   - A submission cannot be cancelled by the user. The context passed to
//     Submit is only cancelled on shutdown.
type Consumer struct {
	opener StreamOpener
	opts   ConsumerOptions
	conv   *Conversation

	mu    sync.Mutex
	state State
}

// NewConsumer creates an idle Consumer with an empty conversation.
func NewConsumer(opener StreamOpener, opts ConsumerOptions) *Consumer {
	if opts.ReadSize <= 0 {
		opts.ReadSize = DefaultReadSize
	}
	return &Consumer{opener: opener, opts: opts, conv: &Conversation{}}
}

// Conversation returns the live conversation.
func (c *Consumer) Conversation() *Conversation {
	return c.conv
}

// State returns the current state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Submit sends content and streams the reply into the conversation.
//
// # Description
//
//  1. Refuses with ErrBusy unless idle.
//  2. Appends the user message and an empty assistant placeholder.
//  3. Opens the stream with the history up to and including the user
//     message, then reads it until the terminator or end of body.
//
// # Outputs
//
//   - error: nil on success. On failure the conversation already shows
//     ErrorReplyText and the consumer is idle again; the error is
//     returned for logging.
func (c *Consumer) Submit(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateSending
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(StateSending)
	}

	c.conv.append(Message{Role: RoleUser, Content: content})
	history := c.conv.Messages()
	c.conv.append(Message{Role: RoleAssistant})

	err := c.stream(ctx, history)
	if err != nil {
		slog.Warn("Chat request failed", "error", err)
		c.conv.replaceLastAssistant(ErrorReplyText)
		c.setState(StateError)
	}
	c.setState(StateIdle)
	return err
}

func (c *Consumer) stream(ctx context.Context, history []Message) error {
	body, err := c.opener.Open(ctx, history)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()

	c.setState(StateStreaming)
	if c.opts.Protocol == ProtocolDataStream {
		return c.readDataStream(body)
	}
	return c.readSSE(body)
}

func (c *Consumer) applyDelta(delta string) {
	if c.conv.appendDelta(delta) && c.opts.OnUpdate != nil {
		c.opts.OnUpdate(delta)
	}
}

// readSSE is the frame read loop. It stops at [DONE] without reading the
// body again, or at a clean end of body. A partial line left at the end of
// the body is discarded.
func (c *Consumer) readSSE(body io.Reader) error {
	decoder := sseframe.NewDecoder(func(payload string, err error) {
		slog.Warn("Skipping malformed stream frame", "payload", payload, "error", err)
	})
	buf := make([]byte, c.opts.ReadSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, frame := range decoder.Feed(buf[:n]) {
				if frame.Done {
					return nil
				}
				c.applyDelta(frame.Content)
			}
		}
		if errors.Is(err, io.EOF) {
			if rest := decoder.Buffered(); rest != "" {
				slog.Debug("Discarding unterminated stream line", "line", rest)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

// readDataStream applies text parts and reports tool calls until the
// finish message or end of body. An error part fails the submission.
func (c *Consumer) readDataStream(body io.Reader) error {
	reader := datastream.NewReader(body)
	for {
		part, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, datastream.ErrMalformedPart) {
			slog.Warn("Skipping malformed stream part", "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}

		switch part.Type {
		case datastream.PartText:
			text, err := part.Text()
			if err != nil {
				slog.Warn("Skipping malformed text part", "error", err)
				continue
			}
			c.applyDelta(text)
		case datastream.PartToolCall:
			var call datastream.ToolCall
			if err := part.Decode(&call); err != nil {
				slog.Warn("Skipping malformed tool call part", "error", err)
				continue
			}
			if c.opts.OnToolCall != nil {
				c.opts.OnToolCall(call.ToolName, call.Args)
			}
		case datastream.PartError:
			msg, _ := part.Text()
			return fmt.Errorf("%w: %s", ErrStreamError, msg)
		case datastream.PartFinishMessage:
			return nil
		}
	}
}
