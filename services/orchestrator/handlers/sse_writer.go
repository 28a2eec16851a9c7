// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/sourcechat/pkg/datastream"
	"github.com/AleutianAI/sourcechat/pkg/sseframe"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes content frames to an HTTP response.
//
// # Description
//
// Each call writes one complete frame and flushes it, so a client sees
// every delta as soon as it is produced. The frame format is defined by
// pkg/sseframe.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Keepalives and content
// may be written from different goroutines.
//
// # Assumptions
//
//   - Caller has set headers via SetSSEHeaders before the first write
type SSEWriter interface {
	// WriteContent writes `data: {"content":...}` and flushes.
	WriteContent(content string) error

	// WriteDone writes the terminal sentinel. Later writes fail.
	WriteDone() error

	// WriteKeepAlive writes a comment line that clients ignore.
	WriteKeepAlive() error

	// Started reports whether anything has been written.
	Started() bool
}

// =============================================================================
// Implementation
// =============================================================================

// flushWriter flushes after every Write.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	f.flusher.Flush()
	return n, nil
}

type sseWriter struct {
	mu      sync.Mutex
	encoder *sseframe.Encoder
	started bool
}

// NewSSEWriter creates an SSEWriter for w.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if w doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(c.Writer)
//	writer, err := NewSSEWriter(c.Writer)
//	if err != nil {
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
//	    return
//	}
//	writer.WriteContent("Hello")
//	writer.WriteDone()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{encoder: sseframe.NewEncoder(flushWriter{w: w, flusher: flusher})}, nil
}

func (w *sseWriter) WriteContent(content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	return w.encoder.WriteContent(content)
}

func (w *sseWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	return w.encoder.WriteDone()
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	return w.encoder.WriteKeepAlive()
}

func (w *sseWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// NewDataStreamWriter returns a datastream.Writer that flushes every part.
func NewDataStreamWriter(w http.ResponseWriter) (*datastream.Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return datastream.NewWriter(flushWriter{w: w, flusher: flusher}), nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the streaming response headers:
//   - Content-Type: text/plain; charset=utf-8
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SetDataStreamHeaders sets SSE headers plus the data stream marker.
func SetDataStreamHeaders(w http.ResponseWriter) {
	SetSSEHeaders(w)
	w.Header().Set(datastream.HeaderName, datastream.HeaderValue)
}

// abortStream sends the status line if nothing was sent yet, then drops
// the connection so the client observes a transport error instead of a
// clean end of body.
func abortStream(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	panic(http.ErrAbortHandler)
}

var _ SSEWriter = (*sseWriter)(nil)
