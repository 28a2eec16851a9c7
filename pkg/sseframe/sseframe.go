// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sseframe implements the data-frame protocol spoken by the
// streaming agent endpoint and its clients.
//
// # Wire Format
//
// Each content delta is one frame:
//
//	data: {"content":"<delta>"}\n\n
//
// The stream ends with a fixed sentinel frame:
//
//	data: [DONE]\n\n
//
// Lines that do not start with the "data: " prefix (for example the
// ": ping" keepalive comment) carry no meaning and are skipped by the
// Decoder.
//
// # State Machines
//
// Both halves are explicit two-state machines:
//
//	Encoder: open ──WriteDone──▶ closed
//	Decoder: reading ──[DONE]──▶ done
//
// Once a machine reaches its terminal state every further call is a no-op
// (Decoder) or returns ErrClosed (Encoder).
package sseframe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// Prefix starts every meaningful line.
	Prefix = "data: "

	// DoneSentinel is the payload of the terminal frame.
	DoneSentinel = "[DONE]"

	// frameTerminator closes a frame (the blank line).
	frameTerminator = "\n\n"

	// keepAliveComment is ignored by decoders but keeps proxies from timing out.
	keepAliveComment = ": ping\n\n"
)

// ErrClosed is returned by Encoder writes after WriteDone.
var ErrClosed = errors.New("sseframe: encoder closed")

// Frame is one decoded unit of the stream.
//
// Exactly one of Content or Done is meaningful: a content frame carries the
// delta text, the sentinel frame has Done set and empty Content.
type Frame struct {
	Content string
	Done    bool
}

type contentPayload struct {
	Content string `json:"content"`
}

// =============================================================================
// Encoder
// =============================================================================

type encoderState int

const (
	encoderOpen encoderState = iota
	encoderClosed
)

// Encoder writes frames to an io.Writer.
//
// # Description
//
// Encoder serializes each delta as one complete frame in a single Write
// call so that a flushing writer never exposes half a frame. It does not
// flush on its own; callers that need per-frame delivery wrap a flushing
// writer (see handlers.NewSSEWriter).
//
// # Thread Safety
//
// Not safe for concurrent use. Callers serialize access.
type Encoder struct {
	w     io.Writer
	state encoderState
}

// NewEncoder returns an Encoder in the open state.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, state: encoderOpen}
}

// WriteContent writes one content frame.
func (e *Encoder) WriteContent(content string) error {
	if e.state == encoderClosed {
		return ErrClosed
	}
	frame, err := EncodeContent(content)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write content frame: %w", err)
	}
	return nil
}

// WriteDone writes the sentinel frame and closes the encoder.
func (e *Encoder) WriteDone() error {
	if e.state == encoderClosed {
		return ErrClosed
	}
	e.state = encoderClosed
	if _, err := io.WriteString(e.w, Prefix+DoneSentinel+frameTerminator); err != nil {
		return fmt.Errorf("write done frame: %w", err)
	}
	return nil
}

// WriteKeepAlive writes a comment line that decoders skip.
func (e *Encoder) WriteKeepAlive() error {
	if e.state == encoderClosed {
		return ErrClosed
	}
	if _, err := io.WriteString(e.w, keepAliveComment); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	return nil
}

// Closed reports whether WriteDone has been called.
func (e *Encoder) Closed() bool {
	return e.state == encoderClosed
}

// EncodeContent returns the wire bytes of a single content frame.
//
// HTML escaping is disabled so that "<", ">" and "&" travel verbatim, the
// same bytes a JavaScript JSON.stringify would produce.
func EncodeContent(content string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Prefix)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(contentPayload{Content: content}); err != nil {
		return nil, fmt.Errorf("marshal content frame: %w", err)
	}
	// json.Encoder terminates with a single newline; turn it into the blank line.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// =============================================================================
// Decoder
// =============================================================================

type decoderState int

const (
	decoderReading decoderState = iota
	decoderDone
)

// MalformedFunc receives a data payload that could not be parsed.
type MalformedFunc func(payload string, err error)

// Decoder turns arbitrary byte chunks back into frames.
//
// # Description
//
// Decoder is fed whatever the transport returns from each read. It keeps
// two pieces of carry-over state between calls:
//
//   - pending: the trailing bytes of an incomplete UTF-8 sequence
//   - line: decoded text after the last newline, not yet parsed
//
// A line is only parsed once its terminating newline has arrived, so a
// frame split across any number of reads decodes exactly as if it had
// arrived in one piece.
//
// # Limitations
//
//   - Text left in the line buffer when the transport ends is discarded.
//     A well-formed stream always ends with a newline.
//
// # Thread Safety
//
// Not safe for concurrent use. One Decoder per stream.
type Decoder struct {
	state       decoderState
	pending     []byte
	line        strings.Builder
	onMalformed MalformedFunc
}

// NewDecoder returns a Decoder in the reading state. onMalformed may be nil.
func NewDecoder(onMalformed MalformedFunc) *Decoder {
	return &Decoder{state: decoderReading, onMalformed: onMalformed}
}

// Done reports whether the sentinel frame has been decoded.
func (d *Decoder) Done() bool {
	return d.state == decoderDone
}

// Buffered returns the decoded text still waiting for a newline.
func (d *Decoder) Buffered() string {
	return d.line.String()
}

// Feed decodes one chunk and returns the frames it completed, in order.
//
// # Description
//
// When the sentinel is reached the Decoder switches to the done state, the
// sentinel frame is the last element of the returned slice, and any bytes
// after it (in this chunk or later ones) are ignored.
//
// # Inputs
//
//   - chunk: Raw bytes from the transport. May split lines and runes anywhere.
//
// # Outputs
//
//   - []Frame: Frames completed by this chunk. Empty if none.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.state == decoderDone || len(chunk) == 0 {
		return nil
	}

	d.line.WriteString(d.decodeUTF8(chunk))
	text := d.line.String()

	var frames []Frame
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := text[:idx]
		text = text[idx+1:]

		frame, ok := d.parseLine(line)
		if !ok {
			continue
		}
		frames = append(frames, frame)
		if frame.Done {
			d.state = decoderDone
			d.pending = nil
			d.line.Reset()
			return frames
		}
	}

	d.line.Reset()
	d.line.WriteString(text)
	return frames
}

// decodeUTF8 converts bytes to text, holding back an incomplete trailing
// sequence and replacing invalid bytes with U+FFFD.
func (d *Decoder) decodeUTF8(chunk []byte) string {
	data := chunk
	if len(d.pending) > 0 {
		data = append(d.pending, chunk...)
		d.pending = nil
	}

	var sb strings.Builder
	sb.Grow(len(data))
	for len(data) > 0 {
		if !utf8.FullRune(data) {
			d.pending = append([]byte(nil), data...)
			break
		}
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(data[:size])
		}
		data = data[size:]
	}
	return sb.String()
}

// parseLine interprets one complete line. ok is false for lines that carry
// no frame: non-data lines, empty payloads, malformed JSON, and payloads
// without a non-empty string content field.
func (d *Decoder) parseLine(line string) (Frame, bool) {
	if !strings.HasPrefix(line, Prefix) {
		return Frame{}, false
	}
	payload := strings.TrimSpace(line[len(Prefix):])
	if payload == "" {
		return Frame{}, false
	}
	if payload == DoneSentinel {
		return Frame{Done: true}, true
	}

	var parsed any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		if d.onMalformed != nil {
			d.onMalformed(payload, err)
		}
		return Frame{}, false
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return Frame{}, false
	}
	content, ok := obj["content"].(string)
	if !ok || content == "" {
		return Frame{}, false
	}
	return Frame{Content: content}, true
}
