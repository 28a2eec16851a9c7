// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// chunkReader returns one chunk per Read, then err (io.EOF if nil).
type chunkReader struct {
	chunks [][]byte
	err    error
	reads  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.reads++
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

func chunks(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

// stubOpener hands out a prepared body and records the history it was
// opened with.
type stubOpener struct {
	body    io.ReadCloser
	err     error
	history []Message
}

func (o *stubOpener) Open(_ context.Context, messages []Message) (io.ReadCloser, error) {
	o.history = messages
	if o.err != nil {
		return nil, o.err
	}
	return o.body, nil
}

func frame(content string) string {
	data, _ := json.Marshal(map[string]string{"content": content})
	return "data: " + string(data) + "\n\n"
}

const doneFrame = "data: [DONE]\n\n"

func recordStates(opts *ConsumerOptions) *[]State {
	var states []State
	opts.OnStateChange = func(s State) { states = append(states, s) }
	return &states
}

// =============================================================================
// Submit Tests
// =============================================================================

// TestConsumer_Submit_StreamsReply covers the happy path with two deltas.
func TestConsumer_Submit_StreamsReply(t *testing.T) {
	opener := &stubOpener{body: &chunkReader{chunks: chunks(frame("Hi") + frame(" there") + doneFrame)}}
	var opts ConsumerOptions
	states := recordStates(&opts)
	var updates []string
	opts.OnUpdate = func(delta string) { updates = append(updates, delta) }
	consumer := NewConsumer(opener, opts)

	err := consumer.Submit(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "Hi there"},
	}, consumer.Conversation().Messages())
	assert.Equal(t, []string{"Hi", " there"}, updates)
	assert.Equal(t, []State{StateSending, StateStreaming, StateIdle}, *states)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hello"}}, opener.history, "placeholder is not sent")
}

// TestConsumer_Submit_MidStreamFailure replaces the partial reply with the
// error text and keeps the user message.
func TestConsumer_Submit_MidStreamFailure(t *testing.T) {
	opener := &stubOpener{body: &chunkReader{
		chunks: chunks(frame("Hi")),
		err:    io.ErrUnexpectedEOF,
	}}
	var opts ConsumerOptions
	states := recordStates(&opts)
	consumer := NewConsumer(opener, opts)

	err := consumer.Submit(context.Background(), "hello")

	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: ErrorReplyText},
	}, consumer.Conversation().Messages())
	assert.Equal(t, []State{StateSending, StateStreaming, StateError, StateIdle}, *states)
	assert.Equal(t, StateIdle, consumer.State())
}

// TestConsumer_Submit_OpenFailure renders the error without streaming.
func TestConsumer_Submit_OpenFailure(t *testing.T) {
	opener := &stubOpener{err: errors.New("connection refused")}
	var opts ConsumerOptions
	states := recordStates(&opts)
	consumer := NewConsumer(opener, opts)

	err := consumer.Submit(context.Background(), "hello")

	require.Error(t, err)
	last, ok := consumer.Conversation().Last()
	require.True(t, ok)
	assert.Equal(t, ErrorReplyText, last.Content)
	assert.Equal(t, []State{StateSending, StateError, StateIdle}, *states)
}

// TestConsumer_Submit_KeepsHistory sends earlier turns with the next
// submission.
func TestConsumer_Submit_KeepsHistory(t *testing.T) {
	opener := &stubOpener{body: &chunkReader{chunks: chunks(frame("one") + doneFrame)}}
	consumer := NewConsumer(opener, ConsumerOptions{})
	require.NoError(t, consumer.Submit(context.Background(), "first"))

	opener.body = &chunkReader{chunks: chunks(frame("two") + doneFrame)}
	require.NoError(t, consumer.Submit(context.Background(), "second"))

	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "one"},
		{Role: RoleUser, Content: "second"},
	}, opener.history)
	assert.Equal(t, 4, consumer.Conversation().Len())
}

// TestConsumer_Submit_Empty rejects blank input without touching state.
func TestConsumer_Submit_Empty(t *testing.T) {
	consumer := NewConsumer(&stubOpener{}, ConsumerOptions{})

	assert.ErrorIs(t, consumer.Submit(context.Background(), "  \n"), ErrEmptyMessage)
	assert.Equal(t, 0, consumer.Conversation().Len())
}

// blockingOpener holds Open until released.
type blockingOpener struct {
	opened  chan struct{}
	release chan struct{}
}

func (o *blockingOpener) Open(_ context.Context, _ []Message) (io.ReadCloser, error) {
	close(o.opened)
	<-o.release
	return io.NopCloser(strings.NewReader(doneFrame)), nil
}

// TestConsumer_Submit_Busy allows one outstanding submission.
func TestConsumer_Submit_Busy(t *testing.T) {
	opener := &blockingOpener{opened: make(chan struct{}), release: make(chan struct{})}
	consumer := NewConsumer(opener, ConsumerOptions{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, consumer.Submit(context.Background(), "first"))
	}()
	<-opener.opened

	assert.Equal(t, StateSending, consumer.State())
	assert.ErrorIs(t, consumer.Submit(context.Background(), "second"), ErrBusy)

	close(opener.release)
	wg.Wait()
	assert.Equal(t, StateIdle, consumer.State())
	assert.Equal(t, 2, consumer.Conversation().Len())
}

// countingOpener records how many Open calls overlap.
type countingOpener struct {
	inFlight atomic.Int32
	overlap  atomic.Int32
}

func (o *countingOpener) Open(_ context.Context, _ []Message) (io.ReadCloser, error) {
	if o.inFlight.Add(1) > 1 {
		o.overlap.Add(1)
	}
	time.Sleep(time.Millisecond)
	o.inFlight.Add(-1)
	return io.NopCloser(strings.NewReader(doneFrame)), nil
}

// TestConsumer_Submit_SimultaneousStart lets exactly one of two submissions
// started together through.
func TestConsumer_Submit_SimultaneousStart(t *testing.T) {
	for i := 0; i < 200; i++ {
		opener := &countingOpener{}
		consumer := NewConsumer(opener, ConsumerOptions{})

		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, content := range []string{"first", "second"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- consumer.Submit(context.Background(), content)
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		var ok, busy int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Zero(t, opener.overlap.Load(), "two streams open at once")
		// Both may succeed if the first finished before the second started.
		require.Equal(t, 2, ok+busy)
		require.Equal(t, 2*ok, consumer.Conversation().Len())
		assert.Equal(t, StateIdle, consumer.State())
	}
}

// =============================================================================
// Read Loop Tests
// =============================================================================

// failAfterReader fails the test if read past its data.
type failAfterReader struct {
	t    *testing.T
	data *strings.Reader
}

func (r *failAfterReader) Read(p []byte) (int, error) {
	if r.data.Len() == 0 {
		r.t.Error("body read after [DONE]")
		return 0, errors.New("unexpected read")
	}
	return r.data.Read(p)
}

func (r *failAfterReader) Close() error { return nil }

// TestConsumer_DoneStopsReading ends at the sentinel even with bytes
// buffered behind it and the transport still open.
func TestConsumer_DoneStopsReading(t *testing.T) {
	body := &failAfterReader{t: t, data: strings.NewReader(frame("a") + doneFrame + frame("ignored"))}
	consumer := NewConsumer(&stubOpener{body: body}, ConsumerOptions{})

	require.NoError(t, consumer.Submit(context.Background(), "q"))

	last, _ := consumer.Conversation().Last()
	assert.Equal(t, "a", last.Content)
}

// TestConsumer_IgnoresNoise skips non-data lines and malformed JSON.
func TestConsumer_IgnoresNoise(t *testing.T) {
	stream := ": ping\n\n" +
		frame("a") +
		"event: message\n" +
		"data: {not json}\n\n" +
		"data: {\"other\":1}\n\n" +
		"data: [1,2]\n\n" +
		frame("b") +
		doneFrame
	consumer := NewConsumer(&stubOpener{body: io.NopCloser(strings.NewReader(stream))}, ConsumerOptions{})

	require.NoError(t, consumer.Submit(context.Background(), "q"))

	last, _ := consumer.Conversation().Last()
	assert.Equal(t, "ab", last.Content)
}

// TestConsumer_EOFWithoutDone treats a clean end of body as completion and
// drops an unterminated trailing line.
func TestConsumer_EOFWithoutDone(t *testing.T) {
	stream := frame("a") + `data: {"content":"partial"}`
	consumer := NewConsumer(&stubOpener{body: io.NopCloser(strings.NewReader(stream))}, ConsumerOptions{})

	require.NoError(t, consumer.Submit(context.Background(), "q"))

	last, _ := consumer.Conversation().Last()
	assert.Equal(t, "a", last.Content)
}

// TestConsumer_ChunkBoundaries splits an encoded stream at every pair of
// byte offsets, including inside multi-byte runes, and expects the same
// reply every time.
func TestConsumer_ChunkBoundaries(t *testing.T) {
	deltas := []string{"Hé", "llo ", "世界", " 🙂", "\n", `"q"`}
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(frame(d))
	}
	sb.WriteString(doneFrame)
	stream := sb.String()
	want := strings.Join(deltas, "")

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			body := &chunkReader{chunks: chunks(stream[:i], stream[i:j], stream[j:])}
			consumer := NewConsumer(&stubOpener{body: body}, ConsumerOptions{})

			require.NoError(t, consumer.Submit(context.Background(), "q"))

			last, _ := consumer.Conversation().Last()
			if last.Content != want {
				t.Fatalf("split at %d,%d: got %q, want %q", i, j, last.Content, want)
			}
		}
	}
}

// TestConsumer_OneByteReads decodes a stream delivered one byte per read.
func TestConsumer_OneByteReads(t *testing.T) {
	stream := frame("añb") + frame("ç") + doneFrame
	body := io.NopCloser(iotest.OneByteReader(strings.NewReader(stream)))
	consumer := NewConsumer(&stubOpener{body: body}, ConsumerOptions{ReadSize: 1})

	require.NoError(t, consumer.Submit(context.Background(), "q"))

	last, _ := consumer.Conversation().Last()
	assert.Equal(t, "añbç", last.Content)
}

// =============================================================================
// Data Stream Tests
// =============================================================================

// TestConsumer_DataStream applies text parts and reports tool calls.
func TestConsumer_DataStream(t *testing.T) {
	stream := `f:{"messageId":"msg-1"}` + "\n" +
		`9:{"toolCallId":"c1","toolName":"getSources","args":{"query":"x"}}` + "\n" +
		`a:{"toolCallId":"c1","result":"docs"}` + "\n" +
		`e:{"finishReason":"tool-calls","usage":{"promptTokens":1,"completionTokens":1},"isContinued":true}` + "\n" +
		`0:"Hello"` + "\n" +
		`0:" world"` + "\n" +
		`d:{"finishReason":"stop","usage":{"promptTokens":2,"completionTokens":2}}` + "\n" +
		`0:"after finish"` + "\n"
	var tools []string
	consumer := NewConsumer(&stubOpener{body: io.NopCloser(strings.NewReader(stream))}, ConsumerOptions{
		Protocol:   ProtocolDataStream,
		OnToolCall: func(name string, _ json.RawMessage) { tools = append(tools, name) },
	})

	require.NoError(t, consumer.Submit(context.Background(), "q"))

	last, _ := consumer.Conversation().Last()
	assert.Equal(t, "Hello world", last.Content)
	assert.Equal(t, []string{"getSources"}, tools)
}

// TestConsumer_DataStreamErrorPart fails the submission.
func TestConsumer_DataStreamErrorPart(t *testing.T) {
	stream := `0:"par"` + "\n" + `3:"An error occurred."` + "\n"
	consumer := NewConsumer(&stubOpener{body: io.NopCloser(strings.NewReader(stream))}, ConsumerOptions{Protocol: ProtocolDataStream})

	err := consumer.Submit(context.Background(), "q")

	assert.ErrorIs(t, err, ErrStreamError)
	last, _ := consumer.Conversation().Last()
	assert.Equal(t, ErrorReplyText, last.Content)
}

// =============================================================================
// HTTP Opener Tests
// =============================================================================

// TestHTTPStreamOpener_Request verifies the request shape.
func TestHTTPStreamOpener_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, AgentsSDKPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"messages":[{"role":"user","content":"hi"}]}`, string(body))
		io.WriteString(w, frame("ok")+doneFrame)
	}))
	defer srv.Close()

	consumer := NewConsumer(NewHTTPStreamOpener(srv.URL+"/", AgentsSDKPath, nil), ConsumerOptions{})

	require.NoError(t, consumer.Submit(context.Background(), "hi"))
	last, _ := consumer.Conversation().Last()
	assert.Equal(t, "ok", last.Content)
}

// TestHTTPStreamOpener_Non2xx reports the status as an error.
func TestHTTPStreamOpener_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"Invalid message format"}`)
	}))
	defer srv.Close()

	consumer := NewConsumer(NewHTTPStreamOpener(srv.URL, AgentsSDKPath, nil), ConsumerOptions{})

	err := consumer.Submit(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrUpstreamStatus)
	last, _ := consumer.Conversation().Last()
	assert.Equal(t, ErrorReplyText, last.Content)
}

// TestHTTPStreamOpener_ContextCancel unblocks a stalled stream on shutdown.
func TestHTTPStreamOpener_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, frame("a"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	consumer := NewConsumer(NewHTTPStreamOpener(srv.URL, AgentsSDKPath, nil), ConsumerOptions{})

	err := consumer.Submit(ctx, "hi")

	require.Error(t, err)
	last, _ := consumer.Conversation().Last()
	assert.Equal(t, ErrorReplyText, last.Content)
}

// TestState_String names every state.
func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "sending", StateSending.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "State(9)", State(9).String())
}
