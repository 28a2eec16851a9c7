// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics for the orchestrator.
//
// # Description
//
// Prometheus metrics for the chat and agent endpoints:
//   - Request counters (by endpoint, status)
//   - Token usage (prompt/completion tokens by model)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//   - Tool call and retrieval fallback counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *StreamingMetrics, so handlers can run
// without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "sourcechat"

const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for the orchestrator.
//
// # Fields
//
//   - RequestsTotal: Counter of requests by endpoint and status
//   - TokensTotal: Counter of tokens (prompt/completion by model)
//   - TimeToFirstTokenSeconds: Histogram of time to first streamed byte
//   - StreamDurationSeconds: Histogram of total request duration
//   - ActiveStreams: Gauge of in-flight streams
//   - ErrorsTotal: Counter of errors by endpoint and code
//   - ToolCallsTotal: Counter of agent tool invocations
//   - RetrievalFallbacksTotal: Counter of retrievals answered with fallback text
type StreamingMetrics struct {
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// Labels: direction (prompt, completion), model
	TokensTotal *prometheus.CounterVec

	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// Labels: tool, status (success, error)
	ToolCallsTotal *prometheus.CounterVec

	RetrievalFallbacksTotal prometheus.Counter

	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec
}

// NewStreamingMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Tests pass prometheus.NewRegistry();
//     the server passes prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total request duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of in-flight streaming responses",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and type",
			},
			[]string{"endpoint", "error_code"},
		),

		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "agent",
				Name:      "tool_calls_total",
				Help:      "Total agent tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),

		RetrievalFallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "retrieval",
				Name:      "fallbacks_total",
				Help:      "Total retrievals answered with fallback text",
			},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive comments sent",
			},
			[]string{"endpoint"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates a completion or agent run failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeClientDisconnect indicates the client went away mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"

	// ErrorCodeRateLimited indicates the request was rejected by the limiter.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents an API endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChat is POST /api/chat.
	EndpointChat Endpoint = "chat"

	// EndpointAgentsSDK is POST /api/agents-sdk.
	EndpointAgentsSDK Endpoint = "agents_sdk"

	// EndpointAgent is POST /api/agent.
	EndpointAgent Endpoint = "agent"
)

// =============================================================================
// Helper Methods
// =============================================================================

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a completed request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status(success)).Inc()
}

// RecordError records an error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage.
func (m *StreamingMetrics) RecordTokens(promptTokens, completionTokens int, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt", model).Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("completion", model).Add(float64(completionTokens))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total request duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status(success)).Observe(seconds)
}

// RecordToolCall records one agent tool invocation.
func (m *StreamingMetrics) RecordToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status(success)).Inc()
}

// RecordRetrievalFallback records a retrieval that returned fallback text.
func (m *StreamingMetrics) RecordRetrievalFallback() {
	if m == nil {
		return
	}
	m.RetrievalFallbacksTotal.Inc()
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}
