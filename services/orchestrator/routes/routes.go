// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"time"

	"github.com/AleutianAI/sourcechat/services/agent"
	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/orchestrator/handlers"
	"github.com/AleutianAI/sourcechat/services/orchestrator/middleware"
	"github.com/AleutianAI/sourcechat/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies carries everything the HTTP surface needs. A nil Limiter
// disables rate limiting; a nil Gatherer serves the default registry. The
// agent routes are only registered when their runner is set.
type Dependencies struct {
	Retriever         handlers.ContextRetriever
	LLM               llm.LLMClient
	Model             string
	DocumentAssistant agent.Runner
	DataStreamAgent   agent.Runner
	Limiter           *middleware.IPRateLimiter
	Metrics           *observability.StreamingMetrics
	Gatherer          prometheus.Gatherer
	KeepAliveInterval time.Duration
}

var endpointsByPath = map[string]observability.Endpoint{
	"/api/chat":       observability.EndpointChat,
	"/api/agents-sdk": observability.EndpointAgentsSDK,
	"/api/agent":      observability.EndpointAgent,
}

// SetupRoutes registers the service routes on router.
//
//	GET  /health
//	GET  /metrics
//	POST /api/chat
//	POST /api/agents-sdk
//	POST /api/agent
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	streamCfg := handlers.StreamConfig{
		KeepAliveInterval: deps.KeepAliveInterval,
		Metrics:           deps.Metrics,
	}

	api := router.Group("/api")
	api.Use(middleware.RateLimit(deps.Limiter, func(c *gin.Context) {
		if endpoint, ok := endpointsByPath[c.FullPath()]; ok {
			deps.Metrics.RecordError(endpoint, observability.ErrorCodeRateLimited)
			deps.Metrics.RecordRequest(endpoint, false)
		}
	}))
	{
		api.POST("/chat", handlers.HandleChat(deps.Retriever, deps.LLM, handlers.ChatConfig{
			Model:   deps.Model,
			Metrics: deps.Metrics,
		}))
		if deps.DocumentAssistant != nil {
			api.POST("/agents-sdk", handlers.HandleAgentsSDK(deps.DocumentAssistant, streamCfg))
		}
		if deps.DataStreamAgent != nil {
			api.POST("/agent", handlers.HandleAgentDataStream(deps.DataStreamAgent, streamCfg))
		}
	}
}
