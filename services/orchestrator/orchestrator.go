// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator wires the sourcechat HTTP service.
//
// The orchestrator owns every long-lived component: the OpenAI client, the
// retrieval backend, the paper graph client, both agent runners, the
// Prometheus registry, and the tracer provider. Handlers receive them
// through routes.Dependencies and hold no state of their own.
//
// # Usage
//
//	cfg, err := config.Load(config.LoadOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	err = svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/sourcechat/pkg/config"
	"github.com/AleutianAI/sourcechat/services/agent"
	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/orchestrator/middleware"
	"github.com/AleutianAI/sourcechat/services/orchestrator/observability"
	"github.com/AleutianAI/sourcechat/services/orchestrator/routes"
	"github.com/AleutianAI/sourcechat/services/papers"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the orchestrator lifecycle.
//
// # Description
//
// Service abstracts startup and shutdown so cmd/orchestrator and tests can
// drive the same wiring.
//
// # Thread Safety
//
// Run blocks and must be called at most once per instance.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails.
	//
	// # Description
	//
	// On cancellation the server stops accepting connections and waits up
	// to server.shutdown_timeout for in-flight requests, including open
	// streams, before returning. The tracer is flushed on return.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown times out.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for tests.
	Router() *gin.Engine
}

// Options injects collaborators, mainly for tests. Nil fields are built
// from the configuration.
type Options struct {
	// LLM replaces the OpenAI client for chat and agents.
	LLM llm.LLMClient
	// Retriever replaces the configured retrieval backend.
	Retriever retrieval.DocumentRetriever
	// Registry receives the service metrics. Default: a fresh registry with
	// Go and process collectors.
	Registry *prometheus.Registry
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - cfg: Validated configuration
//   - router: Gin engine with middleware and routes
//   - llmClient: Chat and streaming completions
//   - retrieval: Context retrieval shared by /api/chat and the agent tools
//   - registry: Backing registry for /metrics
//   - tracerCleanup: Flushes the span exporter
type service struct {
	cfg           *config.Config
	router        *gin.Engine
	llmClient     llm.LLMClient
	embedder      llm.Embedder
	retrieval     *retrieval.Service
	papers        *papers.Client
	registry      *prometheus.Registry
	metrics       *observability.StreamingMetrics
	tracerCleanup func(context.Context)
}

// New builds a Service from cfg.
//
// # Description
//
// New initializes, in order:
//  1. Tracing (otlp, stdout, or none)
//  2. The Prometheus registry and streaming metrics
//  3. The OpenAI client
//  4. The retrieval backend (Vectorize or Weaviate)
//  5. The paper graph client and both agent runners
//  6. The Gin router
//
// # Inputs
//
//   - cfg: Validated configuration from config.Load.
//   - opts: Optional overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any required component cannot be built.
//
// # Limitations
//
//   - A missing Weaviate schema is created on startup; if that fails the
//     service still starts and retrieval falls back per request.
func New(cfg *config.Config, opts *Options) (Service, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: nil config")
	}
	if opts == nil {
		opts = &Options{}
	}
	s := &service{cfg: cfg}

	cleanup, err := initTracer(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = opts.Registry
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = observability.NewStreamingMetrics(s.registry)

	if err := s.initLLMClient(opts.LLM); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	retriever := opts.Retriever
	if retriever == nil {
		retriever, err = s.initRetriever()
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize retrieval backend: %w", err)
		}
	}
	s.retrieval = retrieval.NewService(retriever, cfg.Retrieval.NumResults)

	s.papers = papers.NewClient(papers.Config{
		BaseURL: cfg.Papers.BaseURL,
		Timeout: cfg.UpstreamTimeout,
	})

	if err := s.initRouter(); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting orchestrator server", "port", s.cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down orchestrator server", "timeout", s.cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Initialization Helpers
// =============================================================================

// initTracer installs the global tracer provider for the configured
// exporter and returns its flush function.
func initTracer(ctx context.Context, cfg config.TracingConfig) (func(context.Context), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		conn, err := grpc.NewClient(cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		slog.Info("Tracing exporter disabled")
		return func(context.Context) {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	slog.Info("Tracing initialized", "exporter", cfg.Exporter, "endpoint", cfg.Endpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

func (s *service) initLLMClient(injected llm.LLMClient) error {
	if injected != nil {
		s.llmClient = injected
		if e, ok := injected.(llm.Embedder); ok {
			s.embedder = e
		}
		return nil
	}

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         s.cfg.OpenAI.APIKey,
		BaseURL:        s.cfg.OpenAI.BaseURL,
		Model:          s.cfg.OpenAI.ChatModel,
		EmbeddingModel: s.cfg.OpenAI.EmbeddingModel,
		Timeout:        s.cfg.UpstreamTimeout,
	})
	if err != nil {
		return err
	}
	s.llmClient = client
	s.embedder = client
	return nil
}

func (s *service) initRetriever() (retrieval.DocumentRetriever, error) {
	switch s.cfg.Retrieval.Backend {
	case config.BackendWeaviate:
		if s.embedder == nil {
			return nil, errors.New("weaviate backend needs an embedding-capable LLM client")
		}
		client, err := retrieval.NewWeaviateClient(s.cfg.Weaviate.Host, s.cfg.Weaviate.Scheme)
		if err != nil {
			return nil, err
		}
		if err := retrieval.EnsureSchema(context.Background(), client, s.cfg.Weaviate.Class); err != nil {
			slog.Warn("Weaviate schema check failed, retrieval will fall back until it is reachable",
				"host", s.cfg.Weaviate.Host, "error", err)
		}
		slog.Info("Using Weaviate retrieval backend", "host", s.cfg.Weaviate.Host, "class", s.cfg.Weaviate.Class)
		return retrieval.NewWeaviateRetriever(client, s.embedder, s.cfg.Weaviate.Class), nil
	default:
		client, err := retrieval.NewVectorizeClient(retrieval.VectorizeConfig{
			BaseURL:        s.cfg.Vectorize.BaseURL,
			AccessToken:    s.cfg.Vectorize.PipelineAccessToken,
			OrganizationID: s.cfg.Vectorize.OrganizationID,
			PipelineID:     s.cfg.Vectorize.PipelineID,
			Timeout:        s.cfg.UpstreamTimeout,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using Vectorize retrieval backend", "pipeline_id", s.cfg.Vectorize.PipelineID)
		return client, nil
	}
}

func (s *service) initRouter() error {
	documentAssistant, err := agent.NewRunner(s.llmClient,
		agent.NewDocumentAssistant(s.cfg.OpenAI.AgentModel, s.retrieval, s.papers))
	if err != nil {
		return fmt.Errorf("failed to build document assistant: %w", err)
	}
	dataStreamAgent, err := agent.NewRunner(s.llmClient,
		agent.NewDataStreamAgent(s.cfg.OpenAI.AgentModel, s.retrieval))
	if err != nil {
		return fmt.Errorf("failed to build data stream agent: %w", err)
	}

	var limiter *middleware.IPRateLimiter
	if s.cfg.Server.RateLimit > 0 {
		limiter = middleware.NewIPRateLimiter(s.cfg.Server.RateLimit, s.cfg.Server.RateBurst)
	}

	gin.SetMode(s.cfg.Server.Mode)
	s.router = gin.New()
	s.router.Use(
		otelgin.Middleware(s.cfg.Tracing.ServiceName),
		middleware.RequestID(),
		middleware.Recovery(),
	)

	routes.SetupRoutes(s.router, routes.Dependencies{
		Retriever:         s.retrieval,
		LLM:               s.llmClient,
		Model:             s.cfg.OpenAI.ChatModel,
		DocumentAssistant: documentAssistant,
		DataStreamAgent:   dataStreamAgent,
		Limiter:           limiter,
		Metrics:           s.metrics,
		Gatherer:          s.registry,
		KeepAliveInterval: s.cfg.Server.KeepAliveInterval,
	})
	return nil
}

func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
