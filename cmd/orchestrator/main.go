// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator starts the sourcechat HTTP server.
//
// Configuration comes from sourcechat.yaml, a .env file, and the
// environment (see pkg/config). The most common variables:
//
//   - OPENAI_API_KEY: OpenAI key (or the /run/secrets/openai_api_key file)
//   - VECTORIZE_PIPELINE_ACCESS_TOKEN, VECTORIZE_ORGANIZATION_ID,
//     VECTORIZE_PIPELINE_ID: hosted retrieval pipeline
//   - RETRIEVAL_BACKEND: vectorize (default) or weaviate
//   - SERVER_PORT: HTTP port (default: 8080)
//   - TRACING_EXPORTER: otlp, stdout, or none (default: none)
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	./orchestrator -config ./sourcechat.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/sourcechat/pkg/config"
	"github.com/AleutianAI/sourcechat/pkg/logging"
	"github.com/AleutianAI/sourcechat/services/orchestrator"
)

func main() {
	configFile := flag.String("config", "", "path to sourcechat.yaml")
	envFile := flag.String("env-file", "", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "orchestrator",
		JSON:    cfg.Log.JSON,
	})
	logger.SetDefault()

	logger.Info("Starting orchestrator",
		"port", cfg.Server.Port,
		"retrieval_backend", cfg.Retrieval.Backend,
		"chat_model", cfg.OpenAI.ChatModel,
		"agent_model", cfg.OpenAI.AgentModel,
		"tracing", cfg.Tracing.Exporter,
	)

	if err := run(cfg); err != nil {
		logger.Error("Orchestrator error", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}
	logger.Info("Orchestrator stopped")
	_ = logger.Close()
}

func run(cfg *config.Config) error {
	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
