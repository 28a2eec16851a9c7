// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the orchestrator configuration.
//
// Sources, lowest precedence first:
//
//  1. Built-in defaults (see setDefaults).
//  2. sourcechat.yaml in the working directory or /etc/sourcechat, or an
//     explicit file passed in LoadOptions.
//  3. A .env file, loaded into the process environment without overriding
//     variables that are already set.
//  4. Environment variables. A key maps to its upper-cased name with dots
//     replaced by underscores: vectorize.pipeline_id is VECTORIZE_PIPELINE_ID.
//
// Missing required values are reported as ErrMissingConfig at startup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingConfig is returned when a required setting is absent.
var ErrMissingConfig = errors.New("missing required configuration")

// DefaultAPIKeyFile is the Docker/Podman secret consulted when
// OPENAI_API_KEY is unset.
const DefaultAPIKeyFile = "/run/secrets/openai_api_key"

// Retrieval backends.
const (
	BackendVectorize = "vectorize"
	BackendWeaviate  = "weaviate"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server          ServerConfig    `mapstructure:"server"`
	Log             LogConfig       `mapstructure:"log"`
	OpenAI          OpenAIConfig    `mapstructure:"openai"`
	Retrieval       RetrievalConfig `mapstructure:"retrieval"`
	Vectorize       VectorizeConfig `mapstructure:"vectorize"`
	Weaviate        WeaviateConfig  `mapstructure:"weaviate"`
	Papers          PapersConfig    `mapstructure:"papers"`
	Tracing         TracingConfig   `mapstructure:"tracing"`
	UpstreamTimeout time.Duration   `mapstructure:"upstream_timeout" validate:"gte=0"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode              string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit         float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst         int           `mapstructure:"rate_burst" validate:"gte=0"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"gte=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	Dir   string `mapstructure:"dir"`
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key" validate:"required"`
	APIKeyFile     string `mapstructure:"api_key_file"`
	BaseURL        string `mapstructure:"base_url"`
	ChatModel      string `mapstructure:"chat_model" validate:"required"`
	AgentModel     string `mapstructure:"agent_model" validate:"required"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

type RetrievalConfig struct {
	Backend    string `mapstructure:"backend" validate:"oneof=vectorize weaviate"`
	NumResults int    `mapstructure:"num_results" validate:"min=1,max=100"`
}

type VectorizeConfig struct {
	BaseURL             string `mapstructure:"base_url" validate:"url"`
	PipelineAccessToken string `mapstructure:"pipeline_access_token"`
	OrganizationID      string `mapstructure:"organization_id"`
	PipelineID          string `mapstructure:"pipeline_id"`
}

type WeaviateConfig struct {
	Host   string `mapstructure:"host"`
	Scheme string `mapstructure:"scheme" validate:"oneof=http https"`
	Class  string `mapstructure:"class"`
}

type PapersConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"url"`
}

type TracingConfig struct {
	Exporter    string `mapstructure:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LoadOptions points Load at explicit files. Zero values use the search
// paths.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.keepalive_interval", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("log.dir", "")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.api_key_file", DefaultAPIKeyFile)
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.chat_model", "gpt-4o-mini")
	v.SetDefault("openai.agent_model", "gpt-4o")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")

	v.SetDefault("retrieval.backend", BackendVectorize)
	v.SetDefault("retrieval.num_results", 5)

	v.SetDefault("vectorize.base_url", "https://api.vectorize.io/v1")
	v.SetDefault("vectorize.pipeline_access_token", "")
	v.SetDefault("vectorize.organization_id", "")
	v.SetDefault("vectorize.pipeline_id", "")

	v.SetDefault("weaviate.host", "localhost:8080")
	v.SetDefault("weaviate.scheme", "http")
	v.SetDefault("weaviate.class", "Document")

	v.SetDefault("papers.base_url", "https://www.connectedpapers.com")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "sourcechat-orchestrator")

	v.SetDefault("upstream_timeout", time.Duration(0))
}

// Load reads, merges and validates the configuration.
//
// # Description
//
// Builds a private viper instance so tests can call Load repeatedly. A
// missing config or .env file is not an error; a malformed one is. When
// openai.api_key is empty the key is read from openai.api_key_file.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Wraps ErrMissingConfig for absent required values.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("sourcechat")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sourcechat")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.OpenAI.APIKey == "" && cfg.OpenAI.APIKeyFile != "" {
		if data, err := os.ReadFile(cfg.OpenAI.APIKeyFile); err == nil {
			cfg.OpenAI.APIKey = strings.TrimSpace(string(data))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and backend-specific requirements.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(backendRequirements, Config{})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	var missing, invalid []string
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Namespace())
		} else {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
}

// backendRequirements enforces the credentials of the selected retrieval
// backend.
func backendRequirements(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	switch cfg.Retrieval.Backend {
	case BackendVectorize:
		if cfg.Vectorize.PipelineAccessToken == "" {
			sl.ReportError(cfg.Vectorize.PipelineAccessToken, "Vectorize.PipelineAccessToken", "PipelineAccessToken", "required", "")
		}
		if cfg.Vectorize.OrganizationID == "" {
			sl.ReportError(cfg.Vectorize.OrganizationID, "Vectorize.OrganizationID", "OrganizationID", "required", "")
		}
		if cfg.Vectorize.PipelineID == "" {
			sl.ReportError(cfg.Vectorize.PipelineID, "Vectorize.PipelineID", "PipelineID", "required", "")
		}
	case BackendWeaviate:
		if cfg.Weaviate.Host == "" {
			sl.ReportError(cfg.Weaviate.Host, "Weaviate.Host", "Host", "required", "")
		}
		if cfg.OpenAI.EmbeddingModel == "" {
			sl.ReportError(cfg.OpenAI.EmbeddingModel, "OpenAI.EmbeddingModel", "EmbeddingModel", "required", "")
		}
	}
}
