// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"gopkg.in/yaml.v3"
)

// Streaming endpoints selectable with --endpoint.
const (
	EndpointAgentsSDK = "agents-sdk"
	EndpointAgent     = "agent"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 2 * time.Minute
)

// ClientConfig is the CLI's own settings file, separate from the
// server configuration.
type ClientConfig struct {
	Server      string        `yaml:"server"`
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
	Personality string        `yaml:"personality,omitempty"`
}

// DefaultClientConfig returns the settings used when no file exists.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Server:   defaultServer,
		Endpoint: EndpointAgentsSDK,
		Timeout:  defaultTimeout,
	}
}

// DefaultClientConfigPath is ~/.sourcechat/client.yaml.
func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sourcechat", "client.yaml")
	}
	return filepath.Join(home, ".sourcechat", "client.yaml")
}

// LoadClientConfig reads path, filling unset fields with defaults. A
// missing file is not an error.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	var fromFile ClientConfig
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("parse client config %s: %w", path, err)
	}
	cfg.merge(&fromFile)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *ClientConfig) merge(other *ClientConfig) {
	if other.Server != "" {
		c.Server = other.Server
	}
	if other.Endpoint != "" {
		c.Endpoint = other.Endpoint
	}
	if other.Timeout > 0 {
		c.Timeout = other.Timeout
	}
	if other.Personality != "" {
		c.Personality = other.Personality
	}
}

// Validate checks the endpoint name and server URL.
func (c *ClientConfig) Validate() error {
	if !strings.HasPrefix(c.Server, "http://") && !strings.HasPrefix(c.Server, "https://") {
		return fmt.Errorf("server must be an http(s) URL, got %q", c.Server)
	}
	switch c.Endpoint {
	case EndpointAgentsSDK, EndpointAgent:
		return nil
	default:
		return fmt.Errorf("endpoint must be %q or %q, got %q", EndpointAgentsSDK, EndpointAgent, c.Endpoint)
	}
}

// Save writes the config, creating the parent directory.
func (c *ClientConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode client config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return nil
}

// Route maps the endpoint name to its path and wire protocol.
func (c *ClientConfig) Route() (string, ux.Protocol) {
	if c.Endpoint == EndpointAgent {
		return ux.AgentPath, ux.ProtocolDataStream
	}
	return ux.AgentsSDKPath, ux.ProtocolSSE
}
