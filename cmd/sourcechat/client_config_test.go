// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadClientConfig_Missing returns the defaults.
func TestLoadClientConfig_Missing(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "client.yaml"))

	require.NoError(t, err)
	assert.Equal(t, DefaultClientConfig(), cfg)
}

// TestLoadClientConfig_MergesFile keeps defaults for fields the file
// leaves out.
func TestLoadClientConfig_MergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: https://chat.example.com\nendpoint: agent\n"), 0o600))

	cfg, err := LoadClientConfig(path)

	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.Server)
	assert.Equal(t, EndpointAgent, cfg.Endpoint)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
}

// TestLoadClientConfig_Invalid rejects bad YAML and bad values.
func TestLoadClientConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "server: [unterminated\n"},
		{"bad endpoint", "endpoint: websocket\n"},
		{"bad server", "server: localhost:8080\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "client.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := LoadClientConfig(path)
			assert.Error(t, err)
		})
	}
}

// TestClientConfig_SaveThenLoad writes durations as strings and creates
// the parent directory.
func TestClientConfig_SaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.yaml")
	cfg := &ClientConfig{Server: "http://h:1", Endpoint: EndpointAgent, Timeout: 30 * time.Second, Personality: "minimal"}

	require.NoError(t, cfg.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timeout: 30s")

	loaded, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

// TestClientConfig_Route maps endpoint names to path and protocol.
func TestClientConfig_Route(t *testing.T) {
	path, protocol := (&ClientConfig{Endpoint: EndpointAgentsSDK}).Route()
	assert.Equal(t, ux.AgentsSDKPath, path)
	assert.Equal(t, ux.ProtocolSSE, protocol)

	path, protocol = (&ClientConfig{Endpoint: EndpointAgent}).Route()
	assert.Equal(t, ux.AgentPath, path)
	assert.Equal(t, ux.ProtocolDataStream, protocol)
}

// TestInit_NonInteractive writes the flags to the config file and
// refuses to overwrite without --force.
func TestInit_NonInteractive(t *testing.T) {
	orig := ux.GetPersonality()
	t.Cleanup(func() {
		ux.SetPersonality(orig)
		ux.SetOutput(nil, nil)
	})
	path := filepath.Join(t.TempDir(), "client.yaml")
	run := func(args ...string) error {
		cmd := newRootCmd()
		cmd.SetArgs(append([]string{"--config", path, "--personality", "machine"}, args...))
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		return cmd.Execute()
	}

	require.NoError(t, run("init", "--server", "http://example:9000", "--endpoint", "agent"))
	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://example:9000", cfg.Server)
	assert.Equal(t, EndpointAgent, cfg.Endpoint)
	assert.Equal(t, "machine", cfg.Personality)

	assert.Error(t, run("init"))
	require.NoError(t, run("init", "--force", "--endpoint", "agents-sdk"))
	cfg, err = LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, EndpointAgentsSDK, cfg.Endpoint)
	assert.Equal(t, "http://example:9000", cfg.Server)
}
