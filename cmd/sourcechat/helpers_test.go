// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// runCLI executes the root command with args and stdin, isolated from
// the user's client config. Output personality is forced to machine.
func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	orig := ux.GetPersonality()
	t.Cleanup(func() {
		ux.SetPersonality(orig)
		ux.SetOutput(nil, nil)
	})

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(t.TempDir(), "client.yaml"),
		"--personality", "machine",
	}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// recordingServer answers every POST with body and records the decoded
// message histories.
type recordingServer struct {
	mu        sync.Mutex
	histories [][]ux.Message
	paths     []string
}

func (s *recordingServer) record(r *http.Request) {
	var req struct {
		Messages []ux.Message `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = append(s.histories, req.Messages)
	s.paths = append(s.paths, r.URL.Path)
}

func (s *recordingServer) snapshot() ([][]ux.Message, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.histories, s.paths
}

func newStreamServer(t *testing.T, body string) (*httptest.Server, *recordingServer) {
	t.Helper()
	rec := &recordingServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func sseFrame(content string) string {
	data, _ := json.Marshal(map[string]string{"content": content})
	return "data: " + string(data) + "\n\n"
}

func requireLines(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, line := range want {
		require.Contains(t, out, line+"\n")
	}
}
