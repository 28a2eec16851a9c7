// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIngester records requests and fails for sources in failFor.
type fakeIngester struct {
	mu       sync.Mutex
	requests []retrieval.IngestRequest
	failFor  map[string]bool
}

func (f *fakeIngester) Ingest(_ context.Context, req retrieval.IngestRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failFor[filepath.Base(req.Source)] {
		return 0, errors.New("embed failed")
	}
	return 2, nil
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func machineOutput(t *testing.T) {
	t.Helper()
	orig := ux.GetPersonality()
	ux.SetPersonality(ux.PersonalityMachine)
	t.Cleanup(func() { ux.SetPersonality(orig) })
}

// TestCollectFiles keeps supported extensions and skips dependency
// directories.
func TestCollectFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"README.md":              "# readme",
		"notes/a.txt":            "a",
		"notes/image.png":        "binary",
		"node_modules/x/y.md":    "skip",
		".git/HEAD.txt":          "skip",
		"src/main.go":            "package main",
		"docs/Guide.MARKDOWN":    "guide",
		"vendor/lib/vendored.go": "skip",
	})

	files, err := collectFiles([]string{root})

	require.NoError(t, err)
	for i := range files {
		files[i], _ = filepath.Rel(root, files[i])
	}
	sort.Strings(files)
	assert.Equal(t, []string{
		"README.md",
		filepath.Join("docs", "Guide.MARKDOWN"),
		filepath.Join("notes", "a.txt"),
		filepath.Join("src", "main.go"),
	}, files)
}

// TestCollectFiles_MissingPath reports a path that does not exist.
func TestCollectFiles_MissingPath(t *testing.T) {
	_, err := collectFiles([]string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

// TestIngestFiles sends each file with its absolute source and base
// name, and skips empty files.
func TestIngestFiles(t *testing.T) {
	machineOutput(t)
	root := writeTree(t, map[string]string{"a.md": "alpha", "b.txt": "beta", "empty.txt": "  \n"})
	ingester := &fakeIngester{}

	total, err := ingestFiles(context.Background(), ingester, []string{
		filepath.Join(root, "a.md"),
		filepath.Join(root, "b.txt"),
		filepath.Join(root, "empty.txt"),
	}, "cli")

	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, ingester.requests, 2)
	assert.Equal(t, retrieval.IngestRequest{
		Source:      filepath.Join(root, "a.md"),
		DisplayName: "a.md",
		Origin:      "cli",
		Content:     "alpha",
	}, ingester.requests[0])
}

// TestIngestFiles_PartialFailure continues past a failing file and
// joins the errors.
func TestIngestFiles_PartialFailure(t *testing.T) {
	machineOutput(t)
	root := writeTree(t, map[string]string{"good.md": "ok", "bad.md": "boom"})
	ingester := &fakeIngester{failFor: map[string]bool{"bad.md": true}}

	total, err := ingestFiles(context.Background(), ingester, []string{
		filepath.Join(root, "bad.md"),
		filepath.Join(root, "good.md"),
	}, "cli")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.md")
	assert.Equal(t, 2, total)
	assert.Len(t, ingester.requests, 2)
}

// TestIngestFiles_Cancelled stops before the next file.
func TestIngestFiles_Cancelled(t *testing.T) {
	machineOutput(t)
	root := writeTree(t, map[string]string{"a.md": "alpha"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ingester := &fakeIngester{}

	_, err := ingestFiles(ctx, ingester, []string{filepath.Join(root, "a.md")}, "cli")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ingester.requests)
}
