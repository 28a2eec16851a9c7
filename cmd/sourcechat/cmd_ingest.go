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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/sourcechat/pkg/config"
	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/AleutianAI/sourcechat/services/retrieval"
	"github.com/spf13/cobra"
)

var allowedExts = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".rst": true,
	".html": true, ".htm": true, ".json": true, ".yaml": true, ".yml": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true, ".rs": true,
}

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".venv": true, "__pycache__": true,
}

// maxIngestFileSize skips files the splitter would turn into thousands
// of chunks.
const maxIngestFileSize = 10 << 20

// documentIngester is the part of retrieval.Ingester the command needs.
type documentIngester interface {
	Ingest(ctx context.Context, req retrieval.IngestRequest) (int, error)
}

type ingestOptions struct {
	serverConfig string
	envFile      string
	origin       string
}

func newIngestCmd(c *cli) *cobra.Command {
	opts := ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest [file or directory...]",
		Short: "Split, embed and store documents in Weaviate",
		Long: `Reads the server configuration (sourcechat.yaml, .env and environment),
embeds every chunk with the configured OpenAI embedding model and writes it
to the Weaviate class the weaviate retrieval backend queries.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				ux.Warning("No supported files found")
				return nil
			}
			ux.Title(fmt.Sprintf("Ingesting %d files", len(files)))
			ingester, err := newWeaviateIngester(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, err = ingestFiles(cmd.Context(), ingester, files, opts.origin)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.serverConfig, "server-config", "", "server config file (default: sourcechat.yaml search path)")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "dotenv file (default: .env)")
	cmd.Flags().StringVar(&opts.origin, "origin", "cli", "origin recorded on each chunk")
	return cmd
}

// newWeaviateIngester builds the embedder and Weaviate client from the
// server configuration.
func newWeaviateIngester(ctx context.Context, opts ingestOptions) (*retrieval.Ingester, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: opts.serverConfig, EnvFile: opts.envFile})
	if err != nil {
		return nil, err
	}
	if cfg.Weaviate.Host == "" {
		return nil, fmt.Errorf("%w: weaviate.host (WEAVIATE_HOST)", config.ErrMissingConfig)
	}

	embedder, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		Timeout:        cfg.UpstreamTimeout,
	})
	if err != nil {
		return nil, err
	}
	client, err := retrieval.NewWeaviateClient(cfg.Weaviate.Host, cfg.Weaviate.Scheme)
	if err != nil {
		return nil, err
	}

	ingester := retrieval.NewIngester(client, embedder, cfg.Weaviate.Class)
	if err := ingester.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure weaviate schema: %w", err)
	}
	return ingester, nil
}

// collectFiles expands directories into supported files, skipping
// dependency and VCS directories.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != root && skippedDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if allowedExts[strings.ToLower(filepath.Ext(p))] {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}

// ingestFiles indexes each file and reports the total chunk count. A
// failing file is reported and skipped; the returned error joins all
// failures.
func ingestFiles(ctx context.Context, ingester documentIngester, files []string, origin string) (int, error) {
	progress := ux.NewProgressSpinner("Ingesting", len(files))
	progress.Start()

	var (
		total int
		errs  []error
	)
	for _, path := range files {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := ingestFile(ctx, ingester, path, origin)
		progress.Add(1)
		if err != nil {
			slog.Warn("Failed to ingest file", "path", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		total += n
	}
	progress.Stop()

	if err := errors.Join(errs...); err != nil {
		ux.Error(fmt.Sprintf("%d of %d files failed", len(errs), len(files)))
		return total, err
	}
	ux.Success(fmt.Sprintf("Ingested %d chunks from %d files", total, len(files)))
	return total, nil
}

func ingestFile(ctx context.Context, ingester documentIngester, path, origin string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() > maxIngestFileSize {
		return 0, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxIngestFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(string(content)) == "" {
		return 0, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return ingester.Ingest(ctx, retrieval.IngestRequest{
		Source:      abs,
		DisplayName: filepath.Base(path),
		Origin:      origin,
		Content:     string(content),
	})
}
