// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	chunkSize    = 1000
	chunkOverlap = 100
)

// IngestRequest is one document to index.
type IngestRequest struct {
	// Source is the URL or path; it becomes the citation URL.
	Source string
	// DisplayName is the citation title. Empty falls back to Source.
	DisplayName string
	// Origin records where the document came from ("cli", "upload").
	Origin string
	// Content is the full document text.
	Content string
}

// Ingester splits, embeds and stores documents for WeaviateRetriever.
type Ingester struct {
	client   *weaviate.Client
	embedder llm.Embedder
	splitter textsplitter.TextSplitter
	class    string
}

// NewIngester creates an ingester that writes to class.
func NewIngester(client *weaviate.Client, embedder llm.Embedder, class string) *Ingester {
	if class == "" {
		class = DefaultClassName
	}
	return &Ingester{
		client:   client,
		embedder: embedder,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		class: class,
	}
}

// EnsureSchema creates the ingester's class if needed.
func (i *Ingester) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, i.client, i.class)
}

// Ingest indexes one document.
//
// # Description
//
// Splits the content with a recursive character splitter, embeds every
// chunk in one batch request, and imports all objects in one Weaviate
// batch. Object IDs are derived from the source and chunk text, so
// re-ingesting unchanged content overwrites instead of duplicating.
//
// # Outputs
//
//   - int: Number of chunks Weaviate accepted.
//   - error: Split, embed or batch failure. Per-object failures are
//     logged and reduce the count without failing the call.
func (i *Ingester) Ingest(ctx context.Context, req IngestRequest) (int, error) {
	ctx, span := tracer.Start(ctx, "Ingester.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("ingest.source", req.Source))

	chunks, err := i.splitter.SplitText(req.Content)
	if err != nil {
		slog.Error("Failed to split text", "source", req.Source, "error", err)
		return 0, fmt.Errorf("split content: %w", err)
	}
	if len(chunks) == 0 {
		slog.Warn("No chunks produced after splitting", "source", req.Source)
		return 0, nil
	}
	slog.Info("Split document into chunks", "source", req.Source, "chunk_count", len(chunks))

	vectors, err := i.embedder.Embed(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	objects := buildObjects(i.class, req, chunks, vectors, time.Now())

	resp, err := i.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		slog.Error("Failed to perform batch import to Weaviate", "error", err)
		return 0, fmt.Errorf("save objects to weaviate: %w", err)
	}

	created := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			created++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "source", req.Source, "error", e.Message)
			}
		}
	}
	// Servers that omit per-item status still accepted the batch.
	if len(resp) == 0 {
		created = len(objects)
	}

	span.SetAttributes(attribute.Int("ingest.chunks", created))
	slog.Info("Ingested document", "source", req.Source, "chunks", created, "of", len(objects))
	return created, nil
}

// buildObjects creates one Weaviate object per chunk.
func buildObjects(class string, req IngestRequest, chunks []string, vectors [][]float32, now time.Time) []*models.Object {
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Source
	}
	origin := req.Origin
	if origin == "" {
		origin = "cli"
	}
	total := strconv.Itoa(len(chunks))
	uniqueSource := string(chunkUUID(req.Source, ""))

	objects := make([]*models.Object, len(chunks))
	for idx, chunk := range chunks {
		objects[idx] = &models.Object{
			Class:  class,
			ID:     chunkUUID(req.Source, chunk),
			Vector: vectors[idx],
			Properties: map[string]interface{}{
				"text":                chunk,
				"source":              req.Source,
				"source_display_name": displayName,
				"origin":              origin,
				"chunk_id":            chunkPosition(idx),
				"total_chunks":        total,
				"unique_source":       uniqueSource,
				"ingested_at":         now.UnixMilli(),
			},
		}
	}
	return objects
}

// chunkUUID derives a stable object ID from the sha256 of source and text.
func chunkUUID(source, chunk string) strfmt.UUID {
	hash := sha256.Sum256([]byte(source + "\x00" + chunk))
	id, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(id.String())
}
