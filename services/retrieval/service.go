// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultNumResults is how many documents RetrieveContext asks for.
	DefaultNumResults = 5

	// NoDocumentsText is the context used when nothing matched.
	NoDocumentsText = "No relevant documents found."

	// UnavailableText replaces the context when retrieval fails.
	UnavailableText = "Unable to retrieve relevant documents at this time."

	documentSeparator = "\n\n---\n\n"
)

// Service turns retriever output into prompt context and sources.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no per-request state.
type Service struct {
	retriever  DocumentRetriever
	numResults int
}

// NewService creates a Service. numResults <= 0 uses DefaultNumResults.
func NewService(retriever DocumentRetriever, numResults int) *Service {
	if numResults <= 0 {
		numResults = DefaultNumResults
	}
	return &Service{retriever: retriever, numResults: numResults}
}

// RetrieveContext fetches documents for query and formats them.
//
// # Description
//
// Never fails. Any retriever error is logged and absorbed into a result
// whose context is UnavailableText and whose sources are empty, so the
// caller can still answer from general knowledge.
//
// # Outputs
//
//   - Result: Context text and sources. Sources is never nil.
func (s *Service) RetrieveContext(ctx context.Context, query string) Result {
	ctx, span := tracer.Start(ctx, "Service.RetrieveContext")
	defer span.End()

	start := time.Now()
	docs, err := s.retriever.Retrieve(ctx, query, s.numResults)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		slog.Warn("Retrieval failed, continuing without context", "error", err, "duration", time.Since(start))
		return Result{ContextDocuments: UnavailableText, Sources: []Source{}}
	}

	span.SetAttributes(attribute.Int("retrieval.documents", len(docs)))
	slog.Info("Retrieved documents", "count", len(docs), "duration", time.Since(start))
	return Result{
		ContextDocuments: FormatDocumentsForContext(docs),
		Sources:          ConvertDocumentsToSources(docs),
	}
}

// SearchDocuments returns only the context text. It is the body of the
// document search tools.
func (s *Service) SearchDocuments(ctx context.Context, query string) string {
	result := s.RetrieveContext(ctx, query)
	if result.ContextDocuments == "" {
		return NoDocumentsText
	}
	return result.ContextDocuments
}

// FormatDocumentsForContext renders documents as numbered blocks.
//
//	Document 1:
//	<text>
//
//	---
//
//	Document 2:
//	<text>
func FormatDocumentsForContext(docs []Document) string {
	if len(docs) == 0 {
		return NoDocumentsText
	}
	blocks := make([]string, len(docs))
	for i, doc := range docs {
		blocks[i] = fmt.Sprintf("Document %d:\n%s", i+1, doc.Text)
	}
	return strings.Join(blocks, documentSeparator)
}

// ConvertDocumentsToSources maps documents to citations in the same order.
// The snippet is the full chunk text.
func ConvertDocumentsToSources(docs []Document) []Source {
	sources := make([]Source, len(docs))
	for i, doc := range docs {
		title := doc.SourceDisplayName
		if title == "" {
			title = doc.Source
		}
		sources[i] = Source{
			ID:         doc.ID,
			Title:      title,
			URL:        doc.Source,
			Snippet:    doc.Text,
			Relevancy:  doc.Relevancy,
			Similarity: doc.Similarity,
		}
	}
	return sources
}
