// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/AleutianAI/sourcechat/services/llm"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultClassName is the Weaviate class holding ingested chunks.
const DefaultClassName = "Document"

// WeaviateRetriever implements DocumentRetriever against a self-hosted
// Weaviate index populated by Ingester.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder llm.Embedder
	class    string
}

// NewWeaviateRetriever creates a retriever. An empty class uses
// DefaultClassName.
func NewWeaviateRetriever(client *weaviate.Client, embedder llm.Embedder, class string) *WeaviateRetriever {
	if class == "" {
		class = DefaultClassName
	}
	return &WeaviateRetriever{client: client, embedder: embedder, class: class}
}

// NewWeaviateClient builds a client for host ("weaviate:8080") and scheme.
func NewWeaviateClient(host, scheme string) (*weaviate.Client, error) {
	if scheme == "" {
		scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// Retrieve implements DocumentRetriever.
//
// # Description
//
// Embeds the question and runs a nearVector query. Certainty becomes the
// document's relevancy and 1 - distance its similarity, so both read as
// "higher is better" like the hosted pipeline's scores.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, question string, numResults int) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.class", r.class),
		attribute.Int("retrieval.num_results", numResults),
	)

	vectors, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vectors))
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().
		WithVector(vectors[0])

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "source"},
		{Name: "source_display_name"},
		{Name: "origin"},
		{Name: "chunk_id"},
		{Name: "total_chunks"},
		{Name: "unique_source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "distance"},
			{Name: "certainty"},
		}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(numResults).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		slog.Error("Weaviate nearVector query failed", "class", r.class, "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	docs, err := parseDocuments(result, r.class)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.documents", len(docs)))
	return docs, nil
}

// weaviateDocument is one object of a Get{<class>} response.
type weaviateDocument struct {
	Text              string          `json:"text"`
	Source            string          `json:"source"`
	SourceDisplayName string          `json:"source_display_name"`
	Origin            string          `json:"origin"`
	ChunkID           string          `json:"chunk_id"`
	TotalChunks       json.RawMessage `json:"total_chunks"`
	UniqueSource      string          `json:"unique_source"`
	Additional        struct {
		ID        string   `json:"id"`
		Distance  *float64 `json:"distance"`
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// parseDocuments converts a GraphQL response into Documents.
func parseDocuments(resp *models.GraphQLResponse, class string) ([]Document, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var parsed struct {
		Get map[string][]weaviateDocument `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL data: %w", err)
	}

	objects := parsed.Get[class]
	docs := make([]Document, 0, len(objects))
	for _, obj := range objects {
		doc := Document{
			ID:                obj.Additional.ID,
			ChunkID:           obj.ChunkID,
			Origin:            obj.Origin,
			Source:            obj.Source,
			SourceDisplayName: obj.SourceDisplayName,
			Text:              obj.Text,
			TotalChunks:       scalarString(obj.TotalChunks),
			UniqueSource:      obj.UniqueSource,
			Relevancy:         obj.Additional.Certainty,
		}
		if obj.Additional.Distance != nil {
			similarity := 1 - *obj.Additional.Distance
			doc.Similarity = &similarity
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DocumentClass returns the schema for ingested chunks. Vectors are
// supplied by the ingester, so the class has no vectorizer module.
func DocumentClass(class string) *models.Class {
	if class == "" {
		class = DefaultClassName
	}
	text := func(name, description string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"text"}, Description: description}
	}
	return &models.Class{
		Class:       class,
		Description: "A chunk of an ingested source document.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			text("text", "The chunk text"),
			text("source", "Source URL or path of the parent document"),
			text("source_display_name", "Human readable title of the parent document"),
			text("origin", "Where the document was ingested from"),
			text("chunk_id", "Position of the chunk within its document"),
			text("total_chunks", "Number of chunks in the parent document"),
			text("unique_source", "Stable identifier of the parent document"),
			{Name: "ingested_at", DataType: []string{"int"}, Description: "Unix milliseconds at ingestion"},
		},
	}
}

// EnsureSchema creates class when it does not exist yet.
func EnsureSchema(ctx context.Context, client *weaviate.Client, class string) error {
	schema := DocumentClass(class)

	if _, err := client.Schema().ClassGetter().WithClassName(schema.Class).Do(ctx); err == nil {
		slog.Info("Schema already exists", "class", schema.Class)
		return nil
	}

	slog.Info("Schema not found, creating it", "class", schema.Class)
	if err := client.Schema().ClassCreator().WithClass(schema).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", schema.Class, err)
	}
	slog.Info("Successfully created schema", "class", schema.Class)
	return nil
}

// chunkPosition renders a 1-based chunk index the way the hosted pipeline
// does.
func chunkPosition(i int) string {
	return strconv.Itoa(i + 1)
}
