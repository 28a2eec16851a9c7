// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Agent names.
const (
	DocumentAssistantName = "AI SDK Agent Assistant"
	DataStreamAgentName   = "Data Stream Assistant"
)

// DocumentAssistantInstructions is the system message of the document
// assistant.
const DocumentAssistantInstructions = `You are a helpful assistant that can access proprietary document sources and analyze data from them.

When users ask questions:
1. Use available tools to gather and analyze relevant information
2. Provide comprehensive answers based on the data retrieved and analyzed
3. Be clear about what information comes from which sources`

// DataStreamInstructions is the system message of the data stream agent.
const DataStreamInstructions = "You are a helpful assistant."

// DocumentSearcher returns retrieved context as prompt-ready text. It does
// not fail; retrieval errors come back as fallback text.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, query string) string
}

// GraphFetcher fetches a Connected Papers graph.
type GraphFetcher interface {
	FetchGraph(ctx context.Context, seedPaperID string) (json.RawMessage, error)
}

type searchDocumentsArgs struct {
	Query string `json:"query" description:"The search query to find relevant documents"`
}

type analyzeDataArgs struct {
	Documents []string `json:"documents" description:"The documents to analyze"`
}

type connectedPapersArgs struct {
	SeedPaperID string `json:"seedPaperId" description:"The ID of the seed paper to find related papers"`
}

// SearchDocumentsTool wraps retrieval for the document assistant.
func SearchDocumentsTool(searcher DocumentSearcher) Tool {
	return MustFunctionTool("searchDocuments",
		"Search through proprietary document sources for relevant information",
		func(ctx context.Context, in searchDocumentsArgs) (string, error) {
			documents := searcher.SearchDocuments(ctx, in.Query)
			return fmt.Sprintf("Search completed for query: %s. Documents retrieved: %s.", in.Query, documents), nil
		})
}

// GetSourcesTool returns retrieved context unadorned.
func GetSourcesTool(searcher DocumentSearcher) Tool {
	return MustFunctionTool("getSources",
		"This will pull information from your proprietary sources",
		func(ctx context.Context, in searchDocumentsArgs) (string, error) {
			return searcher.SearchDocuments(ctx, in.Query), nil
		})
}

// AnalyzeDataTool is a placeholder analysis that labels each document.
func AnalyzeDataTool() Tool {
	return MustFunctionTool("analyzeData",
		"Analyze data from the retrieved documents",
		func(_ context.Context, in analyzeDataArgs) (string, error) {
			return AnalyzeDocuments(in.Documents), nil
		})
}

// AnalyzeDocuments renders the analyzeData result.
func AnalyzeDocuments(documents []string) string {
	parts := make([]string, len(documents))
	for i, doc := range documents {
		parts[i] = "Analysis of " + doc
	}
	return "Analysis completed. Results: " + strings.Join(parts, ", ")
}

// FetchConnectedPapersTool returns the raw paper graph as text.
func FetchConnectedPapersTool(fetcher GraphFetcher) Tool {
	return MustFunctionTool("fetchConnectedPapers",
		"Fetch a visual overview of papers related to a specific field using Connected Papers",
		func(ctx context.Context, in connectedPapersArgs) (string, error) {
			graph, err := fetcher.FetchGraph(ctx, in.SeedPaperID)
			if err != nil {
				return "", err
			}
			return string(graph), nil
		})
}

// NewDocumentAssistant builds the agent behind /api/agents-sdk.
func NewDocumentAssistant(model string, searcher DocumentSearcher, fetcher GraphFetcher) *Agent {
	return &Agent{
		Name:         DocumentAssistantName,
		Instructions: DocumentAssistantInstructions,
		Model:        model,
		Tools: []Tool{
			SearchDocumentsTool(searcher),
			AnalyzeDataTool(),
			FetchConnectedPapersTool(fetcher),
		},
		MaxSteps: DefaultMaxSteps,
	}
}

// NewDataStreamAgent builds the agent behind /api/agent.
func NewDataStreamAgent(model string, searcher DocumentSearcher) *Agent {
	return &Agent{
		Name:         DataStreamAgentName,
		Instructions: DataStreamInstructions,
		Model:        model,
		Tools: []Tool{
			GetSourcesTool(searcher),
			AnalyzeDataTool(),
		},
		MaxSteps: DefaultMaxSteps,
	}
}
