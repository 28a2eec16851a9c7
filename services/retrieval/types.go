// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval wraps the document retrieval pipeline and normalizes
// its records into prompt context and user-facing sources.
//
//	question ──► DocumentRetriever ──► []Document ──┬─► FormatDocumentsForContext ─► context text
//	            (Vectorize | Weaviate)              └─► ConvertDocumentsToSources ─► []Source
//
// Results are computed per query and never cached.
package retrieval

import (
	"context"
	"encoding/json"
)

// DocumentRetriever fetches the documents most relevant to a question.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, question string, numResults int) ([]Document, error)
}

// Document is one retrieved chunk as returned by the pipeline.
//
// The pipeline emits snake_case fields; some responses duplicate them in
// camelCase. Decoding prefers snake_case and falls back to camelCase.
type Document struct {
	ID                string   `json:"id"`
	ChunkID           string   `json:"chunk_id"`
	OrgID             string   `json:"org_id"`
	Origin            string   `json:"origin"`
	OriginID          string   `json:"origin_id"`
	PipelineID        string   `json:"pipeline_id"`
	Similarity        *float64 `json:"similarity,omitempty"`
	Relevancy         *float64 `json:"relevancy,omitempty"`
	Source            string   `json:"source"`
	SourceDisplayName string   `json:"source_display_name"`
	Text              string   `json:"text"`
	TotalChunks       string   `json:"total_chunks"`
	UniqueSource      string   `json:"unique_source"`
}

// documentWire carries both spellings of every multi-word field.
type documentWire struct {
	ID                string          `json:"id"`
	ChunkID           string          `json:"chunk_id"`
	OrgID             string          `json:"org_id"`
	Origin            string          `json:"origin"`
	OriginID          string          `json:"origin_id"`
	PipelineID        string          `json:"pipeline_id"`
	Similarity        *float64        `json:"similarity"`
	Relevancy         *float64        `json:"relevancy"`
	Source            string          `json:"source"`
	SourceDisplayName string          `json:"source_display_name"`
	Text              string          `json:"text"`
	TotalChunks       json.RawMessage `json:"total_chunks"`
	UniqueSource      string          `json:"unique_source"`

	ChunkIDCamel           string          `json:"chunkId"`
	OrgIDCamel             string          `json:"orgId"`
	OriginIDCamel          string          `json:"originId"`
	PipelineIDCamel        string          `json:"pipelineId"`
	SourceDisplayNameCamel string          `json:"sourceDisplayName"`
	TotalChunksCamel       json.RawMessage `json:"totalChunks"`
	UniqueSourceCamel      string          `json:"uniqueSource"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	var w documentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = Document{
		ID:                w.ID,
		ChunkID:           firstNonEmpty(w.ChunkID, w.ChunkIDCamel),
		OrgID:             firstNonEmpty(w.OrgID, w.OrgIDCamel),
		Origin:            w.Origin,
		OriginID:          firstNonEmpty(w.OriginID, w.OriginIDCamel),
		PipelineID:        firstNonEmpty(w.PipelineID, w.PipelineIDCamel),
		Similarity:        w.Similarity,
		Relevancy:         w.Relevancy,
		Source:            w.Source,
		SourceDisplayName: firstNonEmpty(w.SourceDisplayName, w.SourceDisplayNameCamel),
		Text:              w.Text,
		TotalChunks:       firstNonEmpty(scalarString(w.TotalChunks), scalarString(w.TotalChunksCamel)),
		UniqueSource:      firstNonEmpty(w.UniqueSource, w.UniqueSourceCamel),
	}
	return nil
}

// RetrieveResponse is the pipeline's retrieval response body.
type RetrieveResponse struct {
	Question         string     `json:"question"`
	Documents        []Document `json:"documents"`
	AverageRelevancy float64    `json:"average_relevancy"`
	NDCG             float64    `json:"ndcg"`
}

// UnmarshalJSON accepts averageRelevancy as a fallback spelling.
func (r *RetrieveResponse) UnmarshalJSON(data []byte) error {
	var w struct {
		Question              string     `json:"question"`
		Documents             []Document `json:"documents"`
		AverageRelevancy      *float64   `json:"average_relevancy"`
		AverageRelevancyCamel *float64   `json:"averageRelevancy"`
		NDCG                  float64    `json:"ndcg"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = RetrieveResponse{Question: w.Question, Documents: w.Documents, NDCG: w.NDCG}
	switch {
	case w.AverageRelevancy != nil:
		r.AverageRelevancy = *w.AverageRelevancy
	case w.AverageRelevancyCamel != nil:
		r.AverageRelevancy = *w.AverageRelevancyCamel
	}
	return nil
}

// Source is a citation shown next to an assistant answer.
type Source struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Snippet    string   `json:"snippet"`
	Relevancy  *float64 `json:"relevancy,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
}

// Result is the outcome of RetrieveContext.
type Result struct {
	ContextDocuments string   `json:"contextDocuments"`
	Sources          []Source `json:"sources"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// scalarString renders a JSON string or number as text. total_chunks is
// documented as a string but arrives as a number from some pipelines.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
