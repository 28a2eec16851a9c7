// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

// Context block delimiters in the RAG system prompt.
const (
	ContextStartMarker = "=== CONTEXT DOCUMENTS ==="
	ContextEndMarker   = "=== END CONTEXT DOCUMENTS ==="
)

const ragPromptPreamble = `You are a helpful AI assistant that specializes in answering questions user have based on sources.

When answering questions, use the following context documents to provide accurate and relevant information:

`

const ragPromptInstructions = `

Please base your responses on the context provided above when relevant. If the context doesn't contain information to answer the question, acknowledge this and provide general knowledge while being clear about what information comes from the context vs. your general knowledge
Keep your answer to less than 10 sentences.
.`

// BuildRAGSystemPrompt embeds contextDocuments between the context markers
// and appends the answering instructions. An empty context still produces
// both markers.
func BuildRAGSystemPrompt(contextDocuments string) string {
	return ragPromptPreamble +
		ContextStartMarker + "\n" +
		contextDocuments + "\n" +
		ContextEndMarker +
		ragPromptInstructions
}
