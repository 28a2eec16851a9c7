// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// HeaderConfig contains configuration for displaying the chat header.
//
// # Fields
//
//   - Endpoint: Server base URL the session talks to.
//   - Path: Streaming route (AgentsSDKPath or AgentPath).
//   - Protocol: Wire protocol read from the route.
type HeaderConfig struct {
	Endpoint string
	Path     string
	Protocol Protocol
}

// SourceInfo is a source citation returned by /api/chat.
//
// # Description
//
// SourceInfo mirrors the JSON shape of the server's source entries so
// the CLI can decode the chat response directly.
//
// # Fields
//
//   - ID: Document identifier.
//   - Title: Display name of the document.
//   - URL: Link to the document.
//   - Snippet: First characters of the matched chunk.
//   - Relevancy: Reranker score, present for the vectorize backend.
//   - Similarity: Vector similarity, present when the backend reports it.
type SourceInfo struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Snippet    string   `json:"snippet"`
	Relevancy  *float64 `json:"relevancy,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
}

func (s SourceInfo) label() string {
	if s.Title != "" {
		return s.Title
	}
	if s.URL != "" {
		return s.URL
	}
	return s.ID
}

func (s SourceInfo) score() (float64, bool) {
	if s.Relevancy != nil {
		return *s.Relevancy, true
	}
	if s.Similarity != nil {
		return *s.Similarity, true
	}
	return 0, false
}

// ChatUI defines the interface for chat user interface operations.
// Implementations handle rendering chat elements to different outputs.
type ChatUI interface {
	// Header displays the session header.
	Header(config HeaderConfig)

	// Prompt returns the styled input prompt string
	Prompt() string

	// UserMessage echoes a submitted user turn.
	UserMessage(content string)

	// Response displays a complete assistant response
	Response(answer string)

	// Sources displays the sources used in a RAG response
	Sources(sources []SourceInfo)

	// NoSources displays a message when no sources were found
	NoSources()

	// Error displays a chat error message
	Error(err error)

	// Goodbye closes the session.
	Goodbye(turns int)
}

// terminalChatUI implements ChatUI for terminal output
type terminalChatUI struct {
	writer      io.Writer
	personality PersonalityLevel
}

// write ignores errors; there is nothing to recover from on a terminal.
func (u *terminalChatUI) write(format string, args ...any) {
	_, _ = fmt.Fprintf(u.writer, format, args...)
}

func (u *terminalChatUI) writeln(args ...any) {
	_, _ = fmt.Fprintln(u.writer, args...)
}

// NewChatUI creates a new terminal-based ChatUI
func NewChatUI() ChatUI {
	return NewChatUIWithWriter(os.Stdout, GetPersonality())
}

// NewChatUIWithWriter creates a ChatUI with a custom writer (for testing)
func NewChatUIWithWriter(w io.Writer, personality PersonalityLevel) ChatUI {
	return &terminalChatUI{
		writer:      w,
		personality: personality,
	}
}

// Header displays the session header.
func (u *terminalChatUI) Header(config HeaderConfig) {
	switch u.personality {
	case PersonalityMachine:
		u.write("ENDPOINT: %s%s\n", config.Endpoint, config.Path)
		u.write("PROTOCOL: %s\n", config.Protocol)
	case PersonalityMinimal:
		u.write("sourcechat %s%s (%s)\n", config.Endpoint, config.Path, config.Protocol)
		u.writeln("Type /quit to exit.")
	default:
		body := fmt.Sprintf("%s %s%s\n%s %s\n%s",
			Styles.Muted.Render("endpoint"), config.Endpoint, config.Path,
			Styles.Muted.Render("protocol"), config.Protocol,
			Styles.Muted.Render("Type /quit or press Ctrl+D to exit."))
		u.writeln(Styles.Box.Width(60).Render(Styles.Title.Render("sourcechat") + "\n" + body))
	}
}

// Prompt returns the styled input prompt string
func (u *terminalChatUI) Prompt() string {
	if u.personality == PersonalityMachine {
		return ""
	}
	if u.personality == PersonalityMinimal {
		return "> "
	}
	return Styles.Highlight.Render("> ")
}

// UserMessage echoes a submitted user turn.
func (u *terminalChatUI) UserMessage(content string) {
	switch u.personality {
	case PersonalityMachine:
		u.write("USER: %s\n", content)
	case PersonalityMinimal:
		u.write("you: %s\n", content)
	default:
		u.write("%s %s\n", Styles.User.Render("you"), content)
	}
}

// Response displays the assistant's response
func (u *terminalChatUI) Response(answer string) {
	if u.personality == PersonalityMachine {
		u.write("RESPONSE: %s\n", answer)
		return
	}
	u.writeln()
	u.writeln(Styles.Assistant.Render(answer))
}

// Sources displays the sources used in a RAG response
func (u *terminalChatUI) Sources(sources []SourceInfo) {
	if len(sources) == 0 {
		u.NoSources()
		return
	}

	if u.personality == PersonalityMachine {
		for _, src := range sources {
			if score, ok := src.score(); ok {
				u.write("SOURCE: %s %s score=%.4f\n", src.label(), src.URL, score)
			} else {
				u.write("SOURCE: %s %s\n", src.label(), src.URL)
			}
		}
		return
	}

	u.writeln()
	if u.personality == PersonalityMinimal {
		u.writeln("Sources:")
		for i, src := range sources {
			u.write("  %d. %s\n", i+1, src.label())
		}
		return
	}

	var content strings.Builder
	for i, src := range sources {
		scoreInfo := ""
		if score, ok := src.score(); ok {
			scoreInfo = Styles.Muted.Render(fmt.Sprintf(" (%.2f)", score))
		}
		fmt.Fprintf(&content, "%d. %s%s", i+1, src.label(), scoreInfo)
		if src.URL != "" && src.URL != src.label() {
			fmt.Fprintf(&content, "\n   %s", Styles.Muted.Render(src.URL))
		}
		if i < len(sources)-1 {
			content.WriteString("\n")
		}
	}
	u.writeln(Styles.InfoBox.Width(60).Render(Styles.Subtitle.Render("Sources") + "\n" + content.String()))
}

// NoSources displays a message when no sources were found
func (u *terminalChatUI) NoSources() {
	if u.personality == PersonalityMachine {
		u.writeln("SOURCES: none")
		return
	}
	if u.personality != PersonalityMinimal {
		u.writeln(Styles.Muted.Render("(No sources from knowledge base)"))
	}
}

// Error displays a chat error message
func (u *terminalChatUI) Error(err error) {
	if u.personality == PersonalityMachine {
		u.write("CHAT_ERROR: %v\n", err)
		return
	}
	u.write("%s %s\n", IconError.Render(), Styles.Error.Render(fmt.Sprintf("Chat error: %v", err)))
}

// Goodbye closes the session.
func (u *terminalChatUI) Goodbye(turns int) {
	switch u.personality {
	case PersonalityMachine:
		u.write("TURNS: %d\n", turns)
	default:
		u.write("%s %d %s\n", IconSuccess.Render(), turns, pluralize(turns, "turn", "turns"))
	}
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
