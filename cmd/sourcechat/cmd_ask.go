// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/spf13/cobra"
)

// ChatPath is the non-streaming RAG endpoint.
const ChatPath = "/api/chat"

type chatRequest struct {
	Messages []ux.Message `json:"messages"`
}

type chatResponse struct {
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Sources []ux.SourceInfo `json:"sources"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newAskCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question against the knowledge base and print the cited sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return usageError(cmd, "question is empty")
			}
			return c.runAsk(cmd.Context(), question, cmd.OutOrStdout())
		},
	}
}

func (c *cli) runAsk(ctx context.Context, question string, out io.Writer) error {
	ui := ux.NewChatUIWithWriter(out, ux.GetPersonality())

	var resp *chatResponse
	err := ux.WithSpinner("Searching documents", func() error {
		var err error
		resp, err = c.postChat(ctx, question)
		return err
	})
	if err != nil {
		ui.Error(err)
		return err
	}

	ui.Response(resp.Content)
	ui.Sources(resp.Sources)
	return nil
}

// postChat sends a single user message to /api/chat.
func (c *cli) postChat(ctx context.Context, question string) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{Messages: []ux.Message{{Role: ux.RoleUser, Content: question}}})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Server+ChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient(true).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", ChatPath, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.NewDecoder(httpResp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", httpResp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("server returned %d", httpResp.StatusCode)
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
