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
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/spf13/cobra"
)

func newChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start a streaming chat session with the document assistant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runChat reads lines until EOF or /quit and streams each reply.
//
// # Description
//
// One Consumer holds the conversation for the whole session, so every
// turn sends the full history. The renderer is reset per turn. A failed
// turn is shown as the error reply and the session continues.
//
// # Outputs
//
//   - error: Only input failures and cancellation end the session with
//     an error.
func (c *cli) runChat(ctx context.Context, in io.Reader, out io.Writer) error {
	path, protocol := c.cfg.Route()
	personality := ux.GetPersonality()
	ui := ux.NewChatUIWithWriter(out, personality)
	ui.Header(ux.HeaderConfig{Endpoint: c.cfg.Server, Path: path, Protocol: protocol})

	renderer := ux.NewTerminalStreamRenderer(out, personality)
	consumer := ux.NewConsumer(
		ux.NewHTTPStreamOpener(c.cfg.Server, path, c.httpClient(false)),
		ux.Hooks(renderer, ux.ConsumerOptions{Protocol: protocol}),
	)

	reader := newInputReader(in, ui.Prompt())
	_, interactive := reader.(*interactiveReader)
	turns := 0
	for {
		if !interactive && personality != ux.PersonalityMachine {
			if _, err := io.WriteString(out, ui.Prompt()); err != nil {
				return err
			}
		}
		line, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			ui.Goodbye(turns)
			return nil
		}
		if err != nil {
			return err
		}
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			ui.Goodbye(turns)
			return nil
		}

		if interactive {
			ui.UserMessage(line)
		}
		renderer.Reset()
		err = consumer.Submit(ctx, line)
		renderer.Finalize(err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Debug("Chat turn failed", "error", err)
		}
		turns++
	}
}
