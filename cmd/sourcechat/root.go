// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/AleutianAI/sourcechat/pkg/logging"
	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/spf13/cobra"
)

// cli holds the persistent flags and the resolved client config shared
// by every subcommand.
type cli struct {
	configPath  string
	server      string
	endpoint    string
	personality string
	logLevel    string

	cfg *ClientConfig
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "sourcechat",
		Short:         "Chat with your documents through the sourcechat orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", DefaultClientConfigPath(), "client config file")
	flags.StringVar(&c.server, "server", "", "orchestrator base URL (overrides the config file)")
	flags.StringVar(&c.endpoint, "endpoint", "", "streaming endpoint: agents-sdk or agent")
	flags.StringVar(&c.personality, "personality", "", "output style: full, minimal or machine")
	flags.StringVar(&c.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		newChatCmd(c),
		newAskCmd(c),
		newIngestCmd(c),
		newInitCmd(c),
	)
	return root
}

// setup resolves logging, personality and the client config.
func (c *cli) setup(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	logging.New(logging.Config{Level: level, Service: "sourcechat-cli", Output: cmd.ErrOrStderr()}).SetDefault()

	cfg, err := LoadClientConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.server != "" {
		cfg.Server = strings.TrimRight(c.server, "/")
	}
	if c.endpoint != "" {
		cfg.Endpoint = c.endpoint
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	switch {
	case c.personality != "":
		ux.SetPersonality(ux.ParsePersonalityLevel(c.personality))
	case cfg.Personality != "":
		ux.SetPersonality(ux.ParsePersonalityLevel(cfg.Personality))
	default:
		ux.InitPersonality()
	}
	ux.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
	return nil
}

// httpClient bounds whole requests for ask. Streaming chat relies on
// context cancellation instead.
func (c *cli) httpClient(bounded bool) *http.Client {
	if bounded {
		return &http.Client{Timeout: c.cfg.Timeout}
	}
	return &http.Client{}
}

func usageError(cmd *cobra.Command, format string, args ...any) error {
	return fmt.Errorf("%s: %s", cmd.CommandPath(), fmt.Sprintf(format, args...))
}
