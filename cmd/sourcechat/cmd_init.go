// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func newInitCmd(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the client config (~/.sourcechat/client.yaml)",
		Long: `Prompts for the orchestrator URL, streaming endpoint and output style
when run in a terminal. Otherwise the values come from --server,
--endpoint and --personality.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runInit(force, ux.IsInteractive())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config without asking")
	return cmd
}

func (c *cli) runInit(force, interactive bool) error {
	cfg := *c.cfg
	if c.personality != "" {
		cfg.Personality = string(ux.ParsePersonalityLevel(c.personality))
	}
	if cfg.Personality == "" {
		cfg.Personality = string(ux.PersonalityFull)
	}

	_, statErr := os.Stat(c.configPath)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("check %s: %w", c.configPath, statErr)
	}

	if interactive {
		overwrite := force || !exists
		if err := initForm(&cfg, c.configPath, &overwrite, exists && !force).Run(); err != nil {
			return err
		}
		if !overwrite {
			ux.Warning("Kept the existing config")
			return nil
		}
	} else if exists && !force {
		return fmt.Errorf("%s already exists; pass --force to overwrite", c.configPath)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(c.configPath); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Wrote %s", c.configPath))
	ux.Box("Client config", fmt.Sprintf("server    %s\nendpoint  %s\nstyle     %s", cfg.Server, cfg.Endpoint, cfg.Personality))
	ux.Muted("Run `sourcechat chat` to start a session.")
	return nil
}

// initForm asks for each setting, plus an overwrite confirmation when
// the file already exists.
func initForm(cfg *ClientConfig, path string, overwrite *bool, confirm bool) *huh.Form {
	fields := []huh.Field{
		huh.NewInput().
			Title("Orchestrator URL").
			Value(&cfg.Server).
			Validate(func(s string) error {
				probe := *cfg
				probe.Server = s
				return probe.Validate()
			}),
		huh.NewSelect[string]().
			Title("Streaming endpoint").
			Options(
				huh.NewOption("Document assistant (SSE)", EndpointAgentsSDK),
				huh.NewOption("Data stream agent", EndpointAgent),
			).
			Value(&cfg.Endpoint),
		huh.NewSelect[string]().
			Title("Output style").
			Options(huh.NewOptions(
				string(ux.PersonalityFull),
				string(ux.PersonalityMinimal),
				string(ux.PersonalityMachine),
			)...).
			Value(&cfg.Personality),
	}
	if confirm {
		fields = append(fields, huh.NewConfirm().
			Title(fmt.Sprintf("Overwrite %s?", path)).
			Value(overwrite))
	}
	return huh.NewForm(huh.NewGroup(fields...))
}
