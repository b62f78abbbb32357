// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/ajaypag/guest-post-workflow/pkg/logging"
	"github.com/ajaypag/guest-post-workflow/services/generation"
	"github.com/spf13/cobra"
)

// cliState is shared by every subcommand after PersistentPreRunE.
type cliState struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	config generation.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:   "generation",
		Short: "Run and administer the guest post generation service",
		Long: `generation runs multi-phase LLM generation sessions (outlines, articles,
audits, polish, link orchestration) for guest post workflows in the background,
and provides maintenance commands for the session store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if state.logger != nil {
				return state.logger.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&state.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&state.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.StringVar(&state.logFormat, "log-format", "", "json or text (default: json unless stderr is a terminal)")
	flags.StringVar(&state.logDir, "log-dir", "", "also write JSON logs to this directory")

	root.AddCommand(newServeCmd(state), newSweepCmd(state), newAuditCmd(state))
	return root
}

func (s *cliState) init() error {
	level, err := logging.ParseLevel(s.logLevel)
	if err != nil {
		return err
	}
	format := logging.Format(s.logFormat)
	if format != logging.FormatAuto && format != logging.FormatJSON && format != logging.FormatText {
		return fmt.Errorf("unknown log format %q", s.logFormat)
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  s.logDir,
		Service: "generation",
		Format:  format,
	})
	if err != nil {
		return err
	}
	logger.Install()
	s.logger = logger

	cfg, err := loadConfig(s.configPath, envLookup)
	if err != nil {
		return err
	}
	s.config = cfg
	return nil
}
