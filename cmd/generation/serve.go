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
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ajaypag/guest-post-workflow/services/generation"
	"github.com/spf13/cobra"
)

func newServeCmd(state *cliState) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the generation HTTP service",
		Long: `Starts the HTTP API, the background executor and the periodic sweep.
SIGINT or SIGTERM drains in-flight work and exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := state.config
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := generation.New(cfg)
			if err != nil {
				return err
			}
			slog.Info("generation service configured",
				slog.Int("port", cfg.Port),
				slog.String("llm_backend", cfg.LLMBackend),
				slog.Bool("sweep_enabled", cfg.SweepEnabled))
			return svc.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}
