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
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/phases"
	"github.com/ajaypag/guest-post-workflow/services/generation/reclaim"
	"github.com/ajaypag/guest-post-workflow/services/generation/store"
	"github.com/spf13/cobra"
)

func newSweepCmd(state *cliState) *cobra.Command {
	var (
		threshold time.Duration
		noAudit   bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail stale sessions in a stopped service's data directory",
		Long: `Runs one reclamation sweep directly against the session store.

BadgerDB holds an exclusive directory lock, so this only works while the
service is stopped. Against a running service use POST /v1/admin/sweep.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := state.config
			if threshold <= 0 {
				threshold = cfg.SweepThreshold
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dbCfg := store.DefaultDBConfig(cfg.DataDir)
			dbCfg.GCInterval = 0
			dbCfg.Logger = slog.Default()
			st, err := store.Open(dbCfg)
			if err != nil {
				return fmt.Errorf("open session store %s: %w", cfg.DataDir, err)
			}
			defer st.Close()

			opts := []reclaim.Option{reclaim.WithLogger(slog.Default())}
			if !noAudit && cfg.AuditLogPath != "" {
				audit, err := reclaim.OpenAuditLog(cfg.AuditLogPath)
				if err != nil {
					return err
				}
				defer audit.Close()
				opts = append(opts, reclaim.WithAudit(audit))
			}

			res, err := reclaim.NewSweeper(st, phases.Default(), opts...).Sweep(ctx, threshold, reclaim.TriggerCLI)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d reclaimed=%d repaired=%d threshold=%s\n",
				res.Scanned, res.Reclaimed, res.Repaired, res.Threshold)
			for _, id := range res.ReclaimedIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "  reclaimed %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "staleness threshold (default: sweep_threshold from config)")
	cmd.Flags().BoolVar(&noAudit, "no-audit", false, "do not append to the sweep audit log")
	return cmd
}
