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

	"github.com/ajaypag/guest-post-workflow/services/generation/reclaim"
	"github.com/spf13/cobra"
)

func newAuditCmd(state *cliState) *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the sweep audit log",
	}

	var path string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the audit log hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = state.config.AuditLogPath
			}
			log, err := reclaim.OpenAuditLog(path)
			if err != nil {
				return err
			}
			defer log.Close()

			valid, breakAt, err := log.VerifyChain()
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("audit chain broken at sequence %d in %s", breakAt, path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit chain OK: %s\n", path)
			return nil
		},
	}
	verify.Flags().StringVar(&path, "path", "", "audit log file (default: audit_log_path from config)")

	audit.AddCommand(verify)
	return audit
}
