// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/reclaim"
	"github.com/gin-gonic/gin"
)

// Sweeper runs a reclamation sweep.
type Sweeper interface {
	Sweep(ctx context.Context, threshold time.Duration, trigger reclaim.Trigger) (reclaim.SweepResult, error)
}

// Sweep handles POST /v1/admin/sweep.
//
// # Description
//
// Fails every active session older than the requested threshold and repairs
// terminal rows still flagged active. An empty body or empty threshold uses
// defaultThreshold.
//
// # Outputs
//
//   - 200: SweepResponse.
//   - 400: Threshold that does not parse or is below one minute.
//
// # Examples
//
//	curl -X POST localhost:12310/v1/admin/sweep -d '{"threshold":"45m"}'
func Sweep(sw Sweeper, defaultThreshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SweepRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, asValidationError(err))
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, asValidationError(err))
			return
		}

		threshold := req.ThresholdOr(defaultThreshold)
		result, err := sw.Sweep(c.Request.Context(), threshold, reclaim.TriggerAPI)
		if err != nil {
			respondError(c, err)
			return
		}

		slog.Info("manual sweep finished",
			"threshold", threshold.String(),
			"reclaimed", result.Reclaimed,
			"repaired", result.Repaired)
		c.JSON(http.StatusOK, datatypes.SweepResponse{
			ReclaimedCount: result.Reclaimed,
			RepairedCount:  result.Repaired,
			ScannedCount:   result.Scanned,
			Threshold:      threshold.String(),
		})
	}
}
