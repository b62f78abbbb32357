// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP endpoints of the generation service.
//
// Handlers are constructors returning gin.HandlerFunc closures over the
// collaborators they need. Collaborators are accepted as the narrow
// interfaces declared here so tests can substitute fakes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/gin-gonic/gin"
)

// SessionService is the lifecycle surface the session endpoints use.
type SessionService interface {
	StartSession(ctx context.Context, kind datatypes.Kind, parentWorkflowID string, inputs map[string]any) (string, error)
	ContinueSession(ctx context.Context, id string, supplied map[string]any) (*datatypes.GenerationSession, error)
	CancelSession(ctx context.Context, id string) (*datatypes.GenerationSession, error)
	GetSession(ctx context.Context, id string) (*datatypes.GenerationSession, error)
	ListSessions(ctx context.Context, parentWorkflowID string, activeOnly bool) ([]*datatypes.GenerationSession, error)
	AwaitSettled(ctx context.Context, id string, interval time.Duration) (*datatypes.GenerationSession, error)
}

// ProgressService answers progress queries.
type ProgressService interface {
	GetProgress(ctx context.Context, id string) (*datatypes.ProgressSnapshot, error)
}

// ContinueConfig bounds how long the continue endpoint waits for the
// resumed pipeline before answering.
//
// # Fields
//
//   - Wait: Upper bound on the wait. Zero answers immediately.
//   - PollInterval: Store polling cadence while waiting.
type ContinueConfig struct {
	Wait         time.Duration
	PollInterval time.Duration
}

// StartSession handles POST /v1/sessions.
//
// # Description
//
// Validates the body, creates a queued session and returns 202 with its id.
// Generation continues in the background; clients follow it through the
// progress or stream endpoints.
//
// # Outputs
//
//   - 202: StartSessionResponse.
//   - 400: Unknown kind, missing workflow id or missing required inputs.
func StartSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.StartSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, asValidationError(err))
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, asValidationError(err))
			return
		}

		id, err := svc.StartSession(c.Request.Context(), req.Kind, req.ParentWorkflowID, req.Inputs)
		if err != nil {
			respondError(c, err)
			return
		}

		slog.Info("generation session accepted",
			"session_id", id,
			"kind", req.Kind,
			"parent_workflow_id", req.ParentWorkflowID)
		c.JSON(http.StatusAccepted, datatypes.StartSessionResponse{
			SessionID: id,
			Status:    datatypes.StatusQueued,
		})
	}
}

// GetProgress handles GET /v1/sessions/:id/progress.
func GetProgress(svc ProgressService) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.GetProgress(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetSession handles GET /v1/sessions/:id and returns the full row,
// including phase results and error details.
func GetSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// ListWorkflowSessions handles GET /v1/workflows/:workflowId/sessions.
//
// The optional query parameter active=true restricts the list to sessions
// that are still queued, running or waiting for input.
func ListWorkflowSessions(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly := false
		if raw := c.Query("active"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				respondError(c, apperrors.NewValidationError("active", "must be a boolean"))
				return
			}
			activeOnly = v
		}

		workflowID := c.Param("workflowId")
		sessions, err := svc.ListSessions(c.Request.Context(), workflowID, activeOnly)
		if err != nil {
			respondError(c, err)
			return
		}
		if sessions == nil {
			sessions = []*datatypes.GenerationSession{}
		}
		c.JSON(http.StatusOK, gin.H{
			"parent_workflow_id": workflowID,
			"sessions":           sessions,
			"count":              len(sessions),
		})
	}
}

// ContinueSession handles POST /v1/sessions/:id/continue.
//
// # Description
//
// Supplies the input a suspended session asked for and resumes it. When
// cfg.Wait is positive the handler waits up to that long for the pipeline
// to settle so short resumptions answer with the final artifact directly.
//
// # Outputs
//
//   - 200: ContinueSessionResponse. FinalArtifact is set if the session
//     completed within the wait.
//   - 400: Empty input.
//   - 404: Unknown session.
//   - 409: Session is not awaiting input.
func ContinueSession(svc SessionService, cfg ContinueConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ContinueSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, asValidationError(err))
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, asValidationError(err))
			return
		}

		id := c.Param("id")
		sess, err := svc.ContinueSession(c.Request.Context(), id, req.Input)
		if err != nil {
			respondError(c, err)
			return
		}

		if cfg.Wait > 0 {
			interval := cfg.PollInterval
			if interval <= 0 {
				interval = 250 * time.Millisecond
			}
			waitCtx, cancel := context.WithTimeout(c.Request.Context(), cfg.Wait)
			settled, err := svc.AwaitSettled(waitCtx, id, interval)
			cancel()
			if err != nil {
				respondError(c, err)
				return
			}
			sess = settled
		}

		c.JSON(http.StatusOK, datatypes.ContinueSessionResponse{
			SessionID:     sess.ID,
			Status:        sess.Status,
			FinalArtifact: sess.FinalArtifact,
			ErrorMessage:  sess.ErrorMessage,
		})
	}
}

// CancelSession handles POST /v1/sessions/:id/cancel.
//
// # Outputs
//
//   - 200: Session id and status "cancelled".
//   - 404: Unknown session.
//   - 409: Session already reached a terminal status.
func CancelSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.CancelSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sess.ID,
			"status":     sess.Status,
		})
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
