// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package writeback delivers finished artifacts to the parent workflow.
package writeback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/cenkalti/backoff/v5"
)

// Payload is the JSON body posted to the workflow callback.
type Payload struct {
	WorkflowID    string         `json:"workflow_id"`
	SessionID     string         `json:"session_id"`
	Kind          datatypes.Kind `json:"kind"`
	FinalArtifact string         `json:"final_artifact"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// WebhookConfig configures a WebhookWriter.
//
// # Fields
//
//   - URL: Callback endpoint. Required.
//   - Token: Sent as a bearer token when set.
//   - MaxTries: Attempts before giving up. Default: 3.
//   - Client: HTTP client. Default: 10s timeout.
type WebhookConfig struct {
	URL      string
	Token    string
	MaxTries uint
	Client   *http.Client
}

// WebhookWriter posts the final artifact of a completed session to the
// workflow application. It implements executor.WorkflowWriter.
//
// 5xx responses and transport errors are retried with exponential backoff;
// 4xx responses are not.
type WebhookWriter struct {
	cfg     WebhookConfig
	backoff func() backoff.BackOff
}

// NewWebhookWriter creates a WebhookWriter.
func NewWebhookWriter(cfg WebhookConfig) (*WebhookWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookWriter{
		cfg: cfg,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}, nil
}

// WriteFinalArtifact posts the session's final artifact.
func (w *WebhookWriter) WriteFinalArtifact(ctx context.Context, session *datatypes.GenerationSession) error {
	if session.FinalArtifact == nil {
		return fmt.Errorf("session %s has no final artifact", session.ID)
	}
	body, err := json.Marshal(Payload{
		WorkflowID:    session.ParentWorkflowID,
		SessionID:     session.ID,
		Kind:          session.Kind,
		FinalArtifact: *session.FinalArtifact,
		CompletedAt:   session.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal write-back payload: %w", err)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, w.post(ctx, body)
	}, backoff.WithBackOff(w.backoff()), backoff.WithMaxTries(w.cfg.MaxTries))
	if err != nil {
		return fmt.Errorf("write-back after %d attempt(s): %w", attempt, err)
	}

	slog.Info("final artifact written back",
		"workflow_id", session.ParentWorkflowID,
		"session_id", session.ID,
		"attempts", attempt)
	return nil
}

func (w *WebhookWriter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("workflow callback returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("workflow callback rejected artifact: %d", resp.StatusCode))
	}
}
