// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"log/slog"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
)

// PhaseRequest is everything a provider needs to run one phase.
type PhaseRequest struct {
	SessionID    string
	Kind         datatypes.Kind
	Phase        string
	PhaseIndex   int
	TotalPhases  int
	Instructions string

	// ProducesArtifact is set when the phase's Text replaces the working
	// artifact.
	ProducesArtifact bool

	// Inputs is the inputs snapshot overlaid with clarification input.
	Inputs map[string]any

	// Artifact is the current working artifact (seed input or the output
	// of the last artifact-producing phase).
	Artifact string

	PriorResults []datatypes.PhaseResult
}

// PhaseOutput is a provider's answer for one phase.
//
// When NeedsInput is set the executor suspends the session in
// awaiting_input and surfaces Question to the client; Text and Structured
// are ignored.
type PhaseOutput struct {
	Text       string
	Structured map[string]any
	NeedsInput bool
	Question   string
}

// Provider generates the output of one phase.
//
// Generate must honour ctx cancellation. Any returned error fails the
// session with the kind's failure status.
type Provider interface {
	Generate(ctx context.Context, req PhaseRequest) (PhaseOutput, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req PhaseRequest) (PhaseOutput, error)

// Generate implements Provider.
func (f ProviderFunc) Generate(ctx context.Context, req PhaseRequest) (PhaseOutput, error) {
	return f(ctx, req)
}

// WorkflowWriter writes a completed session's final artifact back into its
// parent workflow record.
type WorkflowWriter interface {
	WriteFinalArtifact(ctx context.Context, session *datatypes.GenerationSession) error
}

// LogWorkflowWriter is the default WorkflowWriter. It only logs, for
// deployments where the parent workflow pulls results through the API.
type LogWorkflowWriter struct {
	Logger *slog.Logger
}

// WriteFinalArtifact implements WorkflowWriter.
func (w LogWorkflowWriter) WriteFinalArtifact(_ context.Context, session *datatypes.GenerationSession) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := 0
	if session.FinalArtifact != nil {
		size = len(*session.FinalArtifact)
	}
	logger.Info("final artifact ready for workflow",
		slog.String("workflow_id", session.ParentWorkflowID),
		slog.String("session_id", session.ID),
		slog.String("kind", string(session.Kind)),
		slog.Int("artifact_bytes", size))
	return nil
}
