// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress derives progress snapshots from stored sessions.
package progress

import (
	"context"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/phases"
	"github.com/ajaypag/guest-post-workflow/services/generation/store"
)

// Service answers progress queries. It never writes.
type Service struct {
	store  store.SessionStore
	phases *phases.Registry
}

// New creates a Service.
func New(st store.SessionStore, reg *phases.Registry) *Service {
	return &Service{store: st, phases: reg}
}

// GetProgress returns the current snapshot of a session.
//
// # Description
//
// Each call is one read of the row, so a snapshot reflects a single
// committed version, never a partial write.
//
// # Outputs
//
//   - *ProgressSnapshot: The snapshot.
//   - error: *apperrors.NotFoundError for unknown ids.
func (s *Service) GetProgress(ctx context.Context, id string) (*datatypes.ProgressSnapshot, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(sess), nil
}

// Snapshot builds the snapshot of an already loaded session.
func (s *Service) Snapshot(sess *datatypes.GenerationSession) *datatypes.ProgressSnapshot {
	total := len(sess.Phases)
	phaseName := ""
	if desc, ok := s.phases.Lookup(sess.Kind); ok {
		total = desc.TotalPhases()
		phaseName = desc.PhaseName(sess.CurrentPhase)
	}

	snap := &datatypes.ProgressSnapshot{
		SessionID:        sess.ID,
		ParentWorkflowID: sess.ParentWorkflowID,
		Kind:             sess.Kind,
		Status:           sess.Status,
		CurrentPhase:     sess.CurrentPhase,
		TotalPhases:      total,
		PhaseName:        phaseName,
		PercentComplete:  PercentComplete(sess.Status, sess.CurrentPhase, total),
		FinalArtifact:    sess.FinalArtifact,
		ErrorMessage:     sess.ErrorMessage,
		PendingQuestion:  sess.PendingQuestion,
		IsActive:         sess.IsActive,
		UpdatedAt:        sess.UpdatedAt,
		Version:          sess.Version,
	}
	if sess.Status != datatypes.StatusCompleted {
		snap.LatestArtifact = sess.LatestArtifact()
	}
	return snap
}

// PercentComplete is 0 while queued, 100 once completed, and
// currentPhase*100/total (floored, capped at 100) otherwise.
func PercentComplete(status datatypes.Status, currentPhase, total int) int {
	switch {
	case status == datatypes.StatusQueued:
		return 0
	case status == datatypes.StatusCompleted:
		return 100
	case total <= 0 || currentPhase <= 0:
		return 0
	}
	pct := currentPhase * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}
