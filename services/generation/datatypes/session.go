// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures of the generation service.
//
// This file holds the persisted GenerationSession row and its status state
// machine. Request and stream types live in requests.go and events.go.
package datatypes

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// =============================================================================
// Kind
// =============================================================================

// Kind identifies which generation pipeline a session runs.
type Kind string

const (
	KindOutline           Kind = "outline"
	KindArticle           Kind = "article"
	KindSemanticAudit     Kind = "semantic-audit"
	KindFinalPolish       Kind = "final-polish"
	KindLinkOrchestration Kind = "link-orchestration"
)

// AllKinds returns every kind in pipeline order of a typical workflow.
func AllKinds() []Kind {
	return []Kind{KindOutline, KindArticle, KindSemanticAudit, KindFinalPolish, KindLinkOrchestration}
}

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a session.
//
// # Description
//
// Legal transitions:
//
//	queued         -> in_progress | failed | error | cancelled
//	in_progress    -> in_progress | awaiting_input | completed | failed | error | cancelled
//	awaiting_input -> in_progress | failed | error | cancelled
//
// completed, failed, error and cancelled are terminal. A terminal row is
// never transitioned again.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusInProgress    Status = "in_progress"
	StatusAwaitingInput Status = "awaiting_input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusError         Status = "error"
	StatusCancelled     Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusQueued: {
		StatusInProgress, StatusFailed, StatusError, StatusCancelled,
	},
	StatusInProgress: {
		StatusInProgress, StatusAwaitingInput, StatusCompleted, StatusFailed, StatusError, StatusCancelled,
	},
	StatusAwaitingInput: {
		StatusInProgress, StatusFailed, StatusError, StatusCancelled,
	},
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a session in this status still owns work.
func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusAwaitingInput:
		return true
	}
	return false
}

// IsFailure reports whether s is one of the failure-like terminal states.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusError
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(statusTransitions[s], next)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// =============================================================================
// Session row
// =============================================================================

// PhaseTimestamps holds the start/complete checkpoint times of one phase.
type PhaseTimestamps struct {
	Name        string     `json:"name"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PhaseResult is the structured payload written by one completed phase.
//
// Artifact carries the evolving text (e.g. the article after phase 1) when
// the phase produced a new version of it.
type PhaseResult struct {
	Phase       string         `json:"phase"`
	Index       int            `json:"index"`
	Output      map[string]any `json:"output,omitempty"`
	Artifact    string         `json:"artifact,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// GenerationSession is the durable record of one multi-phase generation job.
//
// # Description
//
// The row is created by the lifecycle manager in status queued, mutated
// only by the executor (phase checkpoints, completion) and by the
// reclamation sweep (forced failure, isActive repair). It is never deleted
// by the service.
//
// # Invariants
//
//   - Phase timestamps are monotonic: start <= complete <= next start.
//   - CurrentPhase only increases.
//   - On a terminal row exactly one of FinalArtifact (completed) or
//     ErrorMessage (failed, error, cancelled) is set.
//   - IsActive == Status.IsActive().
//   - InputsSnapshot never changes after creation. Supplied clarification
//     input is merged into WorkingInput instead.
//   - Version increases by one on every persisted write.
type GenerationSession struct {
	ID               string            `json:"id"`
	ParentWorkflowID string            `json:"parent_workflow_id"`
	Kind             Kind              `json:"kind"`
	Status           Status            `json:"status"`
	CurrentPhase     int               `json:"current_phase"`
	Phases           []PhaseTimestamps `json:"phases"`
	InputsSnapshot   map[string]any    `json:"inputs_snapshot"`
	WorkingInput     map[string]any    `json:"working_input,omitempty"`
	PhaseResults     []PhaseResult     `json:"phase_results"`
	FinalArtifact    *string           `json:"final_artifact,omitempty"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	ErrorDetails     map[string]any    `json:"error_details,omitempty"`
	PendingQuestion  string            `json:"pending_question,omitempty"`
	IsActive         bool              `json:"is_active"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Version          uint64            `json:"version"`
}

// EffectiveInputs returns the inputs snapshot overlaid with any input
// supplied later through ContinueSession. The result is a fresh map.
func (s *GenerationSession) EffectiveInputs() map[string]any {
	merged := make(map[string]any, len(s.InputsSnapshot)+len(s.WorkingInput))
	for k, v := range s.InputsSnapshot {
		merged[k] = v
	}
	for k, v := range s.WorkingInput {
		merged[k] = v
	}
	return merged
}

// LatestArtifact returns the most recent non-empty phase artifact, or "".
func (s *GenerationSession) LatestArtifact() string {
	for i := len(s.PhaseResults) - 1; i >= 0; i-- {
		if s.PhaseResults[i].Artifact != "" {
			return s.PhaseResults[i].Artifact
		}
	}
	return ""
}

// SetStatus moves the row to next and keeps IsActive in sync.
func (s *GenerationSession) SetStatus(next Status) {
	s.Status = next
	s.IsActive = next.IsActive()
}

// CheckInvariants validates the row against the session invariants.
//
// # Description
//
// Used by tests and by the store in debug builds to catch writers that
// produce inconsistent rows. It does not check InputsSnapshot immutability,
// which needs the previous version of the row.
//
// # Outputs
//
//   - error: The first violated invariant, or nil.
func (s *GenerationSession) CheckInvariants() error {
	if s.IsActive != s.Status.IsActive() {
		return fmt.Errorf("is_active=%v inconsistent with status %s", s.IsActive, s.Status)
	}
	if s.CurrentPhase < 0 || s.CurrentPhase > len(s.Phases) {
		return fmt.Errorf("current_phase %d out of range [0,%d]", s.CurrentPhase, len(s.Phases))
	}

	var prev *time.Time
	for i, p := range s.Phases {
		if p.StartedAt != nil && prev != nil && p.StartedAt.Before(*prev) {
			return fmt.Errorf("phase %d started before previous checkpoint", i+1)
		}
		if p.CompletedAt != nil {
			if p.StartedAt == nil {
				return fmt.Errorf("phase %d completed without start", i+1)
			}
			if p.CompletedAt.Before(*p.StartedAt) {
				return fmt.Errorf("phase %d completed before it started", i+1)
			}
			prev = p.CompletedAt
		} else if p.StartedAt != nil {
			prev = p.StartedAt
		}
	}

	if s.Status.IsTerminal() {
		hasFinal := s.FinalArtifact != nil
		hasError := s.ErrorMessage != nil
		switch {
		case s.Status == StatusCompleted && (!hasFinal || hasError):
			return fmt.Errorf("completed session must carry only final_artifact")
		case s.Status != StatusCompleted && (!hasError || hasFinal):
			return fmt.Errorf("%s session must carry only error_message", s.Status)
		}
	} else if s.FinalArtifact != nil {
		return fmt.Errorf("non-terminal session carries final_artifact")
	}
	return nil
}

// CloneInputs deep-copies a JSON-shaped input map.
//
// # Description
//
// Inputs arrive from JSON request bodies, so a JSON round-trip is an exact
// deep copy for them. Values that do not survive a round-trip are rejected
// rather than silently altered.
func CloneInputs(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("inputs are not JSON-serialisable: %w", err)
	}
	out := make(map[string]any, len(in))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("copy inputs: %w", err)
	}
	return out, nil
}
