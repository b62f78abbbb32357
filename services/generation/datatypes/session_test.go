// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// =============================================================================
// Status Tests
// =============================================================================

func TestStatus_TerminalAndActiveArePartitions(t *testing.T) {
	all := []Status{
		StatusQueued, StatusInProgress, StatusAwaitingInput,
		StatusCompleted, StatusFailed, StatusError, StatusCancelled,
	}
	for _, s := range all {
		assert.NotEqual(t, s.IsActive(), s.IsTerminal(), "status %s", s)
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("paused").Valid())
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusInProgress, true},
		{StatusInProgress, StatusAwaitingInput, true},
		{StatusAwaitingInput, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusAwaitingInput, StatusError, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusAwaitingInput, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusInProgress, false},
		{StatusCancelled, StatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

// =============================================================================
// Session Tests
// =============================================================================

func TestGenerationSession_EffectiveInputs(t *testing.T) {
	s := &GenerationSession{
		InputsSnapshot: map[string]any{"topic": "X", "tone": "formal"},
		WorkingInput:   map[string]any{"tone": "casual"},
	}

	merged := s.EffectiveInputs()
	assert.Equal(t, "X", merged["topic"])
	assert.Equal(t, "casual", merged["tone"])

	merged["topic"] = "changed"
	assert.Equal(t, "X", s.InputsSnapshot["topic"], "snapshot must not alias the merged view")
}

func TestGenerationSession_LatestArtifact(t *testing.T) {
	s := &GenerationSession{PhaseResults: []PhaseResult{
		{Phase: "planning", Artifact: "v1"},
		{Phase: "drafting", Artifact: "v2"},
		{Phase: "review"},
	}}
	assert.Equal(t, "v2", s.LatestArtifact())
	assert.Equal(t, "", (&GenerationSession{}).LatestArtifact())
}

func TestGenerationSession_CheckInvariants(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	valid := func() *GenerationSession {
		return &GenerationSession{
			Status:       StatusInProgress,
			IsActive:     true,
			CurrentPhase: 1,
			Phases: []PhaseTimestamps{
				{Name: "research", StartedAt: timePtr(t0), CompletedAt: timePtr(t0.Add(time.Minute))},
				{Name: "outline", StartedAt: timePtr(t0.Add(2 * time.Minute))},
			},
		}
	}

	t.Run("valid in progress", func(t *testing.T) {
		require.NoError(t, valid().CheckInvariants())
	})

	t.Run("is_active mismatch", func(t *testing.T) {
		s := valid()
		s.IsActive = false
		assert.ErrorContains(t, s.CheckInvariants(), "is_active")
	})

	t.Run("next phase starts before previous completes", func(t *testing.T) {
		s := valid()
		s.Phases[1].StartedAt = timePtr(t0.Add(30 * time.Second))
		assert.ErrorContains(t, s.CheckInvariants(), "phase 2 started before")
	})

	t.Run("completed needs final artifact only", func(t *testing.T) {
		s := valid()
		s.SetStatus(StatusCompleted)
		assert.Error(t, s.CheckInvariants())
		s.FinalArtifact = strPtr("done")
		assert.NoError(t, s.CheckInvariants())
		s.ErrorMessage = strPtr("also failed")
		assert.Error(t, s.CheckInvariants())
	})

	t.Run("failed needs error message only", func(t *testing.T) {
		s := valid()
		s.SetStatus(StatusFailed)
		assert.Error(t, s.CheckInvariants())
		s.ErrorMessage = strPtr("boom")
		assert.NoError(t, s.CheckInvariants())
	})
}

func TestCloneInputs(t *testing.T) {
	in := map[string]any{
		"topic": "SEO",
		"meta":  map[string]any{"keywords": []any{"a", "b"}},
	}
	out, err := CloneInputs(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out["meta"].(map[string]any)["keywords"] = nil
	assert.NotNil(t, in["meta"].(map[string]any)["keywords"])

	empty, err := CloneInputs(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)

	_, err = CloneInputs(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

// =============================================================================
// Request Validation Tests
// =============================================================================

func TestStartSessionRequest_Validate(t *testing.T) {
	ok := StartSessionRequest{Kind: KindOutline, ParentWorkflowID: "wf-1", Inputs: map[string]any{"topic": "X"}}
	assert.NoError(t, ok.Validate())

	noKind := ok
	noKind.Kind = ""
	assert.Error(t, noKind.Validate())

	unregistered := ok
	unregistered.Kind = "listicle"
	assert.NoError(t, unregistered.Validate(), "kind membership belongs to the phase registry")

	noWorkflow := ok
	noWorkflow.ParentWorkflowID = ""
	assert.Error(t, noWorkflow.Validate())

	huge := ok
	huge.Inputs = map[string]any{"article": strings.Repeat("x", MaxInputBytes+1)}
	assert.Error(t, huge.Validate())

	nilInputs := StartSessionRequest{Kind: KindOutline, ParentWorkflowID: "wf-1"}
	assert.NoError(t, nilInputs.Validate())
	assert.NotNil(t, nilInputs.Inputs)
}

func TestSweepRequest_Threshold(t *testing.T) {
	empty := SweepRequest{}
	require.NoError(t, empty.Validate())
	assert.Equal(t, 30*time.Minute, empty.ThresholdOr(30*time.Minute))

	explicit := SweepRequest{Threshold: "2h"}
	require.NoError(t, explicit.Validate())
	assert.Equal(t, 2*time.Hour, explicit.ThresholdOr(30*time.Minute))

	assert.Error(t, (&SweepRequest{Threshold: "10s"}).Validate(), "below minimum")
	assert.Error(t, (&SweepRequest{Threshold: "soon"}).Validate())
}

func TestContinueSessionRequest_Validate(t *testing.T) {
	assert.Error(t, (&ContinueSessionRequest{}).Validate())
	assert.Error(t, (&ContinueSessionRequest{Input: map[string]any{}}).Validate())
	assert.NoError(t, (&ContinueSessionRequest{Input: map[string]any{"answer": "yes"}}).Validate())
}
