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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/observability"
	"github.com/ajaypag/guest-post-workflow/services/generation/phases"
	"github.com/ajaypag/guest-post-workflow/services/generation/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test helpers
// =============================================================================

type recordingWriter struct {
	mu       sync.Mutex
	sessions []*datatypes.GenerationSession
}

func (w *recordingWriter) WriteFinalArtifact(_ context.Context, s *datatypes.GenerationSession) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions = append(w.sessions, s)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// echoPhases answers every phase with "<phase>:<artifact>".
func echoPhases() ProviderFunc {
	return func(_ context.Context, req PhaseRequest) (PhaseOutput, error) {
		return PhaseOutput{
			Text:       fmt.Sprintf("%s:%s", req.Phase, req.Artifact),
			Structured: map[string]any{"phase": req.Phase},
		}, nil
	}
}

type harness struct {
	store   *store.BadgerStore
	phases  *phases.Registry
	exec    *Executor
	writer  *recordingWriter
	metrics *observability.Metrics
}

func newHarness(t *testing.T, provider Provider, cfg Config) *harness {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)

	h := &harness{
		store:   st,
		phases:  phases.Default(),
		writer:  &recordingWriter{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.exec = New(st, h.phases, provider, cfg,
		WithWorkflowWriter(h.writer),
		WithMetrics(h.metrics))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.exec.Shutdown(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) createSession(t *testing.T, kind datatypes.Kind, inputs map[string]any) string {
	t.Helper()
	desc, ok := h.phases.Lookup(kind)
	require.True(t, ok)

	now := time.Now().UTC()
	s := &datatypes.GenerationSession{
		ID:               uuid.NewString(),
		ParentWorkflowID: "wf-test",
		Kind:             kind,
		Status:           datatypes.StatusQueued,
		IsActive:         true,
		InputsSnapshot:   inputs,
		StartedAt:        now,
		CreatedAt:        now,
	}
	for _, name := range desc.PhaseNames() {
		s.Phases = append(s.Phases, datatypes.PhaseTimestamps{Name: name})
	}
	require.NoError(t, h.store.Create(context.Background(), s))
	return s.ID
}

func (h *harness) waitForStatus(t *testing.T, id string, want datatypes.Status) *datatypes.GenerationSession {
	t.Helper()
	var last *datatypes.GenerationSession
	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond, "session %s never reached %s", id, want)
	return last
}

// =============================================================================
// Tests
// =============================================================================

func TestExecutor_CompletesPipeline(t *testing.T) {
	h := newHarness(t, echoPhases(), DefaultConfig())
	id := h.createSession(t, datatypes.KindOutline, map[string]any{"topic": "X"})

	require.NoError(t, h.exec.Launch(id))
	s := h.waitForStatus(t, id, datatypes.StatusCompleted)

	require.NotNil(t, s.FinalArtifact)
	assert.Equal(t, "outline:", *s.FinalArtifact)
	assert.Nil(t, s.ErrorMessage)
	assert.False(t, s.IsActive)
	assert.NotNil(t, s.CompletedAt)
	assert.Equal(t, 2, s.CurrentPhase)
	require.Len(t, s.PhaseResults, 2)
	assert.Equal(t, "research:", s.PhaseResults[0].Output["text"])
	require.NoError(t, s.CheckInvariants())

	for i, p := range s.Phases {
		require.NotNil(t, p.StartedAt, "phase %d start", i)
		require.NotNil(t, p.CompletedAt, "phase %d complete", i)
	}

	require.Eventually(t, func() bool { return h.writer.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsFinished.WithLabelValues("outline", "completed")))
}

func TestExecutor_ArtifactEvolvesFromSeed(t *testing.T) {
	h := newHarness(t, echoPhases(), DefaultConfig())
	id := h.createSession(t, datatypes.KindFinalPolish, map[string]any{"article": "draft"})

	require.NoError(t, h.exec.Launch(id))
	s := h.waitForStatus(t, id, datatypes.StatusCompleted)

	assert.Equal(t, "finalize:cleanup:proceed:draft", *s.FinalArtifact)
	assert.Equal(t, "proceed:draft", s.PhaseResults[0].Artifact)
}

func TestExecutor_ProviderErrorStopsPipeline(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(_ context.Context, req PhaseRequest) (PhaseOutput, error) {
		calls.Add(1)
		if req.Phase == "drafting" {
			return PhaseOutput{}, errors.New("provider 503")
		}
		return PhaseOutput{Text: "plan"}, nil
	})
	h := newHarness(t, provider, DefaultConfig())
	id := h.createSession(t, datatypes.KindArticle, map[string]any{"outline": "o"})

	require.NoError(t, h.exec.Launch(id))
	s := h.waitForStatus(t, id, datatypes.StatusFailed)

	require.NotNil(t, s.ErrorMessage)
	assert.Equal(t, "phase 2 (drafting) failed: provider 503", *s.ErrorMessage)
	assert.Equal(t, "drafting", s.ErrorDetails["phase"])
	assert.Nil(t, s.FinalArtifact)
	assert.NotNil(t, s.FailedAt)
	assert.False(t, s.IsActive)
	assert.Len(t, s.PhaseResults, 1, "earlier checkpoints survive")
	assert.NotNil(t, s.Phases[0].CompletedAt)
	assert.NotNil(t, s.Phases[1].StartedAt)
	assert.Nil(t, s.Phases[1].CompletedAt)
	assert.Equal(t, int32(2), calls.Load(), "no phase runs after a failure")
}

func TestExecutor_FailureStatusFollowsKind(t *testing.T) {
	provider := ProviderFunc(func(context.Context, PhaseRequest) (PhaseOutput, error) {
		return PhaseOutput{}, errors.New("nope")
	})
	h := newHarness(t, provider, DefaultConfig())
	id := h.createSession(t, datatypes.KindSemanticAudit, map[string]any{"article": "a"})

	require.NoError(t, h.exec.Launch(id))
	h.waitForStatus(t, id, datatypes.StatusError)
}

func TestExecutor_SuspendsAndResumes(t *testing.T) {
	provider := ProviderFunc(func(_ context.Context, req PhaseRequest) (PhaseOutput, error) {
		if req.Phase == "outline" && req.Inputs["audience"] == nil {
			return PhaseOutput{NeedsInput: true, Question: "Who is the audience?"}, nil
		}
		return PhaseOutput{Text: fmt.Sprintf("%s for %v", req.Phase, req.Inputs["audience"])}, nil
	})
	h := newHarness(t, provider, DefaultConfig())
	id := h.createSession(t, datatypes.KindOutline, map[string]any{"topic": "X"})

	require.NoError(t, h.exec.Launch(id))
	s := h.waitForStatus(t, id, datatypes.StatusAwaitingInput)
	assert.Equal(t, "Who is the audience?", s.PendingQuestion)
	assert.Equal(t, 1, s.CurrentPhase)
	assert.True(t, s.IsActive)

	_, err := h.store.Update(context.Background(), id, func(s *datatypes.GenerationSession) error {
		s.WorkingInput = map[string]any{"audience": "marketers"}
		s.PendingQuestion = ""
		s.SetStatus(datatypes.StatusInProgress)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.exec.Launch(id))
	s = h.waitForStatus(t, id, datatypes.StatusCompleted)
	assert.Equal(t, "outline for marketers", *s.FinalArtifact)
	assert.Equal(t, "X", s.InputsSnapshot["topic"])
	assert.Nil(t, s.InputsSnapshot["audience"], "snapshot is never modified")
}

func TestExecutor_AbandonsWhenSweptMidPhase(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	provider := ProviderFunc(func(_ context.Context, req PhaseRequest) (PhaseOutput, error) {
		entered <- struct{}{}
		<-release
		return PhaseOutput{Text: "late"}, nil
	})
	h := newHarness(t, provider, DefaultConfig())
	id := h.createSession(t, datatypes.KindOutline, map[string]any{"topic": "X"})

	require.NoError(t, h.exec.Launch(id))
	<-entered

	msg := "Session timed out after 30 minutes"
	_, err := h.store.Update(context.Background(), id, func(s *datatypes.GenerationSession) error {
		now := time.Now().UTC()
		s.SetStatus(datatypes.StatusFailed)
		s.ErrorMessage = &msg
		s.FailedAt = &now
		return nil
	})
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return h.exec.Running() == 0 }, 2*time.Second, 10*time.Millisecond)

	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, s.Status)
	assert.Equal(t, msg, *s.ErrorMessage)
	assert.Nil(t, s.FinalArtifact)
	assert.Empty(t, s.PhaseResults, "late provider output must not be checkpointed")
}

func TestExecutor_RecoversFromPanic(t *testing.T) {
	provider := ProviderFunc(func(context.Context, PhaseRequest) (PhaseOutput, error) {
		panic("provider bug")
	})
	h := newHarness(t, provider, DefaultConfig())
	id := h.createSession(t, datatypes.KindOutline, map[string]any{"topic": "X"})

	require.NoError(t, h.exec.Launch(id))
	s := h.waitForStatus(t, id, datatypes.StatusFailed)
	assert.Contains(t, *s.ErrorMessage, "internal error: provider bug")
}

func TestExecutor_PhaseTimeout(t *testing.T) {
	provider := ProviderFunc(func(ctx context.Context, _ PhaseRequest) (PhaseOutput, error) {
		<-ctx.Done()
		return PhaseOutput{}, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.PhaseTimeout = 20 * time.Millisecond
	h := newHarness(t, provider, cfg)
	id := h.createSession(t, datatypes.KindOutline, map[string]any{"topic": "X"})

	require.NoError(t, h.exec.Launch(id))
	s := h.waitForStatus(t, id, datatypes.StatusFailed)
	assert.Contains(t, *s.ErrorMessage, context.DeadlineExceeded.Error())
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	provider := ProviderFunc(func(context.Context, PhaseRequest) (PhaseOutput, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return PhaseOutput{Text: "ok"}, nil
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	h := newHarness(t, provider, cfg)

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = h.createSession(t, datatypes.KindOutline, map[string]any{"topic": "X"})
		require.NoError(t, h.exec.Launch(ids[i]))
	}
	for _, id := range ids {
		h.waitForStatus(t, id, datatypes.StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_ShutdownRejectsLaunch(t *testing.T) {
	h := newHarness(t, echoPhases(), DefaultConfig())
	require.NoError(t, h.exec.Shutdown(context.Background()))
	assert.ErrorIs(t, h.exec.Launch("any"), ErrShuttingDown)
}

func TestExecutor_IgnoresTerminalSession(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context, PhaseRequest) (PhaseOutput, error) {
		calls.Add(1)
		return PhaseOutput{Text: "x"}, nil
	})
	h := newHarness(t, provider, DefaultConfig())
	id := h.createSession(t, datatypes.KindOutline, map[string]any{"topic": "X"})

	msg := "Session cancelled"
	_, err := h.store.Update(context.Background(), id, func(s *datatypes.GenerationSession) error {
		s.SetStatus(datatypes.StatusCancelled)
		s.ErrorMessage = &msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.exec.Launch(id))
	require.NoError(t, h.exec.Shutdown(context.Background()))
	assert.Equal(t, int32(0), calls.Load())
}
