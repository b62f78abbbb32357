// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle creates, resumes and cancels generation sessions.
//
// # Description
//
// The Manager is the only component that creates session rows. It validates
// start inputs against the phase table before anything is written, so a
// rejected start leaves no trace in the store. Accepted sessions are handed
// to a Launcher (the executor) without waiting for generation.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/observability"
	"github.com/ajaypag/guest-post-workflow/services/generation/phases"
	"github.com/ajaypag/guest-post-workflow/services/generation/store"
	"github.com/google/uuid"
)

// CancelledMessage is the error message recorded on cancelled sessions.
const CancelledMessage = "Session cancelled"

// Launcher schedules a session's pipeline without blocking.
type Launcher interface {
	Launch(sessionID string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager implements the session lifecycle operations.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	store    store.SessionStore
	phases   *phases.Registry
	launcher Launcher
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	newID    func() string
}

// New creates a Manager.
func New(st store.SessionStore, reg *phases.Registry, launcher Launcher, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		phases:   reg,
		launcher: launcher,
		logger:   slog.Default(),
		metrics:  observability.DefaultMetrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession validates inputs, persists a queued session and launches it.
//
// # Description
//
// Validation covers the workflow id, the kind, and every input the kind
// requires. On any validation failure no row is written. The inputs are
// deep-copied into the row's immutable InputsSnapshot.
//
// # Outputs
//
//   - string: The new session id.
//   - error: *apperrors.ValidationError, or a storage/launch error.
//
// # Examples
//
//	id, err := mgr.StartSession(ctx, datatypes.KindOutline, "wf-1", map[string]any{"topic": "X"})
func (m *Manager) StartSession(ctx context.Context, kind datatypes.Kind, parentWorkflowID string, inputs map[string]any) (string, error) {
	if strings.TrimSpace(parentWorkflowID) == "" {
		return "", apperrors.NewValidationError("parent_workflow_id", "is required")
	}
	desc, err := m.phases.MustLookup(kind)
	if err != nil {
		return "", err
	}
	if err := desc.ValidateInputs(inputs); err != nil {
		return "", err
	}
	snapshot, err := datatypes.CloneInputs(inputs)
	if err != nil {
		return "", apperrors.NewValidationError("inputs", err.Error())
	}

	now := m.now().UTC()
	sess := &datatypes.GenerationSession{
		ID:               m.newID(),
		ParentWorkflowID: parentWorkflowID,
		Kind:             kind,
		Status:           datatypes.StatusQueued,
		IsActive:         true,
		InputsSnapshot:   snapshot,
		PhaseResults:     []datatypes.PhaseResult{},
		StartedAt:        now,
		CreatedAt:        now,
	}
	for _, name := range desc.PhaseNames() {
		sess.Phases = append(sess.Phases, datatypes.PhaseTimestamps{Name: name})
	}

	if err := m.store.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	m.metrics.RecordSessionStarted(string(kind))

	logger := m.logger.With(
		slog.String("session_id", sess.ID),
		slog.String("workflow_id", parentWorkflowID),
		slog.String("kind", string(kind)))

	if err := m.launcher.Launch(sess.ID); err != nil {
		logger.Error("session created but not launched", slog.String("error", err.Error()))
		m.markLaunchFailure(ctx, sess.ID, desc, err)
		return "", fmt.Errorf("launch session %s: %w", sess.ID, err)
	}

	logger.Info("session started")
	return sess.ID, nil
}

// markLaunchFailure terminates a row that no executor will ever pick up.
func (m *Manager) markLaunchFailure(ctx context.Context, id string, desc *phases.Descriptor, cause error) {
	_, err := m.store.Update(context.WithoutCancel(ctx), id, func(s *datatypes.GenerationSession) error {
		if s.Status.IsTerminal() {
			return store.ErrSkipUpdate
		}
		genErr := apperrors.NewGenerationError(desc.PhaseName(s.CurrentPhase), s.CurrentPhase, cause)
		msg := genErr.Error()
		now := m.now().UTC()
		s.SetStatus(datatypes.StatusError)
		s.ErrorMessage = &msg
		s.ErrorDetails = genErr.Details()
		s.FailedAt = &now
		return nil
	})
	if err != nil {
		m.logger.Error("could not record launch failure",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
}

// ContinueSession resumes a session that is waiting for clarification.
//
// # Description
//
// The transition awaiting_input -> in_progress is a conditional write: of
// two concurrent submissions exactly one succeeds and the other receives a
// ConflictError. Supplied input is merged into WorkingInput, later keys
// winning; InputsSnapshot is not touched.
//
// # Outputs
//
//   - *GenerationSession: The row as written (status in_progress).
//   - error: ValidationError for empty input, NotFoundError, ConflictError.
func (m *Manager) ContinueSession(ctx context.Context, id string, supplied map[string]any) (*datatypes.GenerationSession, error) {
	if len(supplied) == 0 {
		return nil, apperrors.NewValidationError("input", "must not be empty")
	}
	input, err := datatypes.CloneInputs(supplied)
	if err != nil {
		return nil, apperrors.NewValidationError("input", err.Error())
	}

	sess, err := m.store.Update(ctx, id, func(s *datatypes.GenerationSession) error {
		if s.Status != datatypes.StatusAwaitingInput {
			return apperrors.NewConflictError("session", id, string(s.Status), "session is not awaiting input")
		}
		if s.WorkingInput == nil {
			s.WorkingInput = make(map[string]any, len(input))
		}
		for k, v := range input {
			s.WorkingInput[k] = v
		}
		s.PendingQuestion = ""
		s.SetStatus(datatypes.StatusInProgress)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.launcher.Launch(id); err != nil {
		desc, _ := m.phases.MustLookup(sess.Kind)
		if desc != nil {
			m.markLaunchFailure(ctx, id, desc, err)
		}
		return nil, fmt.Errorf("relaunch session %s: %w", id, err)
	}

	m.logger.Info("session continued",
		slog.String("session_id", id),
		slog.Int("phase_index", sess.CurrentPhase))
	return sess, nil
}

// CancelSession terminates an active session with status cancelled.
//
// # Description
//
// An in-flight provider call is not interrupted; the executor observes the
// terminal row at its next checkpoint and stops without writing.
//
// # Outputs
//
//   - *GenerationSession: The cancelled row.
//   - error: NotFoundError, or ConflictError if the session is terminal.
func (m *Manager) CancelSession(ctx context.Context, id string) (*datatypes.GenerationSession, error) {
	sess, err := m.store.Update(ctx, id, func(s *datatypes.GenerationSession) error {
		if s.Status.IsTerminal() {
			return apperrors.NewConflictError("session", id, string(s.Status), "session already finished")
		}
		msg := CancelledMessage
		s.SetStatus(datatypes.StatusCancelled)
		s.ErrorMessage = &msg
		s.ErrorDetails = map[string]any{"reason": "cancelled"}
		s.PendingQuestion = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.RecordSessionFinished(string(sess.Kind), string(datatypes.StatusCancelled))
	m.logger.Info("session cancelled", slog.String("session_id", id))
	return sess, nil
}

// GetSession returns the full session row.
func (m *Manager) GetSession(ctx context.Context, id string) (*datatypes.GenerationSession, error) {
	return m.store.Get(ctx, id)
}

// ListSessions returns a workflow's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, parentWorkflowID string, activeOnly bool) ([]*datatypes.GenerationSession, error) {
	if strings.TrimSpace(parentWorkflowID) == "" {
		return nil, apperrors.NewValidationError("workflow_id", "is required")
	}
	return m.store.List(ctx, store.ListFilter{
		ParentWorkflowID: parentWorkflowID,
		ActiveOnly:       activeOnly,
	})
}

// AwaitSettled polls a session until it leaves the running states
// (queued, in_progress) or ctx is done.
//
// # Description
//
// Used by the continue endpoint to return the final artifact when the
// resumed pipeline finishes quickly. On ctx expiry the latest observed row
// is returned with a nil error: a still-running session is not a failure.
func (m *Manager) AwaitSettled(ctx context.Context, id string, interval time.Duration) (*datatypes.GenerationSession, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *datatypes.GenerationSession
	for {
		sess, err := m.store.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		last = sess
		if sess.Status != datatypes.StatusQueued && sess.Status != datatypes.StatusInProgress {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}
	}
}
