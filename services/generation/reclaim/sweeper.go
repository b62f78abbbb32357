// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reclaim terminates generation sessions that got stuck.
//
// # Description
//
// A session whose pipeline died with the process (crash, redeploy) stays
// active forever unless something fails it. The Sweeper does that: every
// active session started longer ago than a threshold is moved to its kind's
// failure status with a timeout message. The same pass repairs terminal
// rows that still claim to be active.
//
// Both writes are conditional on the row still qualifying at commit time,
// so a sweep racing the executor never overwrites a session that has just
// completed, and running Sweep twice reclaims nothing the second time.
package reclaim

import (
	"context"
	"log/slog"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/observability"
	"github.com/ajaypag/guest-post-workflow/services/generation/phases"
	"github.com/ajaypag/guest-post-workflow/services/generation/store"
)

// DefaultThreshold is the age after which an active session is stale.
const DefaultThreshold = 30 * time.Minute

var activeStatuses = []datatypes.Status{
	datatypes.StatusQueued,
	datatypes.StatusInProgress,
	datatypes.StatusAwaitingInput,
}

// Trigger labels what started a sweep.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerAPI       Trigger = "api"
	TriggerCLI       Trigger = "cli"
)

// SweepResult summarises one sweep.
type SweepResult struct {
	Trigger      Trigger
	Threshold    time.Duration
	Scanned      int
	Reclaimed    int
	Repaired     int
	ReclaimedIDs []string
	StartTime    time.Time
	EndTime      time.Time
}

// DurationMs returns the sweep duration in milliseconds.
func (r SweepResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// AuditSink receives one record per modified session and one per sweep.
type AuditSink interface {
	RecordSession(op Operation, before *datatypes.GenerationSession, after *datatypes.GenerationSession) error
	RecordSweep(result SweepResult) error
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithAudit sets the audit sink.
func WithAudit(a AuditSink) Option {
	return func(s *Sweeper) { s.audit = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper reclaims stale sessions.
//
// Thread Safety: Safe for concurrent use, including concurrent sweeps.
type Sweeper struct {
	store   store.SessionStore
	phases  *phases.Registry
	logger  *slog.Logger
	metrics *observability.Metrics
	audit   AuditSink
	now     func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(st store.SessionStore, reg *phases.Registry, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:   st,
		phases:  reg,
		logger:  slog.Default(),
		metrics: observability.DefaultMetrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep fails every session in an active status started before
// now-threshold, selected by status rather than by is_active, and clears
// is_active on terminal rows that still carry it.
//
// # Description
//
// Reclaimed sessions get the kind's failure status, the message
// "Session timed out after <threshold>", FailedAt=now and
// ErrorDetails{reason: timeout}. Repaired rows change only is_active.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - threshold: Staleness threshold. Must be positive.
//   - trigger: Label for metrics and audit.
//
// # Outputs
//
//   - SweepResult: Counts of scanned, reclaimed and repaired rows.
//   - error: ValidationError for a non-positive threshold, or a storage
//     error. Per-row failures are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration, trigger Trigger) (SweepResult, error) {
	result := SweepResult{Trigger: trigger, Threshold: threshold, StartTime: s.now()}
	if threshold <= 0 {
		return result, apperrors.NewValidationError("threshold", "must be positive")
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		return result, err
	}
	result.Scanned = len(candidates)

	cutoff := s.now().UTC().Add(-threshold)
	timeout := apperrors.NewTimeoutError(threshold)
	reclaimedByKind := make(map[string]int)

	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		switch {
		case cand.Status.IsTerminal():
			if s.repair(ctx, cand) {
				result.Repaired++
			}
		case cand.StartedAt.Before(cutoff):
			if s.reclaim(ctx, cand, cutoff, timeout) {
				result.Reclaimed++
				result.ReclaimedIDs = append(result.ReclaimedIDs, cand.ID)
				reclaimedByKind[string(cand.Kind)]++
			}
		}
	}

	result.EndTime = s.now()
	s.metrics.RecordSweep(string(trigger), reclaimedByKind, result.Repaired)
	s.refreshStatusGauge(ctx)

	if result.Reclaimed > 0 || result.Repaired > 0 {
		s.logger.Info("reclamation sweep completed",
			slog.String("trigger", string(trigger)),
			slog.String("threshold", threshold.String()),
			slog.Int("scanned", result.Scanned),
			slog.Int("reclaimed", result.Reclaimed),
			slog.Int("repaired", result.Repaired),
			slog.Int64("duration_ms", result.DurationMs()))
	} else {
		s.logger.Debug("reclamation sweep completed (nothing stale)",
			slog.String("trigger", string(trigger)),
			slog.Int("scanned", result.Scanned))
	}
	if s.audit != nil {
		if err := s.audit.RecordSweep(result); err != nil {
			s.logger.Warn("sweep audit write failed", slog.String("error", err.Error()))
		}
	}
	return result, ctx.Err()
}

// candidates returns every row in an active status, whatever its is_active
// flag says, plus terminal rows that still carry the flag.
func (s *Sweeper) candidates(ctx context.Context) ([]*datatypes.GenerationSession, error) {
	active, err := s.store.List(ctx, store.ListFilter{Statuses: activeStatuses})
	if err != nil {
		return nil, err
	}
	flagged, err := s.store.List(ctx, store.ListFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, sess := range flagged {
		if sess.Status.IsTerminal() {
			active = append(active, sess)
		}
	}
	return active, nil
}

func (s *Sweeper) reclaim(ctx context.Context, cand *datatypes.GenerationSession, cutoff time.Time, timeout *apperrors.TimeoutError) bool {
	var (
		wrote  bool
		before datatypes.GenerationSession
	)
	after, err := s.store.Update(ctx, cand.ID, func(sess *datatypes.GenerationSession) error {
		wrote = false
		if !sess.Status.IsActive() || !sess.StartedAt.Before(cutoff) {
			return store.ErrSkipUpdate
		}
		before = *sess

		status := datatypes.StatusFailed
		if desc, ok := s.phases.Lookup(sess.Kind); ok {
			status = desc.FailureStatus
		}
		msg := timeout.Error()
		now := s.now().UTC()

		sess.SetStatus(status)
		sess.ErrorMessage = &msg
		sess.ErrorDetails = map[string]any{
			"reason":     "timeout",
			"threshold":  timeout.Threshold.String(),
			"last_phase": sess.CurrentPhase,
		}
		sess.FinalArtifact = nil
		sess.PendingQuestion = ""
		sess.FailedAt = &now
		wrote = true
		return nil
	})
	if err != nil {
		s.logger.Error("could not reclaim session",
			slog.String("session_id", cand.ID),
			slog.String("error", err.Error()))
		return false
	}
	if !wrote {
		return false
	}

	s.logger.Info("session reclaimed",
		slog.String("session_id", cand.ID),
		slog.String("kind", string(cand.Kind)),
		slog.String("previous_status", string(before.Status)),
		slog.String("status", string(after.Status)))
	s.metrics.RecordSessionFinished(string(after.Kind), string(after.Status))
	s.auditSession(OpReclaim, &before, after)
	return true
}

func (s *Sweeper) repair(ctx context.Context, cand *datatypes.GenerationSession) bool {
	var (
		wrote  bool
		before datatypes.GenerationSession
	)
	after, err := s.store.Update(ctx, cand.ID, func(sess *datatypes.GenerationSession) error {
		wrote = false
		if !sess.Status.IsTerminal() || !sess.IsActive {
			return store.ErrSkipUpdate
		}
		before = *sess
		sess.IsActive = false
		wrote = true
		return nil
	})
	if err != nil {
		s.logger.Error("could not repair session",
			slog.String("session_id", cand.ID),
			slog.String("error", err.Error()))
		return false
	}
	if !wrote {
		return false
	}
	s.logger.Info("session is_active repaired",
		slog.String("session_id", cand.ID),
		slog.String("status", string(after.Status)))
	s.auditSession(OpRepair, &before, after)
	return true
}

func (s *Sweeper) refreshStatusGauge(ctx context.Context) {
	if s.metrics == nil || ctx.Err() != nil {
		return
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("could not count sessions by status", slog.String("error", err.Error()))
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	s.metrics.SetSessionsByStatus(byStatus)
}

func (s *Sweeper) auditSession(op Operation, before, after *datatypes.GenerationSession) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordSession(op, before, after); err != nil {
		s.logger.Warn("session audit write failed",
			slog.String("session_id", after.ID),
			slog.String("error", err.Error()))
	}
}
