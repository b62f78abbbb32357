// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs the phase pipeline of a generation session in the
// background.
//
// # Description
//
// Launch hands a session id to a supervised goroutine and returns at once.
// The goroutine walks the kind's phases from the row's CurrentPhase,
// checkpointing before and after every provider call:
//
//	start checkpoint -> provider call -> completion checkpoint -> next phase
//
// Every write is a conditional single-row update. If the row has moved on
// (the sweep failed it, a client cancelled it, another run already
// checkpointed the phase) the write is abandoned and the pipeline stops
// without touching the row. This closes the race between the executor and
// the reclamation sweep: whichever commits first wins and the other
// observes a terminal row.
//
// # Failure Semantics
//
// Phases are at-least-once. A crash mid-phase leaves the start checkpoint
// without a completion; nothing resumes it and the reclamation sweep
// eventually times it out.
//
// # Thread Safety
//
// Executor is safe for concurrent use.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/observability"
	"github.com/ajaypag/guest-post-workflow/services/generation/phases"
	"github.com/ajaypag/guest-post-workflow/services/generation/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Launch after Shutdown has been called.
var ErrShuttingDown = errors.New("executor is shutting down")

// errAbandoned aborts a conditional write whose precondition no longer holds.
var errAbandoned = errors.New("session no longer runnable by this pipeline")

const (
	defaultMaxConcurrent   = 8
	defaultPhaseTimeout    = 10 * time.Minute
	defaultWriteBackTimout = 30 * time.Second
	shutdownGrace          = 5 * time.Second

	defaultClarification = "Additional input is required to continue."
)

// Config configures an Executor.
type Config struct {
	// MaxConcurrent bounds the number of pipelines running at once.
	// Launches beyond the bound wait for a slot. Default: 8.
	MaxConcurrent int64

	// PhaseTimeout bounds a single provider call. Default: 10m. Negative
	// disables the bound.
	PhaseTimeout time.Duration

	// WriteBackTimeout bounds the WorkflowWriter call. Default: 30s.
	WriteBackTimeout time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    defaultMaxConcurrent,
		PhaseTimeout:     defaultPhaseTimeout,
		WriteBackTimeout: defaultWriteBackTimout,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.PhaseTimeout == 0 {
		c.PhaseTimeout = defaultPhaseTimeout
	}
	if c.WriteBackTimeout <= 0 {
		c.WriteBackTimeout = defaultWriteBackTimout
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkflowWriter sets the collaborator that receives final artifacts.
func WithWorkflowWriter(w WorkflowWriter) Option {
	return func(e *Executor) { e.writer = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides time.Now for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// Executor runs session pipelines in supervised goroutines.
type Executor struct {
	store    store.SessionStore
	phases   *phases.Registry
	provider Provider
	writer   WorkflowWriter
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	running atomic.Int64

	// baseCtx is cancelled only when Shutdown runs out of time.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New creates an Executor.
//
// # Inputs
//
//   - st: Session store. Required.
//   - reg: Phase table. Required.
//   - provider: Generation provider. Required.
//   - cfg: Configuration. Zero values take defaults.
//   - opts: Optional collaborators.
func New(st store.SessionStore, reg *phases.Registry, provider Provider, cfg Config, opts ...Option) *Executor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Executor{
		store:    st,
		phases:   reg,
		provider: provider,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  observability.DefaultMetrics,
		tracer:   observability.Tracer(),
		now:      time.Now,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.writer == nil {
		e.writer = LogWorkflowWriter{Logger: e.logger}
	}
	return e
}

// Launch schedules the pipeline of sessionID and returns immediately.
//
// # Description
//
// The pipeline starts at the row's CurrentPhase, so Launch serves both new
// sessions and sessions resumed by ContinueSession. The caller's context is
// deliberately not used: the job outlives the request that started it.
//
// # Outputs
//
//   - error: ErrShuttingDown after Shutdown; nil otherwise.
func (e *Executor) Launch(sessionID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go e.supervise(sessionID)
	return nil
}

// Running returns the number of pipelines currently holding a slot.
func (e *Executor) Running() int64 {
	return e.running.Load()
}

// Shutdown stops accepting launches and waits for running pipelines.
//
// # Description
//
// If ctx expires first, in-flight provider calls are cancelled and their
// sessions are left as they are; the reclamation sweep times them out.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			e.logger.Warn("executor shutdown grace expired with pipelines still running",
				slog.Int64("running", e.running.Load()))
		}
		return ctx.Err()
	}
}

// =============================================================================
// Pipeline
// =============================================================================

type phaseOutcome int

const (
	phaseDone phaseOutcome = iota
	phaseSuspended
	phaseStopped
)

func (e *Executor) supervise(sessionID string) {
	defer e.wg.Done()

	if err := e.sem.Acquire(e.baseCtx, 1); err != nil {
		e.logger.Warn("pipeline not started: executor stopped",
			slog.String("session_id", sessionID))
		return
	}
	defer e.sem.Release(1)

	e.running.Add(1)
	e.metrics.PipelineStarted()
	defer func() {
		e.running.Add(-1)
		e.metrics.PipelineFinished()
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline panicked",
				slog.String("session_id", sessionID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			e.fail(e.baseCtx, sessionID, fmt.Errorf("internal error: %v", r))
		}
	}()

	e.run(e.baseCtx, sessionID)
}

func (e *Executor) run(ctx context.Context, sessionID string) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		e.logger.Error("pipeline cannot load session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	if sess.Status.IsTerminal() {
		return
	}

	desc, err := e.phases.MustLookup(sess.Kind)
	if err != nil {
		e.fail(ctx, sessionID, err)
		return
	}

	ctx, span := e.tracer.Start(ctx, "generation.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.kind", string(sess.Kind)),
			attribute.Int("session.start_phase", sess.CurrentPhase),
		))
	defer span.End()

	logger := e.logger.With(
		slog.String("session_id", sessionID),
		slog.String("kind", string(sess.Kind)))
	logger.Info("pipeline started", slog.Int("from_phase", sess.CurrentPhase))

	for idx := sess.CurrentPhase; idx < desc.TotalPhases(); idx++ {
		switch e.runPhase(ctx, logger, desc, sessionID, idx) {
		case phaseDone:
			continue
		case phaseSuspended:
			span.SetAttributes(attribute.String("session.outcome", "awaiting_input"))
			return
		default:
			span.SetStatus(codes.Error, "pipeline stopped")
			return
		}
	}

	e.complete(ctx, logger, desc, sessionID)
}

func (e *Executor) runPhase(ctx context.Context, logger *slog.Logger, desc *phases.Descriptor, sessionID string, idx int) phaseOutcome {
	spec := desc.Phases[idx]
	kind := string(desc.Kind)
	logger = logger.With(slog.String("phase", spec.Name), slog.Int("phase_index", idx))

	ctx, span := e.tracer.Start(ctx, "generation.phase",
		trace.WithAttributes(
			attribute.String("phase.name", spec.Name),
			attribute.Int("phase.index", idx),
		))
	defer span.End()

	// Start checkpoint.
	started, err := e.store.Update(ctx, sessionID, func(s *datatypes.GenerationSession) error {
		if s.Status.IsTerminal() || s.Status == datatypes.StatusAwaitingInput || s.CurrentPhase != idx {
			return errAbandoned
		}
		if len(s.Phases) != desc.TotalPhases() {
			return fmt.Errorf("session has %d phases, kind %s defines %d", len(s.Phases), desc.Kind, desc.TotalPhases())
		}
		now := e.now().UTC()
		if idx > 0 {
			if prev := s.Phases[idx-1].CompletedAt; prev != nil && now.Before(*prev) {
				now = *prev
			}
		}
		if s.Phases[idx].StartedAt == nil {
			s.Phases[idx].StartedAt = &now
		}
		s.SetStatus(datatypes.StatusInProgress)
		return nil
	})
	if err != nil {
		return e.handleWriteError(ctx, logger, sessionID, "start checkpoint", err)
	}
	e.metrics.RecordPhase(kind, spec.Name, "started")
	logger.Debug("phase started")

	req := PhaseRequest{
		SessionID:    sessionID,
		Kind:         desc.Kind,
		Phase:        spec.Name,
		PhaseIndex:   idx,
		TotalPhases:  desc.TotalPhases(),
		Instructions: spec.Instructions,
		Inputs:       started.EffectiveInputs(),
		Artifact:     workingArtifact(desc, started),
		PriorResults: started.PhaseResults,

		ProducesArtifact: spec.OutputArtifact,
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.PhaseTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	}
	begin := time.Now()
	out, genErr := e.provider.Generate(callCtx, req)
	cancel()
	e.metrics.ObservePhaseDuration(kind, spec.Name, time.Since(begin))

	if genErr != nil {
		if e.baseCtx.Err() != nil {
			logger.Warn("phase interrupted by shutdown")
			return phaseStopped
		}
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		e.metrics.RecordPhase(kind, spec.Name, "failed")
		logger.Warn("phase failed", slog.String("error", genErr.Error()))
		e.fail(ctx, sessionID, genErr)
		return phaseStopped
	}

	if out.NeedsInput {
		return e.suspend(ctx, logger, desc, sessionID, idx, out.Question)
	}

	output, err := phaseOutputMap(out, spec)
	if err != nil {
		e.fail(ctx, sessionID, err)
		return phaseStopped
	}

	// Completion checkpoint.
	_, err = e.store.Update(ctx, sessionID, func(s *datatypes.GenerationSession) error {
		if s.Status != datatypes.StatusInProgress || s.CurrentPhase != idx || s.Phases[idx].CompletedAt != nil {
			return errAbandoned
		}
		now := e.now().UTC()
		if st := s.Phases[idx].StartedAt; st != nil && now.Before(*st) {
			now = *st
		}
		result := datatypes.PhaseResult{
			Phase:       spec.Name,
			Index:       idx,
			Output:      output,
			CompletedAt: now,
		}
		if spec.OutputArtifact {
			result.Artifact = out.Text
		}
		s.PhaseResults = append(s.PhaseResults, result)
		s.Phases[idx].CompletedAt = &now
		s.CurrentPhase = idx + 1
		return nil
	})
	if err != nil {
		return e.handleWriteError(ctx, logger, sessionID, "completion checkpoint", err)
	}

	e.metrics.RecordPhase(kind, spec.Name, "completed")
	logger.Info("phase completed")
	return phaseDone
}

func (e *Executor) suspend(ctx context.Context, logger *slog.Logger, desc *phases.Descriptor, sessionID string, idx int, question string) phaseOutcome {
	if question == "" {
		question = defaultClarification
	}
	_, err := e.store.Update(ctx, sessionID, func(s *datatypes.GenerationSession) error {
		if s.Status != datatypes.StatusInProgress || s.CurrentPhase != idx {
			return errAbandoned
		}
		s.SetStatus(datatypes.StatusAwaitingInput)
		s.PendingQuestion = question
		return nil
	})
	if err != nil {
		return e.handleWriteError(ctx, logger, sessionID, "suspend", err)
	}
	e.metrics.RecordPhase(string(desc.Kind), desc.PhaseName(idx), "awaiting_input")
	logger.Info("phase awaiting input")
	return phaseSuspended
}

func (e *Executor) complete(ctx context.Context, logger *slog.Logger, desc *phases.Descriptor, sessionID string) {
	done, err := e.store.Update(ctx, sessionID, func(s *datatypes.GenerationSession) error {
		if s.Status != datatypes.StatusInProgress || s.CurrentPhase != desc.TotalPhases() {
			return errAbandoned
		}
		final := finalArtifact(desc, s)
		now := e.now().UTC()
		s.FinalArtifact = &final
		s.ErrorMessage = nil
		s.ErrorDetails = nil
		s.PendingQuestion = ""
		s.CompletedAt = &now
		s.SetStatus(datatypes.StatusCompleted)
		return nil
	})
	if err != nil {
		e.handleWriteError(ctx, logger, sessionID, "completion", err)
		return
	}

	e.metrics.RecordSessionFinished(string(desc.Kind), string(datatypes.StatusCompleted))
	logger.Info("session completed", slog.Uint64("version", done.Version))

	wbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteBackTimeout)
	defer cancel()
	if err := e.writer.WriteFinalArtifact(wbCtx, done); err != nil {
		logger.Error("final artifact write-back failed",
			slog.String("workflow_id", done.ParentWorkflowID),
			slog.String("error", err.Error()))
	}
}

// handleWriteError classifies a failed conditional write. Abandoned writes
// stop the pipeline quietly; anything else is recorded as a failure.
func (e *Executor) handleWriteError(ctx context.Context, logger *slog.Logger, sessionID, step string, err error) phaseOutcome {
	switch {
	case errors.Is(err, errAbandoned):
		logger.Info("pipeline stopped: session moved on", slog.String("step", step))
	case e.baseCtx.Err() != nil:
		logger.Warn("pipeline interrupted by shutdown", slog.String("step", step))
	default:
		logger.Error("checkpoint write failed",
			slog.String("step", step),
			slog.String("error", err.Error()))
		e.fail(ctx, sessionID, fmt.Errorf("%s: %w", step, err))
	}
	return phaseStopped
}

// fail records cause as the session's terminal failure unless the row is
// already terminal.
func (e *Executor) fail(ctx context.Context, sessionID string, cause error) {
	ctx = context.WithoutCancel(ctx)

	var (
		wrote bool
		kind  datatypes.Kind
	)
	updated, err := e.store.Update(ctx, sessionID, func(s *datatypes.GenerationSession) error {
		wrote = false
		if s.Status.IsTerminal() {
			return store.ErrSkipUpdate
		}
		status := datatypes.StatusFailed
		phaseName := ""
		if desc, ok := e.phases.Lookup(s.Kind); ok {
			status = desc.FailureStatus
			phaseName = desc.PhaseName(s.CurrentPhase)
		}

		genErr := apperrors.NewGenerationError(phaseName, s.CurrentPhase, cause)
		msg := genErr.Error()
		now := e.now().UTC()

		s.SetStatus(status)
		s.ErrorMessage = &msg
		s.ErrorDetails = genErr.Details()
		s.FinalArtifact = nil
		s.PendingQuestion = ""
		s.FailedAt = &now
		wrote = true
		kind = s.Kind
		return nil
	})
	if err != nil {
		e.logger.Error("could not record session failure",
			slog.String("session_id", sessionID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
		return
	}
	if wrote {
		e.metrics.RecordSessionFinished(string(kind), string(updated.Status))
		e.logger.Info("session failed",
			slog.String("session_id", sessionID),
			slog.String("status", string(updated.Status)),
			slog.String("error", *updated.ErrorMessage))
	}
}

// =============================================================================
// Artifact helpers
// =============================================================================

// workingArtifact is the artifact a phase works on: the latest phase
// artifact, else the seed input named by the descriptor.
func workingArtifact(desc *phases.Descriptor, s *datatypes.GenerationSession) string {
	if latest := s.LatestArtifact(); latest != "" {
		return latest
	}
	if desc.ArtifactKey == "" {
		return ""
	}
	if seed, ok := s.EffectiveInputs()[desc.ArtifactKey].(string); ok {
		return seed
	}
	return ""
}

// finalArtifact is the working artifact after the last phase, falling back
// to the last phase's text output.
func finalArtifact(desc *phases.Descriptor, s *datatypes.GenerationSession) string {
	if latest := s.LatestArtifact(); latest != "" {
		return latest
	}
	if n := len(s.PhaseResults); n > 0 {
		if text, ok := s.PhaseResults[n-1].Output["text"].(string); ok && text != "" {
			return text
		}
	}
	return workingArtifact(desc, s)
}

func phaseOutputMap(out PhaseOutput, spec phases.PhaseSpec) (map[string]any, error) {
	output, err := datatypes.CloneInputs(out.Structured)
	if err != nil {
		return nil, fmt.Errorf("phase %s returned unserialisable output: %w", spec.Name, err)
	}
	if !spec.OutputArtifact && out.Text != "" {
		output["text"] = out.Text
	}
	if len(output) == 0 {
		return nil, nil
	}
	return output, nil
}
