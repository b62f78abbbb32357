// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Sweep Scheduler
// =============================================================================

// SchedulerConfig holds configuration for the periodic sweep.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 5 minutes.
//   - Threshold: Staleness threshold passed to Sweep. Default: 30 minutes.
type SchedulerConfig struct {
	Interval  time.Duration
	Threshold time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
//
// # Examples
//
//	config := DefaultSchedulerConfig()
//	config.Threshold = time.Hour
//	scheduler := NewScheduler(sweeper, config)
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:  5 * time.Minute,
		Threshold: DefaultThreshold,
	}
}

// Scheduler runs Sweep on a ticker.
//
// # Description
//
// Uses the ticker + done channel pattern. An initial sweep runs right after
// Start so sessions orphaned by the previous process are failed promptly.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	sweeper *Sweeper
	config  SchedulerConfig
	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler. Zero config values take defaults.
func NewScheduler(sweeper *Sweeper, config SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	return &Scheduler{sweeper: sweeper, config: config}
}

// Start begins periodic sweeping until Stop or ctx cancellation.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweep scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("sweep scheduler starting",
		slog.String("interval", s.config.Interval.String()),
		slog.String("threshold", s.config.Threshold.String()))

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
}

// RunNow sweeps immediately with the configured threshold.
func (s *Scheduler) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweeper.Sweep(ctx, s.config.Threshold, TriggerScheduler)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.execute(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("sweep scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	if _, err := s.RunNow(ctx); err != nil && ctx.Err() == nil {
		slog.Error("scheduled sweep failed", slog.String("error", err.Error()))
	}
}
