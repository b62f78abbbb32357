// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream relays session progress to live subscribers.
//
// # Description
//
// The bridge polls the progress service on a fixed interval; the executor
// knows nothing about subscribers. Each subscription gets its own relay
// goroutine that ends when the session turns terminal, the session is not
// found, the subscriber goes away, or the registry closes. Ending a relay
// never affects the session's pipeline.
//
// # Event Order
//
//	connected, progress*, (complete | error)
//
// progress events are best-effort: one that does not fit in the
// subscriber's buffer is dropped. connected, complete and error always
// wait for delivery or subscriber exit.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/observability"
)

const (
	// DefaultPollInterval is the progress polling cadence.
	DefaultPollInterval = 2 * time.Second

	defaultBuffer = 16
)

// ProgressReader is the read side the bridge polls.
type ProgressReader interface {
	GetProgress(ctx context.Context, id string) (*datatypes.ProgressSnapshot, error)
}

// Config configures a Bridge.
type Config struct {
	PollInterval time.Duration

	// Buffer is the per-subscriber event buffer.
	Buffer int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge turns progress polling into event streams.
type Bridge struct {
	reader   ProgressReader
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewBridge creates a Bridge that owns registry.
func NewBridge(reader ProgressReader, registry *Registry, cfg Config, opts ...Option) *Bridge {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	b := &Bridge{
		reader:   reader,
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  observability.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the bridge's subscription registry.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Close stops every relay. Used at process shutdown.
func (b *Bridge) Close() {
	b.registry.CloseAll()
}

// Subscribe opens a stream for sessionID.
//
// # Description
//
// The returned channel receives connected at once and is closed after the
// final event, or when ctx is cancelled (client disconnect). The caller
// must drain it until closed or cancel ctx.
//
// # Inputs
//
//   - ctx: Subscriber lifetime. Cancel on disconnect.
//   - sessionID: Session to follow. Existence is checked by the first poll.
//   - transport: Label for metrics ("sse", "ws").
//
// # Outputs
//
//   - <-chan StreamEvent: The event stream.
//   - error: ErrRegistryClosed during shutdown.
func (b *Bridge) Subscribe(ctx context.Context, sessionID, transport string) (<-chan datatypes.StreamEvent, error) {
	sub, err := b.registry.Register(sessionID, transport, b.cfg.Buffer)
	if err != nil {
		return nil, err
	}
	b.metrics.StreamOpened(transport)

	go b.relay(ctx, sub)
	return sub.events, nil
}

func (b *Bridge) relay(ctx context.Context, sub *Subscription) {
	defer func() {
		b.registry.Deregister(sub)
		b.metrics.StreamClosed(sub.Transport)
		close(sub.events)
	}()

	logger := b.logger.With(
		slog.String("session_id", sub.SessionID),
		slog.String("subscription_id", sub.ID),
		slog.String("transport", sub.Transport))

	if !b.deliver(ctx, sub, datatypes.StreamEvent{
		Type:      datatypes.StreamEventConnected,
		SessionID: sub.SessionID,
	}) {
		return
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("subscriber disconnected")
			return
		case <-sub.Done():
			return
		case <-ticker.C:
		}

		snap, err := b.reader.GetProgress(ctx, sub.SessionID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				b.deliver(ctx, sub, datatypes.StreamEvent{
					Type:      datatypes.StreamEventError,
					SessionID: sub.SessionID,
					Error:     "session not found",
				})
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("progress poll failed", slog.String("error", err.Error()))
			continue
		}

		b.offer(sub, datatypes.StreamEvent{
			Type:      datatypes.StreamEventProgress,
			SessionID: sub.SessionID,
			Payload:   snap,
		})

		if snap.Status.IsTerminal() {
			b.deliver(ctx, sub, datatypes.StreamEvent{
				Type:      datatypes.StreamEventComplete,
				SessionID: sub.SessionID,
				Payload: &datatypes.CompletePayload{
					Status:        snap.Status,
					FinalArtifact: snap.FinalArtifact,
					ErrorMessage:  snap.ErrorMessage,
				},
			})
			return
		}
	}
}

// offer sends ev if the subscriber has room and drops it otherwise.
func (b *Bridge) offer(sub *Subscription, ev datatypes.StreamEvent) {
	select {
	case sub.events <- ev:
		b.metrics.RecordStreamEvent(string(ev.Type), true)
	default:
		b.metrics.RecordStreamEvent(string(ev.Type), false)
	}
}

// deliver waits until ev is accepted or the subscriber goes away.
func (b *Bridge) deliver(ctx context.Context, sub *Subscription, ev datatypes.StreamEvent) bool {
	select {
	case sub.events <- ev:
		b.metrics.RecordStreamEvent(string(ev.Type), true)
		return true
	case <-ctx.Done():
	case <-sub.Done():
	}
	b.metrics.RecordStreamEvent(string(ev.Type), false)
	return false
}
