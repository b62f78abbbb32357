// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics and tracing helpers for
// the generation service.
//
// # Description
//
// Metrics cover the four moving parts of the service:
//   - Sessions started and finished, by kind and terminal status
//   - Phases started, completed and failed, with a duration histogram
//   - Open stream subscriptions, by transport
//   - Reclamation sweeps and reclaimed sessions
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is nil-safe, so components can be used without metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	metricsNamespace = "generation"

	// TracerName is the instrumentation name for generation spans.
	TracerName = "github.com/ajaypag/guest-post-workflow/services/generation"
)

// Metrics holds all Prometheus metrics of the generation service.
type Metrics struct {
	// SessionsStarted counts accepted StartSession calls. Labels: kind
	SessionsStarted *prometheus.CounterVec

	// SessionsFinished counts sessions reaching a terminal status.
	// Labels: kind, status
	SessionsFinished *prometheus.CounterVec

	// PhasesTotal counts phase outcomes. Labels: kind, phase, outcome
	// (started, completed, failed, awaiting_input)
	PhasesTotal *prometheus.CounterVec

	// PhaseDurationSeconds measures provider time per phase. Labels: kind, phase
	PhaseDurationSeconds *prometheus.HistogramVec

	// ExecutorInFlight is the number of running pipelines.
	ExecutorInFlight prometheus.Gauge

	// StreamSubscriptions tracks open streams. Labels: transport (sse, ws)
	StreamSubscriptions *prometheus.GaugeVec

	// StreamEventsTotal counts stream events. Labels: type, delivered (true, false)
	StreamEventsTotal *prometheus.CounterVec

	// SweepsTotal counts sweep runs. Labels: trigger (scheduler, api, cli)
	SweepsTotal *prometheus.CounterVec

	// SessionsReclaimed counts sessions force-failed by the sweep. Labels: kind
	SessionsReclaimed *prometheus.CounterVec

	// SessionsRepaired counts terminal rows whose is_active flag was cleared.
	SessionsRepaired prometheus.Counter

	// SessionsByStatus is the stored row count per status, refreshed after
	// every sweep. Labels: status
	SessionsByStatus *prometheus.GaugeVec
}

// DefaultMetrics is the process-wide instance set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics on the default Prometheus registry and
// stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics registers the metrics on reg.
//
// # Description
//
// Tests pass a fresh prometheus.NewRegistry() so parallel tests do not
// collide on the default registry.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_started_total",
				Help:      "Total number of generation sessions started by kind",
			},
			[]string{"kind"},
		),
		SessionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_finished_total",
				Help:      "Total number of generation sessions reaching a terminal status",
			},
			[]string{"kind", "status"},
		),
		PhasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "executor",
				Name:      "phases_total",
				Help:      "Total number of phase outcomes by kind, phase and outcome",
			},
			[]string{"kind", "phase", "outcome"},
		),
		PhaseDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "executor",
				Name:      "phase_duration_seconds",
				Help:      "Provider time spent per phase",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind", "phase"},
		),
		ExecutorInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "executor",
				Name:      "in_flight",
				Help:      "Number of pipelines currently running",
			},
		),
		StreamSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "stream",
				Name:      "subscriptions",
				Help:      "Number of open progress stream subscriptions",
			},
			[]string{"transport"},
		),
		StreamEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "stream",
				Name:      "events_total",
				Help:      "Total number of stream events by type and delivery outcome",
			},
			[]string{"type", "delivered"},
		),
		SweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reclaim",
				Name:      "sweeps_total",
				Help:      "Total number of reclamation sweeps by trigger",
			},
			[]string{"trigger"},
		),
		SessionsReclaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reclaim",
				Name:      "sessions_reclaimed_total",
				Help:      "Total number of stale sessions force-failed by the sweep",
			},
			[]string{"kind"},
		),
		SessionsRepaired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reclaim",
				Name:      "sessions_repaired_total",
				Help:      "Total number of terminal sessions whose is_active flag was cleared",
			},
		),
		SessionsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "store",
				Name:      "sessions",
				Help:      "Stored sessions by status as of the last sweep",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordSessionStarted increments the started counter.
func (m *Metrics) RecordSessionStarted(kind string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(kind).Inc()
}

// RecordSessionFinished increments the finished counter.
func (m *Metrics) RecordSessionFinished(kind, status string) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(kind, status).Inc()
}

// RecordPhase increments the phase outcome counter.
func (m *Metrics) RecordPhase(kind, phase, outcome string) {
	if m == nil {
		return
	}
	m.PhasesTotal.WithLabelValues(kind, phase, outcome).Inc()
}

// ObservePhaseDuration records provider time for one phase.
func (m *Metrics) ObservePhaseDuration(kind, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDurationSeconds.WithLabelValues(kind, phase).Observe(d.Seconds())
}

// PipelineStarted increments the in-flight gauge.
func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.ExecutorInFlight.Inc()
}

// PipelineFinished decrements the in-flight gauge.
func (m *Metrics) PipelineFinished() {
	if m == nil {
		return
	}
	m.ExecutorInFlight.Dec()
}

// StreamOpened increments the subscription gauge.
func (m *Metrics) StreamOpened(transport string) {
	if m == nil {
		return
	}
	m.StreamSubscriptions.WithLabelValues(transport).Inc()
}

// StreamClosed decrements the subscription gauge.
func (m *Metrics) StreamClosed(transport string) {
	if m == nil {
		return
	}
	m.StreamSubscriptions.WithLabelValues(transport).Dec()
}

// RecordStreamEvent counts one emitted or dropped stream event.
func (m *Metrics) RecordStreamEvent(eventType string, delivered bool) {
	if m == nil {
		return
	}
	label := "false"
	if delivered {
		label = "true"
	}
	m.StreamEventsTotal.WithLabelValues(eventType, label).Inc()
}

// RecordSweep records one sweep run and its results.
func (m *Metrics) RecordSweep(trigger string, reclaimedByKind map[string]int, repaired int) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(trigger).Inc()
	for kind, n := range reclaimedByKind {
		m.SessionsReclaimed.WithLabelValues(kind).Add(float64(n))
	}
	m.SessionsRepaired.Add(float64(repaired))
}

// SetSessionsByStatus replaces the per-status row counts.
func (m *Metrics) SetSessionsByStatus(counts map[string]int) {
	if m == nil {
		return
	}
	m.SessionsByStatus.Reset()
	for status, n := range counts {
		m.SessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Tracer returns the generation service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
