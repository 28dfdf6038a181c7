// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus instrumentation for the
// modelops service.
//
// # Description
//
// Counters, histograms, and gauges for the routing and experimentation
// paths: selections by strategy, experiment arm assignments, telemetry
// writes, sweep durations, and training dispatches. Exposed on /metrics
// via promhttp.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all modelops metrics.
const metricsNamespace = "aleutian"

const modelopsSubsystem = "modelops"

// Metrics holds all Prometheus metrics for the modelops service.
// Initialize once at startup via NewMetrics.
type Metrics struct {
	// SelectionsTotal counts model selections.
	// Labels: domain, strategy, outcome (ok, no_model, fallback)
	SelectionsTotal *prometheus.CounterVec

	// ExperimentAssignmentsTotal counts A/B arm assignments.
	// Labels: domain, role (baseline, challenger), sticky (yes, no)
	ExperimentAssignmentsTotal *prometheus.CounterVec

	// GenerationsRecordedTotal counts telemetry writes.
	// Labels: domain, status (success, error)
	GenerationsRecordedTotal *prometheus.CounterVec

	// FeedbackRecordedTotal counts user feedback writes.
	// Labels: domain
	FeedbackRecordedTotal *prometheus.CounterVec

	// SweepDurationSeconds measures background sweep cycles.
	// Labels: sweep (experiment_monitor, learning_sweep, rollup_prune)
	SweepDurationSeconds *prometheus.HistogramVec

	// TrainingDispatchesTotal counts incremental-training dispatches.
	// Labels: domain, status (ok, failed)
	TrainingDispatchesTotal *prometheus.CounterVec

	// ActiveExperiments tracks currently active experiments.
	ActiveExperiments prometheus.Gauge

	// PendingExamples tracks queued learning examples per domain.
	// Labels: domain
	PendingExamples *prometheus.GaugeVec
}

// NewMetrics creates and registers all modelops metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production and a
// fresh registry in tests to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "selections_total",
				Help:      "Model selections by domain, strategy, and outcome",
			},
			[]string{"domain", "strategy", "outcome"},
		),
		ExperimentAssignmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "experiment_assignments_total",
				Help:      "A/B test arm assignments by domain, role, and stickiness",
			},
			[]string{"domain", "role", "sticky"},
		),
		GenerationsRecordedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "generations_recorded_total",
				Help:      "Generation telemetry records by domain and status",
			},
			[]string{"domain", "status"},
		),
		FeedbackRecordedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "feedback_recorded_total",
				Help:      "User feedback records by domain",
			},
			[]string{"domain"},
		),
		SweepDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "sweep_duration_seconds",
				Help:      "Background sweep cycle durations",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"sweep"},
		),
		TrainingDispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "training_dispatches_total",
				Help:      "Incremental training dispatches by domain and status",
			},
			[]string{"domain", "status"},
		),
		ActiveExperiments: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "active_experiments",
				Help:      "Number of currently active experiments",
			},
		),
		PendingExamples: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: modelopsSubsystem,
				Name:      "pending_examples",
				Help:      "Queued learning examples per domain",
			},
			[]string{"domain"},
		),
	}
}
