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

import "time"

// ExperimentStatus is the lifecycle state of an A/B test.
type ExperimentStatus string

const (
	ExperimentActive    ExperimentStatus = "active"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentPaused    ExperimentStatus = "paused"
)

// PrimaryMetric selects which signal drives arm scoring.
type PrimaryMetric string

const (
	MetricResponseTime     PrimaryMetric = "response_time"
	MetricErrorRate        PrimaryMetric = "error_rate"
	MetricUserSatisfaction PrimaryMetric = "user_satisfaction"
	MetricComposite        PrimaryMetric = "composite"
)

// TrafficAllocation assigns traffic percentages across arms.
//
// Invariant: Baseline plus all challenger percentages sum to ~100.
type TrafficAllocation struct {
	Baseline    float64            `json:"baseline"`
	Challengers map[string]float64 `json:"challengers"`
}

// Total returns the summed allocation across all arms.
func (a TrafficAllocation) Total() float64 {
	total := a.Baseline
	for _, pct := range a.Challengers {
		total += pct
	}
	return total
}

// ArmMetrics is the per-arm aggregate refreshed on every monitoring tick.
type ArmMetrics struct {
	Samples          int64   `json:"samples"`
	AvgResponseTime  float64 `json:"avg_response_time"`
	ErrorRate        float64 `json:"error_rate"`
	UserSatisfaction float64 `json:"user_satisfaction"`
	Conversions      int64   `json:"conversions"`
	Confidence       float64 `json:"confidence"`
}

// ExperimentConfig holds the stop-rule and automation settings.
type ExperimentConfig struct {
	MinSampleSize    int64         `json:"min_sample_size"`
	MaxDurationHours float64       `json:"max_duration_hours"`
	ConfidenceLevel  float64       `json:"confidence_level"`
	PrimaryMetric    PrimaryMetric `json:"primary_metric"`
	AutoStop         bool          `json:"auto_stop"`
	AutoPromote      bool          `json:"auto_promote"`
}

// Experiment is a controlled comparison between a baseline version and one
// or more challenger versions on a single domain.
//
// Once Status is "completed" the record is immutable except for archival
// retention.
type Experiment struct {
	TestID      string                `json:"test_id"`
	Name        string                `json:"name"`
	Domain      string                `json:"domain"`
	Status      ExperimentStatus      `json:"status"`
	Baseline    string                `json:"baseline_model"`
	Challengers []string              `json:"challenger_models"`
	Allocation  TrafficAllocation     `json:"traffic_allocation"`
	Metrics     map[string]ArmMetrics `json:"metrics"`
	StartDate   time.Time             `json:"start_date"`
	EndDate     *time.Time            `json:"end_date,omitempty"`
	Config      ExperimentConfig      `json:"config"`
	StopReason  string                `json:"stop_reason,omitempty"`
}

// Arms returns all arm identifiers, baseline first, challengers in their
// declared order. Scoring and cumulative-band walks rely on this order
// being stable.
func (e *Experiment) Arms() []string {
	arms := make([]string, 0, 1+len(e.Challengers))
	arms = append(arms, e.Baseline)
	arms = append(arms, e.Challengers...)
	return arms
}

// ExperimentResult is the frozen outcome of a stopped experiment.
type ExperimentResult struct {
	TestID         string                `json:"test_id"`
	Winner         string                `json:"winner"`
	BaselineScore  float64               `json:"baseline_score"`
	WinnerScore    float64               `json:"winner_score"`
	ImprovementPct float64               `json:"improvement_pct"`
	Confidence     float64               `json:"confidence"`
	Recommendation string                `json:"recommendation"`
	StopReason     string                `json:"stop_reason"`
	Metrics        map[string]ArmMetrics `json:"metrics"`
	StoppedAt      time.Time             `json:"stopped_at"`
}

// CreateExperimentRequest is the creation payload for a new A/B test.
type CreateExperimentRequest struct {
	Name        string             `json:"name" validate:"required"`
	Domain      string             `json:"domain" validate:"required"`
	Baseline    string             `json:"baseline" validate:"required"`
	Challengers []string           `json:"challengers" validate:"required,min=1"`
	Allocation  *TrafficAllocation `json:"allocation,omitempty"`
	Config      *ExperimentConfig  `json:"config,omitempty"`
}
