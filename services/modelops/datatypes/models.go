// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire and storage shapes shared across the
// modelops service. Keep these free of behavior; logic lives in the
// component packages.
package datatypes

import "time"

// ModelVersionStatus is the lifecycle state of a trained model version.
type ModelVersionStatus string

const (
	ModelStatusDraft      ModelVersionStatus = "draft"
	ModelStatusTesting    ModelVersionStatus = "testing"
	ModelStatusActive     ModelVersionStatus = "active"
	ModelStatusInactive   ModelVersionStatus = "inactive"
	ModelStatusDeprecated ModelVersionStatus = "deprecated"
)

// PerformanceSnapshot is the EMA-smoothed view of a version's production
// behavior. Updated by the registry on every performance report.
type PerformanceSnapshot struct {
	Accuracy   float64 `json:"accuracy"`
	LatencyMs  float64 `json:"latency_ms"`
	Throughput float64 `json:"throughput"`
	ErrorRate  float64 `json:"error_rate"`
}

// DeploymentDescriptor records where a trained adapter was deployed.
type DeploymentDescriptor struct {
	DeploymentID string    `json:"deployment_id"`
	Endpoint     string    `json:"endpoint"`
	AdapterPath  string    `json:"adapter_path"`
	DeployedAt   time.Time `json:"deployed_at"`
}

// ModelVersion is one trained version of a domain's model.
//
// Invariant: at most one version per domain has status "active". The
// registry enforces this on promote/rollback; versions are never deleted,
// only deprecated.
type ModelVersion struct {
	Domain      string                `json:"domain"`
	VersionID   string                `json:"version_id"`
	BaseModel   string                `json:"base_model"`
	CreatedAt   time.Time             `json:"created_at"`
	Performance PerformanceSnapshot   `json:"performance"`
	Status      ModelVersionStatus    `json:"status"`
	Deployment  *DeploymentDescriptor `json:"deployment,omitempty"`
	TrainingJob string                `json:"training_job,omitempty"`
}

// SelectionStrategy controls how the router picks a version for a domain.
type SelectionStrategy string

const (
	StrategyLatest          SelectionStrategy = "latest"
	StrategyBestPerformance SelectionStrategy = "best_performance"
	StrategyLowestLatency   SelectionStrategy = "lowest_latency"
	StrategyABTest          SelectionStrategy = "ab_test"
)

// PerformanceThresholds are the domain-level gates applied during
// selection and degradation checks.
type PerformanceThresholds struct {
	MinAccuracy  float64 `json:"min_accuracy"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
	MaxErrorRate float64 `json:"max_error_rate"`
}

// DomainRoutingConfig is the per-domain routing document.
//
// Invariants: ActiveVersion, when set, must appear in Versions;
// Distribution percentages must sum to ~100.
type DomainRoutingConfig struct {
	Domain            string                `json:"domain" validate:"required"`
	ActiveVersion     string                `json:"active_version,omitempty"`
	Versions          []string              `json:"versions"`
	SelectionStrategy SelectionStrategy     `json:"selection_strategy" validate:"required,oneof=latest best_performance lowest_latency ab_test"`
	Distribution      map[string]float64    `json:"distribution,omitempty"`
	Thresholds        PerformanceThresholds `json:"thresholds"`
	AutoUpdate        bool                  `json:"auto_update"`
	FallbackVersion   string                `json:"fallback_version,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// SelectionContext carries the per-request hints used by the router.
type SelectionContext struct {
	UserID             string   `json:"user_id,omitempty"`
	SessionID          string   `json:"session_id,omitempty"`
	LatencyRequirement *float64 `json:"latency_requirement,omitempty"`
	AccuracyRequired   *float64 `json:"accuracy_requirement,omitempty"`
}

// Identity returns the sticky-assignment identity for this context:
// session ID when present, else user ID, else empty (non-sticky).
func (c SelectionContext) Identity() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.UserID
}
