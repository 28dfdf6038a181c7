// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router selects which model version serves a production
// request.
//
// # Description
//
// SelectModel applies the domain's configured selection strategy:
// latest, best_performance, lowest_latency, or ab_test. A/B assignment
// is sticky per (identity, test) via a deterministic hash band walk
// backed by a store cache entry with a seven-day expiry; requests
// without a session or user identity draw uniformly at random per call.
//
// SelectModel is synchronous and on the request path; it must stay
// low-latency and never block on background work.
//
// # Thread Safety
//
// Safe for concurrent use.
package router

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"time"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/observability"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/registry"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
)

// ErrNoModelAvailable is returned when a domain has no eligible model
// version. Callers must supply a system-wide fallback.
var ErrNoModelAvailable = errors.New("router: no model available")

// assignmentTTL is how long a sticky A/B assignment survives.
const assignmentTTL = 7 * 24 * time.Hour

// ExperimentSource exposes the active experiment for a domain. The
// experiment manager implements this; an interface keeps the router
// free of a package cycle.
type ExperimentSource interface {
	ActiveExperiment(domain string) (*datatypes.Experiment, bool)
}

// Router is the traffic router (model selector).
type Router struct {
	registry    *registry.Registry
	repo        store.Repository
	experiments ExperimentSource
	obs         *observability.Metrics

	// randPct draws a uniform percentage in [0, 100) for non-sticky
	// A/B assignment. Swappable for tests.
	randPct func() float64
}

// New creates a router. experiments and obs may be nil; without an
// experiment source the ab_test strategy falls back to the active
// version.
func New(reg *registry.Registry, repo store.Repository, experiments ExperimentSource, obs *observability.Metrics) *Router {
	return &Router{
		registry:    reg,
		repo:        repo,
		experiments: experiments,
		obs:         obs,
		randPct:     func() float64 { return rand.Float64() * 100 },
	}
}

// SelectModel returns the model version that should serve a request for
// the domain. Selecting also counts as a usage observation for the
// chosen version.
func (r *Router) SelectModel(domain string, sctx datatypes.SelectionContext) (*datatypes.ModelVersion, error) {
	cfg, err := r.registry.GetRoutingConfig(domain)
	if err != nil {
		return nil, err
	}
	versions, err := r.registry.ListVersions(domain)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		r.countSelection(domain, string(cfg.SelectionStrategy), "no_model")
		return nil, fmt.Errorf("%w: domain %s has no registered versions", ErrNoModelAvailable, domain)
	}

	var chosen *datatypes.ModelVersion
	outcome := "ok"
	switch cfg.SelectionStrategy {
	case datatypes.StrategyLatest:
		chosen = selectLatest(versions)
	case datatypes.StrategyBestPerformance:
		chosen = r.selectBestPerformance(cfg, versions, sctx)
		if chosen != nil && chosen.VersionID == cfg.ActiveVersion {
			outcome = "fallback"
		}
	case datatypes.StrategyLowestLatency:
		chosen = selectLowestLatency(cfg, versions, sctx)
	case datatypes.StrategyABTest:
		chosen = r.selectABTest(cfg, versions, sctx)
	default:
		chosen = selectLatest(versions)
	}

	if chosen == nil {
		r.countSelection(domain, string(cfg.SelectionStrategy), "no_model")
		return nil, fmt.Errorf("%w: domain %s, strategy %s", ErrNoModelAvailable, domain, cfg.SelectionStrategy)
	}

	// Selection feeds the usage record so experiment sample checks can
	// see traffic even before generation telemetry lands.
	if err := r.repo.AtomicAdd(store.UsageKey(domain, chosen.VersionID), map[string]int64{"total_selections": 1}, 0); err != nil {
		slog.Warn("selection counter write failed", "domain", domain, "model", chosen.VersionID, "error", err)
	}
	r.countSelection(domain, string(cfg.SelectionStrategy), outcome)
	return chosen, nil
}

func (r *Router) countSelection(domain, strategy, outcome string) {
	if r.obs != nil {
		r.obs.SelectionsTotal.WithLabelValues(domain, strategy, outcome).Inc()
	}
}

// selectLatest returns the most recently created version with status
// active or testing. versions arrive newest first from the registry.
func selectLatest(versions []datatypes.ModelVersion) *datatypes.ModelVersion {
	for i := range versions {
		switch versions[i].Status {
		case datatypes.ModelStatusActive, datatypes.ModelStatusTesting:
			return &versions[i]
		}
	}
	return nil
}

// selectBestPerformance scores active versions meeting the accuracy and
// latency requirements. Context overrides win over domain thresholds.
// When nothing qualifies the current active version is the fallback.
func (r *Router) selectBestPerformance(cfg *datatypes.DomainRoutingConfig, versions []datatypes.ModelVersion, sctx datatypes.SelectionContext) *datatypes.ModelVersion {
	minAccuracy := cfg.Thresholds.MinAccuracy
	if sctx.AccuracyRequired != nil {
		minAccuracy = *sctx.AccuracyRequired
	}
	maxLatency := cfg.Thresholds.MaxLatencyMs
	if sctx.LatencyRequirement != nil {
		maxLatency = *sctx.LatencyRequirement
	}

	var best *datatypes.ModelVersion
	bestScore := -1.0
	for i := range versions {
		v := &versions[i]
		if v.Status != datatypes.ModelStatusActive {
			continue
		}
		p := v.Performance
		if p.Accuracy < minAccuracy {
			continue
		}
		if maxLatency > 0 && p.LatencyMs > maxLatency {
			continue
		}
		score := p.Accuracy * 0.5
		score += (1 - p.ErrorRate) * 0.3
		if p.LatencyMs > 0 {
			score += (1 / p.LatencyMs) * 0.2
		}
		if score > bestScore {
			bestScore = score
			best = v
		}
	}
	if best != nil {
		return best
	}
	return findVersion(versions, cfg.ActiveVersion)
}

// selectLowestLatency filters by the accuracy threshold and picks the
// minimum-latency active version.
func selectLowestLatency(cfg *datatypes.DomainRoutingConfig, versions []datatypes.ModelVersion, sctx datatypes.SelectionContext) *datatypes.ModelVersion {
	minAccuracy := cfg.Thresholds.MinAccuracy
	if sctx.AccuracyRequired != nil {
		minAccuracy = *sctx.AccuracyRequired
	}

	var best *datatypes.ModelVersion
	for i := range versions {
		v := &versions[i]
		if v.Status != datatypes.ModelStatusActive {
			continue
		}
		if v.Performance.Accuracy < minAccuracy {
			continue
		}
		if best == nil || v.Performance.LatencyMs < best.Performance.LatencyMs {
			best = v
		}
	}
	if best != nil {
		return best
	}
	return findVersion(versions, cfg.ActiveVersion)
}

// selectABTest consults the domain's active experiment. Identity-less
// requests draw a fresh uniform percentage per call; identified
// requests get a sticky, hash-derived band for the test's lifetime.
func (r *Router) selectABTest(cfg *datatypes.DomainRoutingConfig, versions []datatypes.ModelVersion, sctx datatypes.SelectionContext) *datatypes.ModelVersion {
	if r.experiments == nil {
		return findVersion(versions, cfg.ActiveVersion)
	}
	exp, ok := r.experiments.ActiveExperiment(cfg.Domain)
	if !ok {
		return findVersion(versions, cfg.ActiveVersion)
	}

	identity := sctx.Identity()
	sticky := identity != ""

	var armID string
	if sticky {
		key := store.AssignmentKey(exp.TestID, identity)
		if err := r.repo.Get(key, &armID); err == nil && containsArm(exp, armID) {
			r.countAssignment(exp, armID, sticky)
			return findVersion(versions, armID)
		}
		armID = armForPercent(exp, hashPercent(identity, exp.TestID))
		if err := r.repo.PutWithTTL(key, armID, assignmentTTL); err != nil {
			slog.Warn("sticky assignment write failed", "test_id", exp.TestID, "error", err)
		}
	} else {
		armID = armForPercent(exp, r.randPct())
	}

	r.countAssignment(exp, armID, sticky)
	return findVersion(versions, armID)
}

func (r *Router) countAssignment(exp *datatypes.Experiment, armID string, sticky bool) {
	if r.obs == nil {
		return
	}
	role := "challenger"
	if armID == exp.Baseline {
		role = "baseline"
	}
	stickyLabel := "no"
	if sticky {
		stickyLabel = "yes"
	}
	r.obs.ExperimentAssignmentsTotal.WithLabelValues(exp.Domain, role, stickyLabel).Inc()
}

// hashPercent maps (identity, testId) onto [0, 100) deterministically.
func hashPercent(identity, testID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	_, _ = h.Write([]byte(testID))
	return float64(h.Sum32() % 100)
}

// armForPercent walks cumulative allocation bands, baseline first then
// challengers in declared order, and returns the arm whose band
// contains pct. Rounding drift at the top lands on the last arm.
func armForPercent(exp *datatypes.Experiment, pct float64) string {
	cumulative := exp.Allocation.Baseline
	if pct < cumulative {
		return exp.Baseline
	}
	last := exp.Baseline
	for _, challenger := range exp.Challengers {
		cumulative += exp.Allocation.Challengers[challenger]
		if pct < cumulative {
			return challenger
		}
		last = challenger
	}
	return last
}

func containsArm(exp *datatypes.Experiment, armID string) bool {
	for _, arm := range exp.Arms() {
		if arm == armID {
			return true
		}
	}
	return false
}

func findVersion(versions []datatypes.ModelVersion, versionID string) *datatypes.ModelVersion {
	if versionID == "" {
		return nil
	}
	for i := range versions {
		if versions[i].VersionID == versionID {
			return &versions[i]
		}
	}
	return nil
}
