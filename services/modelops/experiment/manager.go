// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment runs controlled A/B tests between a baseline model
// version and one or more challengers.
//
// # Description
//
// The manager owns the experiment lifecycle: creation with allocation
// and stop-rule defaults, the periodic monitoring sweep that refreshes
// per-arm metrics and applies stop rules, and termination that freezes
// an immutable result. The confidence figure is a deliberate
// sample-count heuristic, not a hypothesis test; scores rank arms, they
// do not certify significance.
//
// # Thread Safety
//
// Safe for concurrent use. The active-experiment cache hands out
// immutable snapshots; sweeps swap whole records rather than mutating
// shared state in place.
package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/events"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/observability"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
)

// =============================================================================
// Errors and tuning constants
// =============================================================================

var (
	// ErrTestNotFound covers both unknown test IDs and completed tests,
	// which leave the active set permanently.
	ErrTestNotFound = errors.New("experiment: test not found")

	// ErrTestNotActive is returned when pausing a test that is not active.
	ErrTestNotActive = errors.New("experiment: test not active")

	// ErrTestNotPaused is returned when resuming a test that is not paused.
	ErrTestNotPaused = errors.New("experiment: test not paused")

	// ErrDomainBusy enforces the one-active-test-per-domain rule.
	ErrDomainBusy = errors.New("experiment: domain already has an active test")

	// ErrInvalidAllocation is returned when arm percentages do not sum
	// to ~100 or a challenger has no allocation entry.
	ErrInvalidAllocation = errors.New("experiment: invalid traffic allocation")

	// ErrUnknownModel is returned when an arm references an unregistered
	// model version.
	ErrUnknownModel = errors.New("experiment: unknown model version")
)

const (
	defaultBaselinePct      = 50.0
	defaultMinSampleSize    = 1000
	defaultMaxDurationHours = 168.0
	defaultConfidenceLevel  = 0.95
	defaultPrimaryMetric    = datatypes.MetricComposite

	// allocationTolerance is the slack allowed on the 100% sum, covering
	// float drift from even challenger splits.
	allocationTolerance = 0.5

	// minConfidenceSamples gates the confidence heuristic: below this per
	// arm, confidence stays at the 0.5 floor.
	minConfidenceSamples = 100

	// recommendConfidence is the fixed bar for recommending a switch,
	// independent of the experiment's configured stop level.
	recommendConfidence = 0.9

	// strongImprovementPct marks an improvement worth calling strong.
	strongImprovementPct = 10.0

	// activeRetention and completedRetention bound how long experiment
	// records survive in the store.
	activeRetention    = 30 * 24 * time.Hour
	completedRetention = 90 * 24 * time.Hour
)

// =============================================================================
// Collaborator interfaces
// =============================================================================

// MetricsSource supplies the per-arm production aggregates refreshed on
// every monitoring tick. The performance monitor implements this.
type MetricsSource interface {
	ArmMetrics(domain, modelID string) datatypes.ArmMetrics
}

// ModelRegistry is the slice of the registry the manager needs: arm
// validation at creation and promotion of a winning challenger.
type ModelRegistry interface {
	GetVersion(domain, versionID string) (*datatypes.ModelVersion, error)
	Promote(domain, versionID string) error
}

// =============================================================================
// Manager
// =============================================================================

// Manager creates, monitors, and stops A/B tests.
//
// # Fields
//
//   - repo: durable experiment and result records.
//   - registry: arm validation and winner promotion.
//   - metrics: per-arm aggregate source for monitoring ticks.
//   - bus: emits experiment.stopped events.
//   - active: per-domain cache of the active experiment, consulted by
//     the traffic router on every ab_test selection.
type Manager struct {
	repo     store.Repository
	registry ModelRegistry
	metrics  MetricsSource
	bus      *events.Bus
	obs      *observability.Metrics

	// now is swappable for tests.
	now func() time.Time

	mu     sync.RWMutex
	active map[string]*datatypes.Experiment
}

// New creates an experiment manager. bus and obs may be nil.
func New(repo store.Repository, registry ModelRegistry, metrics MetricsSource, bus *events.Bus, obs *observability.Metrics) *Manager {
	return &Manager{
		repo:     repo,
		registry: registry,
		metrics:  metrics,
		bus:      bus,
		obs:      obs,
		now:      time.Now,
		active:   make(map[string]*datatypes.Experiment),
	}
}

// LoadActive rebuilds the active-experiment cache from the store. Call
// once at startup so in-flight tests survive a restart.
func (m *Manager) LoadActive() error {
	loaded := make(map[string]*datatypes.Experiment)
	err := m.repo.Scan("experiment/", func(key string, value []byte) error {
		var exp datatypes.Experiment
		if err := decodeJSON(value, &exp); err != nil {
			slog.Warn("skipping undecodable experiment record", "key", key, "error", err)
			return nil
		}
		if exp.Status == datatypes.ExperimentActive {
			loaded[exp.Domain] = &exp
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading active experiments: %w", err)
	}

	m.mu.Lock()
	m.active = loaded
	m.mu.Unlock()
	m.setActiveGauge(len(loaded))
	slog.Info("active experiments loaded", "count", len(loaded))
	return nil
}

// CreateTest validates and persists a new A/B test and makes it the
// domain's active experiment.
func (m *Manager) CreateTest(req datatypes.CreateExperimentRequest) (*datatypes.Experiment, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid experiment request: %w", err)
	}
	if _, ok := m.ActiveExperiment(req.Domain); ok {
		return nil, fmt.Errorf("%w: %s", ErrDomainBusy, req.Domain)
	}
	for _, arm := range append([]string{req.Baseline}, req.Challengers...) {
		if _, err := m.registry.GetVersion(req.Domain, arm); err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrUnknownModel, req.Domain, arm, err)
		}
	}

	allocation, err := resolveAllocation(req)
	if err != nil {
		return nil, err
	}

	exp := &datatypes.Experiment{
		TestID:      uuid.NewString(),
		Name:        req.Name,
		Domain:      req.Domain,
		Status:      datatypes.ExperimentActive,
		Baseline:    req.Baseline,
		Challengers: req.Challengers,
		Allocation:  allocation,
		Metrics:     make(map[string]datatypes.ArmMetrics, 1+len(req.Challengers)),
		StartDate:   m.now().UTC(),
		Config:      resolveConfig(req.Config),
	}
	for _, arm := range exp.Arms() {
		exp.Metrics[arm] = datatypes.ArmMetrics{}
	}

	if err := m.repo.PutWithTTL(store.ExperimentKey(exp.TestID), exp, activeRetention); err != nil {
		return nil, fmt.Errorf("persisting experiment: %w", err)
	}

	m.mu.Lock()
	m.active[exp.Domain] = exp
	count := len(m.active)
	m.mu.Unlock()
	m.setActiveGauge(count)

	slog.Info("experiment created",
		"test_id", exp.TestID,
		"domain", exp.Domain,
		"baseline", exp.Baseline,
		"challengers", len(exp.Challengers))
	return exp, nil
}

// resolveAllocation applies the default 50% baseline / even challenger
// split, or validates a caller-provided allocation. Allocations that do
// not sum to ~100 are rejected outright, never normalized.
func resolveAllocation(req datatypes.CreateExperimentRequest) (datatypes.TrafficAllocation, error) {
	if req.Allocation == nil {
		split := (100 - defaultBaselinePct) / float64(len(req.Challengers))
		challengers := make(map[string]float64, len(req.Challengers))
		for _, id := range req.Challengers {
			challengers[id] = split
		}
		return datatypes.TrafficAllocation{Baseline: defaultBaselinePct, Challengers: challengers}, nil
	}

	a := *req.Allocation
	for _, id := range req.Challengers {
		if _, ok := a.Challengers[id]; !ok {
			return datatypes.TrafficAllocation{}, fmt.Errorf("%w: challenger %s has no allocation", ErrInvalidAllocation, id)
		}
	}
	if total := a.Total(); total < 100-allocationTolerance || total > 100+allocationTolerance {
		return datatypes.TrafficAllocation{}, fmt.Errorf("%w: arm percentages sum to %.2f, want 100", ErrInvalidAllocation, total)
	}
	return a, nil
}

func resolveConfig(c *datatypes.ExperimentConfig) datatypes.ExperimentConfig {
	cfg := datatypes.ExperimentConfig{
		MinSampleSize:    defaultMinSampleSize,
		MaxDurationHours: defaultMaxDurationHours,
		ConfidenceLevel:  defaultConfidenceLevel,
		PrimaryMetric:    defaultPrimaryMetric,
		AutoStop:         true,
		AutoPromote:      false,
	}
	if c == nil {
		return cfg
	}
	if c.MinSampleSize > 0 {
		cfg.MinSampleSize = c.MinSampleSize
	}
	if c.MaxDurationHours > 0 {
		cfg.MaxDurationHours = c.MaxDurationHours
	}
	if c.ConfidenceLevel > 0 {
		cfg.ConfidenceLevel = c.ConfidenceLevel
	}
	if c.PrimaryMetric != "" {
		cfg.PrimaryMetric = c.PrimaryMetric
	}
	cfg.AutoStop = c.AutoStop
	cfg.AutoPromote = c.AutoPromote
	return cfg
}

// GetTest returns a test by ID, active or not.
func (m *Manager) GetTest(testID string) (*datatypes.Experiment, error) {
	var exp datatypes.Experiment
	if err := m.repo.Get(store.ExperimentKey(testID), &exp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
		}
		return nil, err
	}
	return &exp, nil
}

// ListTests returns all retained tests, newest first. An empty domain
// returns every domain's tests.
func (m *Manager) ListTests(domain string) ([]datatypes.Experiment, error) {
	var out []datatypes.Experiment
	err := m.repo.Scan("experiment/", func(key string, value []byte) error {
		var exp datatypes.Experiment
		if err := decodeJSON(value, &exp); err != nil {
			return nil
		}
		if domain == "" || exp.Domain == domain {
			out = append(out, exp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartDate.After(out[i].StartDate) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// ActiveExperiment returns the domain's active test, if any. Implements
// the traffic router's experiment source.
func (m *Manager) ActiveExperiment(domain string) (*datatypes.Experiment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.active[domain]
	return exp, ok
}

// GetResult returns the frozen result of a stopped test.
func (m *Manager) GetResult(testID string) (*datatypes.ExperimentResult, error) {
	var result datatypes.ExperimentResult
	if err := m.repo.Get(store.ResultKey(testID), &result); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
		}
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// Monitoring sweep
// =============================================================================

// MonitorAll refreshes every active experiment and applies the stop
// rules. Called from the background scheduler; never on the request
// path.
func (m *Manager) MonitorAll() {
	start := m.now()

	m.mu.RLock()
	snapshot := make([]*datatypes.Experiment, 0, len(m.active))
	for _, exp := range m.active {
		snapshot = append(snapshot, exp)
	}
	m.mu.RUnlock()

	for _, exp := range snapshot {
		if err := m.monitorOne(exp); err != nil {
			slog.Error("experiment monitoring tick failed", "test_id", exp.TestID, "error", err)
		}
	}

	if m.obs != nil {
		m.obs.SweepDurationSeconds.WithLabelValues("experiment_monitor").
			Observe(m.now().Sub(start).Seconds())
	}
}

// monitorOne refreshes one experiment's arm metrics and applies, in
// order: max-duration stop, min-sample gate, confidence auto-stop.
func (m *Manager) monitorOne(prev *datatypes.Experiment) error {
	exp := m.refreshMetrics(prev)

	hoursRunning := m.now().Sub(exp.StartDate).Hours()
	if hoursRunning >= exp.Config.MaxDurationHours {
		_, err := m.stop(exp, "max duration reached")
		return err
	}

	var totalSamples int64
	for _, am := range exp.Metrics {
		totalSamples += am.Samples
	}
	if totalSamples < exp.Config.MinSampleSize {
		return m.persistActive(exp)
	}

	if exp.Config.AutoStop {
		if confidence(exp) >= exp.Config.ConfidenceLevel {
			_, err := m.stop(exp, "statistical significance reached")
			return err
		}
	}
	return m.persistActive(exp)
}

// refreshMetrics builds a new record with current arm aggregates. The
// previous record is never mutated; the router may be reading it.
func (m *Manager) refreshMetrics(prev *datatypes.Experiment) *datatypes.Experiment {
	exp := *prev
	exp.Metrics = make(map[string]datatypes.ArmMetrics, len(prev.Arms()))
	for _, arm := range prev.Arms() {
		exp.Metrics[arm] = m.metrics.ArmMetrics(prev.Domain, arm)
	}
	conf := confidence(&exp)
	for arm, am := range exp.Metrics {
		am.Confidence = conf
		exp.Metrics[arm] = am
	}
	return &exp
}

func (m *Manager) persistActive(exp *datatypes.Experiment) error {
	if err := m.repo.PutWithTTL(store.ExperimentKey(exp.TestID), exp, activeRetention); err != nil {
		return fmt.Errorf("persisting experiment %s: %w", exp.TestID, err)
	}
	m.mu.Lock()
	m.active[exp.Domain] = exp
	m.mu.Unlock()
	return nil
}

// =============================================================================
// Scoring
// =============================================================================

// armScore scores one arm under the experiment's primary metric. Higher
// is better for every metric.
func armScore(metric datatypes.PrimaryMetric, am datatypes.ArmMetrics) float64 {
	switch metric {
	case datatypes.MetricResponseTime:
		if am.AvgResponseTime <= 0 {
			return 0
		}
		return 1000 / am.AvgResponseTime
	case datatypes.MetricErrorRate:
		return 1 - am.ErrorRate
	case datatypes.MetricUserSatisfaction:
		return am.UserSatisfaction
	default:
		score := 0.3*(1-am.ErrorRate) + 0.3*am.UserSatisfaction
		if am.AvgResponseTime > 0 {
			score += 0.2 * (1000 / am.AvgResponseTime)
		}
		samples := am.Samples
		if samples < 1 {
			samples = 1
		}
		score += 0.2 * (float64(am.Conversions) / float64(samples))
		return score
	}
}

// confidence is a sample-count heuristic bounded to [0.5, 0.95]. Until
// the baseline and every challenger clear 100 samples it stays at the
// 0.5 floor, then grows linearly with the scarcest challenger's count.
func confidence(exp *datatypes.Experiment) float64 {
	baseline := exp.Metrics[exp.Baseline].Samples
	if baseline < minConfidenceSamples {
		return 0.5
	}
	minChallenger := int64(-1)
	for _, id := range exp.Challengers {
		s := exp.Metrics[id].Samples
		if minChallenger < 0 || s < minChallenger {
			minChallenger = s
		}
	}
	if minChallenger < minConfidenceSamples {
		return 0.5
	}
	conf := 0.5 + (float64(minChallenger)/1000)*0.45
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// buildResult scores every arm and produces the frozen outcome.
func (m *Manager) buildResult(exp *datatypes.Experiment, reason string) *datatypes.ExperimentResult {
	winner := exp.Baseline
	winnerScore := armScore(exp.Config.PrimaryMetric, exp.Metrics[exp.Baseline])
	baselineScore := winnerScore
	for _, id := range exp.Challengers {
		if s := armScore(exp.Config.PrimaryMetric, exp.Metrics[id]); s > winnerScore {
			winner, winnerScore = id, s
		}
	}

	improvement := 0.0
	if baselineScore != 0 {
		improvement = (winnerScore - baselineScore) / baselineScore * 100
	}
	conf := confidence(exp)

	var recommendation string
	switch {
	case winner == exp.Baseline:
		recommendation = "keep baseline"
	case conf < recommendConfidence:
		recommendation = "need more data"
	case improvement > strongImprovementPct:
		recommendation = fmt.Sprintf("strong improvement, switch to %s", winner)
	default:
		recommendation = fmt.Sprintf("switch to %s", winner)
	}

	metrics := make(map[string]datatypes.ArmMetrics, len(exp.Metrics))
	for arm, am := range exp.Metrics {
		metrics[arm] = am
	}
	return &datatypes.ExperimentResult{
		TestID:         exp.TestID,
		Winner:         winner,
		BaselineScore:  baselineScore,
		WinnerScore:    winnerScore,
		ImprovementPct: improvement,
		Confidence:     conf,
		Recommendation: recommendation,
		StopReason:     reason,
		Metrics:        metrics,
		StoppedAt:      m.now().UTC(),
	}
}

// =============================================================================
// Termination, pause, resume
// =============================================================================

// StopTest terminates a test and freezes its result. Completed tests
// cannot be stopped again; they have left the active set.
func (m *Manager) StopTest(testID, reason string) (*datatypes.ExperimentResult, error) {
	exp, err := m.GetTest(testID)
	if err != nil {
		return nil, err
	}
	if exp.Status == datatypes.ExperimentCompleted {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	if reason == "" {
		reason = "manual stop"
	}
	if exp.Status == datatypes.ExperimentActive {
		exp = m.refreshMetrics(exp)
	}
	return m.stop(exp, reason)
}

func (m *Manager) stop(exp *datatypes.Experiment, reason string) (*datatypes.ExperimentResult, error) {
	result := m.buildResult(exp, reason)

	final := *exp
	final.Status = datatypes.ExperimentCompleted
	ended := m.now().UTC()
	final.EndDate = &ended
	final.StopReason = reason

	if err := m.repo.PutWithTTL(store.ExperimentKey(final.TestID), &final, completedRetention); err != nil {
		return nil, fmt.Errorf("persisting completed experiment: %w", err)
	}
	if err := m.repo.PutWithTTL(store.ResultKey(final.TestID), result, completedRetention); err != nil {
		return nil, fmt.Errorf("persisting experiment result: %w", err)
	}

	m.mu.Lock()
	if cur, ok := m.active[final.Domain]; ok && cur.TestID == final.TestID {
		delete(m.active, final.Domain)
	}
	count := len(m.active)
	m.mu.Unlock()
	m.setActiveGauge(count)

	slog.Info("experiment stopped",
		"test_id", final.TestID,
		"domain", final.Domain,
		"winner", result.Winner,
		"improvement_pct", result.ImprovementPct,
		"confidence", result.Confidence,
		"reason", reason)

	if m.bus != nil {
		m.bus.Publish(events.NewEvent(events.EventExperimentStopped, final.Domain, map[string]any{
			"test_id":        final.TestID,
			"winner":         result.Winner,
			"reason":         reason,
			"recommendation": result.Recommendation,
		}))
	}

	if final.Config.AutoPromote && result.Winner != final.Baseline {
		if err := m.registry.Promote(final.Domain, result.Winner); err != nil {
			slog.Error("auto-promotion failed", "test_id", final.TestID, "winner", result.Winner, "error", err)
		} else {
			slog.Info("experiment winner promoted", "test_id", final.TestID, "winner", result.Winner)
		}
	}
	return result, nil
}

// PauseTest suspends an active test. Routing falls back to the domain's
// active version while paused; sticky assignments are retained.
func (m *Manager) PauseTest(testID string) error {
	exp, err := m.GetTest(testID)
	if err != nil {
		return err
	}
	if exp.Status == datatypes.ExperimentCompleted {
		return fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	if exp.Status != datatypes.ExperimentActive {
		return fmt.Errorf("%w: %s is %s", ErrTestNotActive, testID, exp.Status)
	}

	paused := *exp
	paused.Status = datatypes.ExperimentPaused
	if err := m.repo.PutWithTTL(store.ExperimentKey(testID), &paused, activeRetention); err != nil {
		return fmt.Errorf("persisting paused experiment: %w", err)
	}

	m.mu.Lock()
	if cur, ok := m.active[paused.Domain]; ok && cur.TestID == testID {
		delete(m.active, paused.Domain)
	}
	count := len(m.active)
	m.mu.Unlock()
	m.setActiveGauge(count)

	slog.Info("experiment paused", "test_id", testID, "domain", paused.Domain)
	return nil
}

// ResumeTest reactivates a paused test.
func (m *Manager) ResumeTest(testID string) error {
	exp, err := m.GetTest(testID)
	if err != nil {
		return err
	}
	if exp.Status == datatypes.ExperimentCompleted {
		return fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	if exp.Status != datatypes.ExperimentPaused {
		return fmt.Errorf("%w: %s is %s", ErrTestNotPaused, testID, exp.Status)
	}
	if cur, ok := m.ActiveExperiment(exp.Domain); ok {
		return fmt.Errorf("%w: %s (test %s)", ErrDomainBusy, exp.Domain, cur.TestID)
	}

	resumed := *exp
	resumed.Status = datatypes.ExperimentActive
	if err := m.repo.PutWithTTL(store.ExperimentKey(testID), &resumed, activeRetention); err != nil {
		return fmt.Errorf("persisting resumed experiment: %w", err)
	}

	m.mu.Lock()
	m.active[resumed.Domain] = &resumed
	count := len(m.active)
	m.mu.Unlock()
	m.setActiveGauge(count)

	slog.Info("experiment resumed", "test_id", testID, "domain", resumed.Domain)
	return nil
}

func (m *Manager) setActiveGauge(count int) {
	if m.obs != nil {
		m.obs.ActiveExperiments.Set(float64(count))
	}
}

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
