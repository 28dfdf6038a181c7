// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/registry"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
)

// fakeMetrics serves canned per-arm aggregates keyed by model ID.
type fakeMetrics struct {
	arms map[string]datatypes.ArmMetrics
}

func (f *fakeMetrics) ArmMetrics(_, modelID string) datatypes.ArmMetrics {
	return f.arms[modelID]
}

type fixture struct {
	manager  *Manager
	registry *registry.Registry
	repo     store.Repository
	metrics  *fakeMetrics
	baseline string
	chall    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := registry.New(repo, nil)
	base, err := reg.RegisterVersion("legal_analysis", "mistral:7b", "job-1", "")
	require.NoError(t, err)
	chall, err := reg.RegisterVersion("legal_analysis", "mistral:7b", "job-2", "")
	require.NoError(t, err)

	metrics := &fakeMetrics{arms: map[string]datatypes.ArmMetrics{}}
	return &fixture{
		manager:  New(repo, reg, metrics, nil, nil),
		registry: reg,
		repo:     repo,
		metrics:  metrics,
		baseline: base.VersionID,
		chall:    chall.VersionID,
	}
}

func (f *fixture) createTest(t *testing.T, req datatypes.CreateExperimentRequest) *datatypes.Experiment {
	t.Helper()
	if req.Name == "" {
		req.Name = "challenger eval"
	}
	if req.Domain == "" {
		req.Domain = "legal_analysis"
	}
	if req.Baseline == "" {
		req.Baseline = f.baseline
	}
	if req.Challengers == nil {
		req.Challengers = []string{f.chall}
	}
	exp, err := f.manager.CreateTest(req)
	require.NoError(t, err)
	return exp
}

func TestCreateTestDefaults(t *testing.T) {
	f := newFixture(t)
	exp := f.createTest(t, datatypes.CreateExperimentRequest{})

	assert.NotEmpty(t, exp.TestID)
	assert.Equal(t, datatypes.ExperimentActive, exp.Status)
	assert.Equal(t, 50.0, exp.Allocation.Baseline)
	assert.Equal(t, 50.0, exp.Allocation.Challengers[f.chall])
	assert.Equal(t, int64(1000), exp.Config.MinSampleSize)
	assert.Equal(t, 168.0, exp.Config.MaxDurationHours)
	assert.Equal(t, 0.95, exp.Config.ConfidenceLevel)
	assert.Equal(t, datatypes.MetricComposite, exp.Config.PrimaryMetric)
	assert.True(t, exp.Config.AutoStop)
	assert.False(t, exp.Config.AutoPromote)

	got, ok := f.manager.ActiveExperiment("legal_analysis")
	require.True(t, ok)
	assert.Equal(t, exp.TestID, got.TestID)
}

func TestCreateTestSplitsEvenlyAcrossChallengers(t *testing.T) {
	f := newFixture(t)
	third, err := f.registry.RegisterVersion("legal_analysis", "mistral:7b", "job-3", "")
	require.NoError(t, err)

	exp := f.createTest(t, datatypes.CreateExperimentRequest{
		Challengers: []string{f.chall, third.VersionID},
	})
	assert.Equal(t, 50.0, exp.Allocation.Baseline)
	assert.Equal(t, 25.0, exp.Allocation.Challengers[f.chall])
	assert.Equal(t, 25.0, exp.Allocation.Challengers[third.VersionID])
	assert.InDelta(t, 100, exp.Allocation.Total(), 0.001)
}

func TestCreateTestRejectsBadAllocation(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.CreateTest(datatypes.CreateExperimentRequest{
		Name:        "skewed",
		Domain:      "legal_analysis",
		Baseline:    f.baseline,
		Challengers: []string{f.chall},
		Allocation: &datatypes.TrafficAllocation{
			Baseline:    60,
			Challengers: map[string]float64{f.chall: 30},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidAllocation)

	_, err = f.manager.CreateTest(datatypes.CreateExperimentRequest{
		Name:        "unallocated challenger",
		Domain:      "legal_analysis",
		Baseline:    f.baseline,
		Challengers: []string{f.chall},
		Allocation: &datatypes.TrafficAllocation{
			Baseline:    100,
			Challengers: map[string]float64{},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidAllocation)
}

func TestCreateTestOneActivePerDomain(t *testing.T) {
	f := newFixture(t)
	f.createTest(t, datatypes.CreateExperimentRequest{})

	_, err := f.manager.CreateTest(datatypes.CreateExperimentRequest{
		Name:        "second",
		Domain:      "legal_analysis",
		Baseline:    f.baseline,
		Challengers: []string{f.chall},
	})
	assert.ErrorIs(t, err, ErrDomainBusy)
}

func TestCreateTestRejectsUnknownModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.CreateTest(datatypes.CreateExperimentRequest{
		Name:        "ghost arm",
		Domain:      "legal_analysis",
		Baseline:    f.baseline,
		Challengers: []string{"no-such-version"},
	})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

// TestChallengerLeadsButNeedsMoreData walks the composite-metric
// scenario end to end: the challenger scores ahead on every axis except
// error rate, yet at 500 samples per arm the heuristic confidence is
// 0.725 and the test must keep running.
func TestChallengerLeadsButNeedsMoreData(t *testing.T) {
	f := newFixture(t)
	f.metrics.arms[f.baseline] = datatypes.ArmMetrics{
		Samples: 500, AvgResponseTime: 100, ErrorRate: 0.01, UserSatisfaction: 0.9,
	}
	f.metrics.arms[f.chall] = datatypes.ArmMetrics{
		Samples: 500, AvgResponseTime: 80, ErrorRate: 0.02, UserSatisfaction: 0.92,
	}
	exp := f.createTest(t, datatypes.CreateExperimentRequest{})

	f.manager.MonitorAll()

	// 1000 total samples meets the floor, but confidence 0.725 is far
	// from the 0.95 stop level.
	refreshed, ok := f.manager.ActiveExperiment("legal_analysis")
	require.True(t, ok, "experiment must not auto-stop")
	assert.Equal(t, datatypes.ExperimentActive, refreshed.Status)
	assert.InDelta(t, 0.725, refreshed.Metrics[f.chall].Confidence, 0.001)

	result, err := f.manager.StopTest(exp.TestID, "operator review")
	require.NoError(t, err)
	assert.Equal(t, f.chall, result.Winner)
	assert.InDelta(t, 2.567, result.BaselineScore, 0.001)
	assert.InDelta(t, 3.07, result.WinnerScore, 0.001)
	assert.InDelta(t, 19.6, result.ImprovementPct, 0.1)
	assert.InDelta(t, 0.725, result.Confidence, 0.001)
	assert.Equal(t, "need more data", result.Recommendation)
}

func TestNoAutoStopBelowMinSampleSize(t *testing.T) {
	f := newFixture(t)
	f.metrics.arms[f.baseline] = datatypes.ArmMetrics{Samples: 400, AvgResponseTime: 100}
	f.metrics.arms[f.chall] = datatypes.ArmMetrics{Samples: 400, AvgResponseTime: 80}

	// Confidence 0.68 clears the configured level, but 800 total samples
	// is under the floor.
	f.createTest(t, datatypes.CreateExperimentRequest{
		Config: &datatypes.ExperimentConfig{
			MinSampleSize:   5000,
			ConfidenceLevel: 0.6,
			AutoStop:        true,
		},
	})
	f.manager.MonitorAll()

	got, ok := f.manager.ActiveExperiment("legal_analysis")
	require.True(t, ok)
	assert.Equal(t, datatypes.ExperimentActive, got.Status)
}

func TestAutoStopPromotesWinner(t *testing.T) {
	f := newFixture(t)
	f.metrics.arms[f.baseline] = datatypes.ArmMetrics{
		Samples: 1200, AvgResponseTime: 100, ErrorRate: 0.05, UserSatisfaction: 0.8,
	}
	f.metrics.arms[f.chall] = datatypes.ArmMetrics{
		Samples: 1200, AvgResponseTime: 60, ErrorRate: 0.01, UserSatisfaction: 0.95,
	}
	exp := f.createTest(t, datatypes.CreateExperimentRequest{
		Config: &datatypes.ExperimentConfig{
			AutoStop:    true,
			AutoPromote: true,
		},
	})

	f.manager.MonitorAll()

	_, ok := f.manager.ActiveExperiment("legal_analysis")
	assert.False(t, ok, "experiment should have auto-stopped")

	stored, err := f.manager.GetTest(exp.TestID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ExperimentCompleted, stored.Status)
	assert.Equal(t, "statistical significance reached", stored.StopReason)
	require.NotNil(t, stored.EndDate)

	result, err := f.manager.GetResult(exp.TestID)
	require.NoError(t, err)
	assert.Equal(t, f.chall, result.Winner)

	cfg, err := f.registry.GetRoutingConfig("legal_analysis")
	require.NoError(t, err)
	assert.Equal(t, f.chall, cfg.ActiveVersion)
}

func TestMaxDurationStop(t *testing.T) {
	f := newFixture(t)
	exp := f.createTest(t, datatypes.CreateExperimentRequest{})

	f.manager.now = func() time.Time { return exp.StartDate.Add(200 * time.Hour) }
	f.manager.MonitorAll()

	stored, err := f.manager.GetTest(exp.TestID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ExperimentCompleted, stored.Status)
	assert.Equal(t, "max duration reached", stored.StopReason)
}

func TestStopCompletedTestFails(t *testing.T) {
	f := newFixture(t)
	exp := f.createTest(t, datatypes.CreateExperimentRequest{})

	_, err := f.manager.StopTest(exp.TestID, "")
	require.NoError(t, err)

	_, err = f.manager.StopTest(exp.TestID, "")
	assert.ErrorIs(t, err, ErrTestNotFound)
}

func TestStopUnknownTestFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.StopTest("nope", "")
	assert.ErrorIs(t, err, ErrTestNotFound)
}

func TestKeepBaselineWhenBaselineWins(t *testing.T) {
	f := newFixture(t)
	f.metrics.arms[f.baseline] = datatypes.ArmMetrics{
		Samples: 2000, AvgResponseTime: 60, ErrorRate: 0.01, UserSatisfaction: 0.95,
	}
	f.metrics.arms[f.chall] = datatypes.ArmMetrics{
		Samples: 2000, AvgResponseTime: 150, ErrorRate: 0.08, UserSatisfaction: 0.7,
	}
	exp := f.createTest(t, datatypes.CreateExperimentRequest{
		Config: &datatypes.ExperimentConfig{AutoStop: false},
	})

	result, err := f.manager.StopTest(exp.TestID, "")
	require.NoError(t, err)
	assert.Equal(t, f.baseline, result.Winner)
	assert.Equal(t, "keep baseline", result.Recommendation)
	assert.Equal(t, "manual stop", result.StopReason)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	exp := f.createTest(t, datatypes.CreateExperimentRequest{})

	require.NoError(t, f.manager.PauseTest(exp.TestID))
	_, ok := f.manager.ActiveExperiment("legal_analysis")
	assert.False(t, ok)

	assert.ErrorIs(t, f.manager.PauseTest(exp.TestID), ErrTestNotActive)

	require.NoError(t, f.manager.ResumeTest(exp.TestID))
	got, ok := f.manager.ActiveExperiment("legal_analysis")
	require.True(t, ok)
	assert.Equal(t, exp.TestID, got.TestID)

	assert.ErrorIs(t, f.manager.ResumeTest(exp.TestID), ErrTestNotPaused)
}

func TestLoadActiveRestoresCache(t *testing.T) {
	f := newFixture(t)
	exp := f.createTest(t, datatypes.CreateExperimentRequest{})

	fresh := New(f.repo, f.registry, f.metrics, nil, nil)
	require.NoError(t, fresh.LoadActive())

	got, ok := fresh.ActiveExperiment("legal_analysis")
	require.True(t, ok)
	assert.Equal(t, exp.TestID, got.TestID)
}

func TestConfidenceBounds(t *testing.T) {
	cases := []struct {
		name       string
		baseline   int64
		challenger int64
		want       float64
	}{
		{"no samples", 0, 0, 0.5},
		{"baseline under floor", 99, 1000, 0.5},
		{"challenger under floor", 1000, 99, 0.5},
		{"at floor", 100, 100, 0.545},
		{"midway", 500, 500, 0.725},
		{"capped", 5000, 5000, 0.95},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exp := &datatypes.Experiment{
				Baseline:    "a",
				Challengers: []string{"b"},
				Metrics: map[string]datatypes.ArmMetrics{
					"a": {Samples: tc.baseline},
					"b": {Samples: tc.challenger},
				},
			}
			got := confidence(exp)
			assert.InDelta(t, tc.want, got, 0.001)
			assert.GreaterOrEqual(t, got, 0.5)
			assert.LessOrEqual(t, got, 0.95)
		})
	}
}

func TestCompositeScoreMonotonicInErrorRate(t *testing.T) {
	base := datatypes.ArmMetrics{
		Samples: 1000, AvgResponseTime: 100, UserSatisfaction: 0.8, Conversions: 50,
	}
	prev := math.Inf(1)
	for _, errRate := range []float64{0.0, 0.05, 0.1, 0.3, 0.9} {
		m := base
		m.ErrorRate = errRate
		score := armScore(datatypes.MetricComposite, m)
		assert.Less(t, score, prev, "errorRate %.2f", errRate)
		prev = score
	}
}

func TestPrimaryMetricVariants(t *testing.T) {
	m := datatypes.ArmMetrics{AvgResponseTime: 200, ErrorRate: 0.1, UserSatisfaction: 0.7}
	assert.InDelta(t, 5.0, armScore(datatypes.MetricResponseTime, m), 0.001)
	assert.InDelta(t, 0.9, armScore(datatypes.MetricErrorRate, m), 0.001)
	assert.InDelta(t, 0.7, armScore(datatypes.MetricUserSatisfaction, m), 0.001)
}
