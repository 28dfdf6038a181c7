// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor aggregates per-model production telemetry.
//
// # Description
//
// Every served request lands one RecordGeneration call and at most one
// RecordFeedback call here. Counters are incremented atomically in the
// durable store alongside a trailing seven-day per-day rollup; metric
// queries are answered from a five-minute cache that is invalidated
// eagerly on every write for the model.
//
// Availability of the request path wins over metric freshness: store
// failures on this path are logged and degrade to zeroed aggregates,
// they never fail the caller.
//
// # Thread Safety
//
// Safe for concurrent use. Counter correctness relies on the store's
// atomic-add primitive, not on client-side locking.
package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/events"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/observability"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
)

const (
	// metricsCacheTTL bounds staleness when no writes land for a model.
	metricsCacheTTL = 5 * time.Minute

	// rollupDays is the trailing window served by trend queries.
	rollupDays = 7

	// rollupRetention keeps one spare day beyond the query window so a
	// day never expires mid-read.
	rollupRetention = (rollupDays + 1) * 24 * time.Hour

	// minCompareSamples gates model comparison; below this per side the
	// answer is "need more data".
	minCompareSamples = 100

	// minRankSamples gates the top-performer ranking.
	minRankSamples = 10
)

// ErrUnsupportedFormat is returned by Export for unknown formats.
var ErrUnsupportedFormat = errors.New("monitor: unsupported export format")

// Counter field names inside usage documents.
const (
	fieldRequests     = "total_requests"
	fieldResponseTime = "total_response_time"
	fieldTokens       = "total_tokens"
	fieldErrors       = "total_errors"
	fieldConversions  = "total_conversions"
	fieldFeedbackN    = "feedback_count"
	fieldFeedbackSum  = "feedback_score_sum"
)

// Rollup field names inside per-day documents.
const (
	dayRequests     = "requests"
	dayResponseTime = "total_response_time"
	dayErrors       = "errors"
	dayTokens       = "tokens"
	dayFeedbackN    = "feedback_count"
	dayFeedbackSum  = "feedback_score_sum"
)

// Monitor is the performance telemetry aggregator.
type Monitor struct {
	repo  store.Repository
	bus   *events.Bus
	obs   *observability.Metrics
	cache *metricsCache

	// now is swappable for tests.
	now func() time.Time
}

// New creates a monitor. bus and obs may be nil in tests.
func New(repo store.Repository, bus *events.Bus, obs *observability.Metrics) *Monitor {
	return &Monitor{
		repo:  repo,
		bus:   bus,
		obs:   obs,
		cache: newMetricsCache(metricsCacheTTL),
		now:   time.Now,
	}
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

func cacheKey(domain, modelID string) string { return domain + "/" + modelID }

// RecordGeneration records one served generation. Synchronous and on
// the request path; failures are logged, never returned.
func (m *Monitor) RecordGeneration(domain, modelID, requestID string, responseTimeMs, tokens int64, success bool) {
	deltas := map[string]int64{
		fieldRequests:     1,
		fieldResponseTime: responseTimeMs,
		fieldTokens:       tokens,
	}
	dayDeltas := map[string]int64{
		dayRequests:     1,
		dayResponseTime: responseTimeMs,
		dayTokens:       tokens,
	}
	status := "success"
	if !success {
		status = "error"
		deltas[fieldErrors] = 1
		dayDeltas[dayErrors] = 1
	}

	if err := m.repo.AtomicAdd(store.UsageKey(domain, modelID), deltas, 0); err != nil {
		slog.Error("record generation: usage counters", "domain", domain, "model", modelID, "request_id", requestID, "error", err)
	}
	day := dayOf(m.now())
	if err := m.repo.AtomicAdd(store.RollupKey(domain, modelID, day), dayDeltas, rollupRetention); err != nil {
		slog.Error("record generation: day rollup", "domain", domain, "model", modelID, "day", day, "error", err)
	}

	m.cache.invalidate(cacheKey(domain, modelID))
	if m.obs != nil {
		m.obs.GenerationsRecordedTotal.WithLabelValues(domain, status).Inc()
	}
}

// RecordConversion counts one successful task completion attributed to
// the model.
func (m *Monitor) RecordConversion(domain, modelID string) {
	if err := m.repo.AtomicAdd(store.UsageKey(domain, modelID), map[string]int64{fieldConversions: 1}, 0); err != nil {
		slog.Error("record conversion", "domain", domain, "model", modelID, "error", err)
	}
	m.cache.invalidate(cacheKey(domain, modelID))
}

// RecordFeedback records one 1-5 user rating. Out-of-range scores are
// clamped rather than rejected; the request path never fails here.
func (m *Monitor) RecordFeedback(domain, modelID, requestID string, score int) {
	if score < 1 {
		score = 1
	}
	if score > 5 {
		score = 5
	}

	deltas := map[string]int64{fieldFeedbackN: 1, fieldFeedbackSum: int64(score)}
	if err := m.repo.AtomicAdd(store.UsageKey(domain, modelID), deltas, 0); err != nil {
		slog.Error("record feedback: usage counters", "domain", domain, "model", modelID, "request_id", requestID, "error", err)
	}

	day := dayOf(m.now())
	dayDeltas := map[string]int64{dayFeedbackN: 1, dayFeedbackSum: int64(score)}
	if err := m.repo.AtomicAdd(store.RollupKey(domain, modelID, day), dayDeltas, rollupRetention); err != nil {
		slog.Error("record feedback: day rollup", "domain", domain, "model", modelID, "day", day, "error", err)
	}

	// Append to the day's raw score list.
	err := m.repo.Update(store.RollupFeedbackKey(domain, modelID, day), rollupRetention, func(current []byte) ([]byte, error) {
		var scores []int
		if len(current) > 0 {
			if err := json.Unmarshal(current, &scores); err != nil {
				return nil, err
			}
		}
		scores = append(scores, score)
		return json.Marshal(scores)
	})
	if err != nil {
		slog.Error("record feedback: day score list", "domain", domain, "model", modelID, "day", day, "error", err)
	}

	m.cache.invalidate(cacheKey(domain, modelID))
	if m.obs != nil {
		m.obs.FeedbackRecordedTotal.WithLabelValues(domain).Inc()
	}
}

// GetMetrics returns the aggregate view for one model, served from the
// cache when fresh. A model with no recorded traffic yields a zeroed
// aggregate, not an error.
func (m *Monitor) GetMetrics(domain, modelID string) datatypes.ModelMetrics {
	key := cacheKey(domain, modelID)
	if cached, ok := m.cache.get(key); ok {
		return cached
	}

	counters := m.readCounters(store.UsageKey(domain, modelID))
	metrics := datatypes.ModelMetrics{
		ModelID:      modelID,
		Domain:       domain,
		DailyMetrics: m.readRollups(domain, modelID),
		ComputedAt:   m.now(),
	}
	metrics.TotalRequests = counters[fieldRequests]
	metrics.Conversions = counters[fieldConversions]
	if metrics.TotalRequests > 0 {
		metrics.AvgResponseTime = float64(counters[fieldResponseTime]) / float64(metrics.TotalRequests)
		metrics.AvgTokens = float64(counters[fieldTokens]) / float64(metrics.TotalRequests)
		metrics.ErrorRate = float64(counters[fieldErrors]) / float64(metrics.TotalRequests)
	}
	if n := counters[fieldFeedbackN]; n > 0 {
		avgRating := float64(counters[fieldFeedbackSum]) / float64(n)
		// Map the 1-5 rating scale onto [0, 1].
		metrics.SatisfactionScore = (avgRating - 1) / 4
	}

	m.cache.set(key, metrics)
	return metrics
}

// ArmMetrics returns the experiment-arm view of a model's aggregate.
func (m *Monitor) ArmMetrics(domain, modelID string) datatypes.ArmMetrics {
	agg := m.GetMetrics(domain, modelID)
	return datatypes.ArmMetrics{
		Samples:          agg.TotalRequests,
		AvgResponseTime:  agg.AvgResponseTime,
		ErrorRate:        agg.ErrorRate,
		UserSatisfaction: agg.SatisfactionScore,
		Conversions:      agg.Conversions,
	}
}

// readCounters degrades to an empty map on store failure.
func (m *Monitor) readCounters(key string) map[string]int64 {
	counters := make(map[string]int64)
	if err := m.repo.Get(key, &counters); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("metric read degraded to zero", "key", key, "error", err)
		return map[string]int64{}
	}
	return counters
}

// readRollups returns the trailing window of day buckets, oldest first.
func (m *Monitor) readRollups(domain, modelID string) []datatypes.DayRollup {
	cutoff := dayOf(m.now().AddDate(0, 0, -(rollupDays - 1)))

	var days []datatypes.DayRollup
	prefix := store.RollupKey(domain, modelID, "")
	err := m.repo.Scan(prefix, func(key string, value []byte) error {
		day := strings.TrimPrefix(key, prefix)
		if day < cutoff {
			return nil
		}
		counters := make(map[string]int64)
		if err := json.Unmarshal(value, &counters); err != nil {
			return err
		}
		rollup := datatypes.DayRollup{
			Day:               day,
			Requests:          counters[dayRequests],
			TotalResponseTime: counters[dayResponseTime],
			Errors:            counters[dayErrors],
			Tokens:            counters[dayTokens],
			FeedbackCount:     counters[dayFeedbackN],
			FeedbackScoreSum:  counters[dayFeedbackSum],
		}
		if rollup.Requests > 0 {
			rollup.AvgResponseTime = float64(rollup.TotalResponseTime) / float64(rollup.Requests)
		}
		var scores []int
		if err := m.repo.Get(store.RollupFeedbackKey(domain, modelID, day), &scores); err == nil {
			rollup.FeedbackScores = scores
		}
		days = append(days, rollup)
		return nil
	})
	if err != nil {
		slog.Warn("rollup read degraded", "domain", domain, "model", modelID, "error", err)
		return nil
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day < days[j].Day })
	return days
}

// rankScore is the standalone ranking formula shared by comparison and
// top-performer queries.
func rankScore(m datatypes.ModelMetrics) float64 {
	latencyTerm := 0.0
	if m.AvgResponseTime > 0 {
		latencyTerm = 1000 / m.AvgResponseTime
	}
	return m.SatisfactionScore*0.4 + (1-m.ErrorRate)*0.3 + latencyTerm*0.3
}

// CompareModels answers a baseline-vs-challenger query outside any
// formal experiment. Both sides need at least 100 samples.
func (m *Monitor) CompareModels(domain, baselineID, challengerID string) datatypes.ModelComparison {
	baseline := m.GetMetrics(domain, baselineID)
	challenger := m.GetMetrics(domain, challengerID)

	cmp := datatypes.ModelComparison{
		BaselineID:   baselineID,
		ChallengerID: challengerID,
	}
	if baseline.TotalRequests < minCompareSamples || challenger.TotalRequests < minCompareSamples {
		cmp.Recommendation = "need more data"
		return cmp
	}

	cmp.ResponseTimeChangePct = changePct(baseline.AvgResponseTime, challenger.AvgResponseTime)
	cmp.ErrorRateChangePct = changePct(baseline.ErrorRate, challenger.ErrorRate)
	cmp.SatisfactionChangePct = changePct(baseline.SatisfactionScore, challenger.SatisfactionScore)

	baseScore := rankScore(baseline)
	challScore := rankScore(challenger)
	if challScore > baseScore {
		cmp.Recommendation = fmt.Sprintf("switch to %s", challengerID)
	} else {
		cmp.Recommendation = "keep baseline"
	}
	return cmp
}

func changePct(baseline, challenger float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (challenger - baseline) / baseline * 100
}

// TopPerformers ranks models with at least ten samples. An empty domain
// ranks across all domains.
func (m *Monitor) TopPerformers(domain string, limit int) []datatypes.TopPerformer {
	prefix := "usage/"
	if domain != "" {
		prefix = store.UsageKey(domain, "")
	}

	var performers []datatypes.TopPerformer
	err := m.repo.Scan(prefix, func(key string, _ []byte) error {
		rest := strings.TrimPrefix(key, "usage/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return nil
		}
		agg := m.GetMetrics(parts[0], parts[1])
		if agg.TotalRequests < minRankSamples {
			return nil
		}
		performers = append(performers, datatypes.TopPerformer{
			ModelID: parts[1],
			Domain:  parts[0],
			Score:   rankScore(agg),
			Samples: agg.TotalRequests,
		})
		return nil
	})
	if err != nil {
		slog.Warn("top performer scan degraded", "domain", domain, "error", err)
		return nil
	}

	sort.Slice(performers, func(i, j int) bool { return performers[i].Score > performers[j].Score })
	if limit > 0 && len(performers) > limit {
		performers = performers[:limit]
	}
	return performers
}

// Export serializes the aggregate and daily breakdown. Supported
// formats are "json" and "csv".
func (m *Monitor) Export(domain, modelID, format string) ([]byte, error) {
	metrics := m.GetMetrics(domain, modelID)

	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(metrics, "", "  ")
	case "csv":
		var buf bytes.Buffer
		fmt.Fprintln(&buf, "day,requests,avg_response_time,errors,tokens,feedback_count,feedback_score_sum")
		fmt.Fprintf(&buf, "total,%d,%.2f,%.0f,%.0f,%d,%d\n",
			metrics.TotalRequests,
			metrics.AvgResponseTime,
			metrics.ErrorRate*float64(metrics.TotalRequests),
			metrics.AvgTokens*float64(metrics.TotalRequests),
			sumFeedbackCount(metrics.DailyMetrics),
			sumFeedbackScore(metrics.DailyMetrics),
		)
		for _, day := range metrics.DailyMetrics {
			fmt.Fprintf(&buf, "%s,%d,%.2f,%d,%d,%d,%d\n",
				day.Day, day.Requests, day.AvgResponseTime, day.Errors, day.Tokens,
				day.FeedbackCount, day.FeedbackScoreSum)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func sumFeedbackCount(days []datatypes.DayRollup) int64 {
	var n int64
	for _, d := range days {
		n += d.FeedbackCount
	}
	return n
}

func sumFeedbackScore(days []datatypes.DayRollup) int64 {
	var n int64
	for _, d := range days {
		n += d.FeedbackScoreSum
	}
	return n
}

// CheckDegradation tests one domain's active model against its routing
// thresholds and publishes a degradation event on violation. Called
// from the background sweep; safe to run concurrently from multiple
// instances because it only reads and publishes.
func (m *Monitor) CheckDegradation(cfg *datatypes.DomainRoutingConfig) {
	if cfg == nil || cfg.ActiveVersion == "" {
		return
	}
	agg := m.GetMetrics(cfg.Domain, cfg.ActiveVersion)
	if agg.TotalRequests < minRankSamples {
		return
	}

	var violations []string
	if cfg.Thresholds.MaxErrorRate > 0 && agg.ErrorRate > cfg.Thresholds.MaxErrorRate {
		violations = append(violations, fmt.Sprintf("error_rate %.3f > %.3f", agg.ErrorRate, cfg.Thresholds.MaxErrorRate))
	}
	if cfg.Thresholds.MaxLatencyMs > 0 && agg.AvgResponseTime > cfg.Thresholds.MaxLatencyMs {
		violations = append(violations, fmt.Sprintf("avg_response_time %.0fms > %.0fms", agg.AvgResponseTime, cfg.Thresholds.MaxLatencyMs))
	}
	if len(violations) == 0 {
		return
	}

	slog.Warn("performance threshold violation",
		"domain", cfg.Domain,
		"model", cfg.ActiveVersion,
		"violations", strings.Join(violations, "; "),
	)
	if m.bus != nil {
		m.bus.Publish(events.NewEvent(events.EventPerformanceDegraded, cfg.Domain, map[string]any{
			"model_id":   cfg.ActiveVersion,
			"violations": violations,
		}))
	}
}
