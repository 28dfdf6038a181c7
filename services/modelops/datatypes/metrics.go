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

// UsageRecord is the running counter record for one (domain, model) pair.
//
// All fields are incremented atomically by the store; no client-side
// read-modify-write is permitted on these counters.
type UsageRecord struct {
	Domain            string `json:"domain"`
	ModelID           string `json:"model_id"`
	TotalRequests     int64  `json:"total_requests"`
	TotalResponseTime int64  `json:"total_response_time"`
	TotalTokens       int64  `json:"total_tokens"`
	TotalErrors       int64  `json:"total_errors"`
	TotalConversions  int64  `json:"total_conversions"`
	FeedbackCount     int64  `json:"feedback_count"`
	FeedbackScoreSum  int64  `json:"feedback_score_sum"`
}

// DayRollup is the per-day bucket behind trend queries. Seven trailing
// days are retained per (domain, model).
type DayRollup struct {
	Day               string  `json:"day"` // YYYY-MM-DD
	Requests          int64   `json:"requests"`
	TotalResponseTime int64   `json:"total_response_time"`
	Errors            int64   `json:"errors"`
	Tokens            int64   `json:"tokens"`
	FeedbackCount     int64   `json:"feedback_count"`
	FeedbackScoreSum  int64   `json:"feedback_score_sum"`
	FeedbackScores    []int   `json:"feedback_scores,omitempty"`
	AvgResponseTime   float64 `json:"avg_response_time"`
}

// ModelMetrics is the cached aggregate answer for one model.
type ModelMetrics struct {
	ModelID           string      `json:"model_id"`
	Domain            string      `json:"domain"`
	TotalRequests     int64       `json:"total_requests"`
	AvgResponseTime   float64     `json:"avg_response_time"`
	AvgTokens         float64     `json:"avg_tokens"`
	ErrorRate         float64     `json:"error_rate"`
	SatisfactionScore float64     `json:"user_satisfaction_score"`
	Conversions       int64       `json:"conversions"`
	DailyMetrics      []DayRollup `json:"daily_metrics"`
	ComputedAt        time.Time   `json:"computed_at"`
}

// ModelComparison is the outcome of a baseline-vs-challenger metric query.
type ModelComparison struct {
	BaselineID            string  `json:"baseline_id"`
	ChallengerID          string  `json:"challenger_id"`
	ResponseTimeChangePct float64 `json:"response_time_change_pct"`
	ErrorRateChangePct    float64 `json:"error_rate_change_pct"`
	SatisfactionChangePct float64 `json:"satisfaction_change_pct"`
	Recommendation        string  `json:"recommendation"`
}

// GenerationEvent is the telemetry payload for one served generation.
type GenerationEvent struct {
	Domain         string `json:"domain" binding:"required"`
	ModelID        string `json:"model_id" binding:"required"`
	RequestID      string `json:"request_id"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Tokens         int64  `json:"tokens"`
	Success        bool   `json:"success"`
}

// FeedbackEvent is the telemetry payload for one user rating. Score is
// clamped to 1..5 on ingestion.
type FeedbackEvent struct {
	Domain    string `json:"domain" binding:"required"`
	ModelID   string `json:"model_id" binding:"required"`
	RequestID string `json:"request_id"`
	Score     int    `json:"score" binding:"required"`
}

// ConversionEvent marks one successful business outcome for a model.
type ConversionEvent struct {
	Domain  string `json:"domain" binding:"required"`
	ModelID string `json:"model_id" binding:"required"`
}

// TopPerformer is one row of a ranked model listing.
type TopPerformer struct {
	ModelID string  `json:"model_id"`
	Domain  string  `json:"domain"`
	Score   float64 `json:"score"`
	Samples int64   `json:"samples"`
}
