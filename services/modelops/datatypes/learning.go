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

// ExampleFeedback is the optional user judgment attached to a production
// example. Rating is 1-5.
type ExampleFeedback struct {
	Rating         int    `json:"rating"`
	Correct        *bool  `json:"correct,omitempty"`
	ImprovedOutput string `json:"improved_output,omitempty"`
}

// ExampleMetadata carries provenance for a learning example.
type ExampleMetadata struct {
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	ModelVersion string    `json:"model_version,omitempty"`
}

// LearningExample is one production inference captured for incremental
// retraining. Deduplicated by a content hash of (domain, input, output).
type LearningExample struct {
	ID       string           `json:"id"`
	Domain   string           `json:"domain"`
	Input    string           `json:"input"`
	Output   string           `json:"output"`
	Feedback *ExampleFeedback `json:"feedback,omitempty"`
	Metadata ExampleMetadata  `json:"metadata"`
}

// BatchStatus is the lifecycle state of a learning batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchTraining  BatchStatus = "training"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// BatchMetrics summarizes the example mix inside a batch.
type BatchMetrics struct {
	TotalExamples    int     `json:"total_examples"`
	PositiveExamples int     `json:"positive_examples"`
	NegativeExamples int     `json:"negative_examples"`
	AverageRating    float64 `json:"average_rating"`
}

// LearningBatch groups pending examples for one incremental-training
// dispatch.
type LearningBatch struct {
	BatchID         string            `json:"batch_id"`
	Domain          string            `json:"domain"`
	Examples        []LearningExample `json:"examples"`
	CreatedAt       time.Time         `json:"created_at"`
	Status          BatchStatus       `json:"status"`
	TrainingJobID   string            `json:"training_job_id,omitempty"`
	ResultingModel  string            `json:"resulting_model_version,omitempty"`
	Metrics         BatchMetrics      `json:"metrics"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	PriorityTrigger string            `json:"priority_trigger,omitempty"`
}

// SessionFeedbackRequest retroactively rates a session's recent
// examples.
type SessionFeedbackRequest struct {
	Domain    string          `json:"domain" binding:"required"`
	SessionID string          `json:"session_id" binding:"required"`
	Feedback  ExampleFeedback `json:"feedback"`
}

// DomainLearningConfig is the per-domain continuous-learning policy.
type DomainLearningConfig struct {
	Domain                 string  `json:"domain"`
	Enabled                bool    `json:"enabled"`
	BatchSize              int     `json:"batch_size"`
	QualityThreshold       int     `json:"quality_threshold"`
	AllowNegativeExamples  bool    `json:"allow_negative_examples"`
	MinExamplesForTraining int     `json:"min_examples_for_training"`
	BaseModel              string  `json:"base_model"`
	LearningRate           float64 `json:"learning_rate"`
	Epochs                 int     `json:"epochs"`
}
