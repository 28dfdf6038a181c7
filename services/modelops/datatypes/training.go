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

// TrainingRecord is one example mapped into the field set the training
// backend expects for a given business domain. Each domain has a distinct
// expected shape, so this stays schemaless at this layer.
type TrainingRecord map[string]any

// TrainingJobConfig mirrors the backend's tunable training settings.
// Incremental runs from production feedback use reduced epochs and
// learning rate relative to the domain defaults.
type TrainingJobConfig struct {
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	LoraRank     int     `json:"lora_rank,omitempty"`
	LoraAlpha    int     `json:"lora_alpha,omitempty"`
	MaxSeqLength int     `json:"max_seq_length,omitempty"`
	Incremental  bool    `json:"incremental"`
}

// TrainingJobRequest is the dispatch payload for the training backend.
type TrainingJobRequest struct {
	Domain       string            `json:"domain"`
	BaseModel    string            `json:"base_model"`
	TrainingData []TrainingRecord  `json:"training_data"`
	Config       TrainingJobConfig `json:"config"`
}

// TrainingJobResponse acknowledges an accepted training dispatch.
type TrainingJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// AdapterInfo describes one trained adapter known to the backend.
type AdapterInfo struct {
	JobID              string             `json:"job_id"`
	Domain             string             `json:"domain"`
	BaseModel          string             `json:"base_model"`
	Path               string             `json:"path"`
	CreatedAt          time.Time          `json:"created_at"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
}

// DeployAdapterRequest asks the backend to serve a trained adapter.
type DeployAdapterRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Training notification types delivered over the backend's websocket
// subscription.
const (
	NotificationTrainingCompleted = "training_completed"
	NotificationTrainingFailed    = "training_failed"
)

// TrainingNotification is one asynchronous completion message from the
// training backend.
type TrainingNotification struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Domain    string `json:"domain,omitempty"`
	BaseModel string `json:"base_model,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}
