// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/learning"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/training"
)

// RecordExample queues one production example for continuous learning.
// Duplicates report 200 with a skipped status so callers need no
// special casing.
func RecordExample(coord *learning.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ex datatypes.LearningExample
		if err := c.ShouldBindJSON(&ex); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if ex.Domain == "" || ex.Input == "" || ex.Output == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "domain, input, and output are required"})
			return
		}

		err := coord.RecordExample(ex)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"status": "queued", "pending": coord.PendingCount(ex.Domain)})
		case errors.Is(err, learning.ErrDuplicateExample):
			c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": "duplicate"})
		case errors.Is(err, learning.ErrQualityTooLow):
			c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": "below quality threshold"})
		case errors.Is(err, learning.ErrDomainDisabled):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			slog.Error("example ingestion failed", "domain", ex.Domain, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record example"})
		}
	}
}

// RecordSessionFeedback retroactively rates a session's recent
// examples.
func RecordSessionFeedback(coord *learning.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SessionFeedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		updated := coord.RecordFeedback(req.Domain, req.SessionID, req.Feedback)
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// GetLearningConfig returns one domain's learning policy.
func GetLearningConfig(coord *learning.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := coord.GetConfig(c.Param("domain"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load config"})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// UpdateLearningConfig replaces one domain's learning policy.
func UpdateLearningConfig(coord *learning.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg datatypes.DomainLearningConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		cfg.Domain = c.Param("domain")
		if err := coord.UpdateConfig(&cfg); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update config"})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// ListBatches returns a domain's retained learning batches.
func ListBatches(coord *learning.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		batches, err := coord.ListBatches(c.Param("domain"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list batches"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
	}
}

// GetBatch returns one learning batch.
func GetBatch(coord *learning.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := coord.GetBatch(c.Param("domain"), c.Param("batchId"))
		if err != nil {
			if errors.Is(err, learning.ErrBatchNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load batch"})
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

// ListAdapters proxies the training backend's adapter inventory.
func ListAdapters(client *training.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		adapters, err := client.ListAdapters(c.Request.Context())
		if err != nil {
			slog.Error("adapter listing failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Training backend unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"adapters": adapters, "count": len(adapters)})
	}
}

// DeployAdapter proxies an adapter deployment to the training backend.
func DeployAdapter(client *training.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DeployAdapterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		desc, err := client.DeployAdapter(c.Request.Context(), req)
		if err != nil {
			if errors.Is(err, training.ErrInvalidInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			slog.Error("adapter deployment failed", "path", req.Path, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Training backend unavailable"})
			return
		}
		c.JSON(http.StatusOK, desc)
	}
}
