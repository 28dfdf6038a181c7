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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/monitor"
)

// RecordGeneration ingests one served-request telemetry event. Always
// 202: telemetry must never fail the serving path.
func RecordGeneration(mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var evt datatypes.GenerationEvent
		if err := c.ShouldBindJSON(&evt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		mon.RecordGeneration(evt.Domain, evt.ModelID, evt.RequestID, evt.ResponseTimeMs, evt.Tokens, evt.Success)
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	}
}

// RecordFeedback ingests one user rating.
func RecordFeedback(mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var evt datatypes.FeedbackEvent
		if err := c.ShouldBindJSON(&evt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		mon.RecordFeedback(evt.Domain, evt.ModelID, evt.RequestID, evt.Score)
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	}
}

// RecordConversion ingests one conversion event.
func RecordConversion(mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var evt datatypes.ConversionEvent
		if err := c.ShouldBindJSON(&evt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		mon.RecordConversion(evt.Domain, evt.ModelID)
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	}
}

// GetModelMetrics returns the cached aggregate for one model.
func GetModelMetrics(mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics := mon.GetMetrics(c.Param("domain"), c.Param("modelId"))
		c.JSON(http.StatusOK, metrics)
	}
}

// CompareModels runs a standalone baseline-vs-challenger comparison.
func CompareModels(mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		baseline := c.Query("baseline")
		challenger := c.Query("challenger")
		if baseline == "" || challenger == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "baseline and challenger query parameters are required"})
			return
		}
		c.JSON(http.StatusOK, mon.CompareModels(c.Param("domain"), baseline, challenger))
	}
}

// TopPerformers ranks a domain's models.
func TopPerformers(mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 10
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}
		performers := mon.TopPerformers(c.Param("domain"), limit)
		c.JSON(http.StatusOK, gin.H{"performers": performers, "count": len(performers)})
	}
}

// ExportMetrics serializes one model's aggregate and daily breakdown as
// json or csv.
func ExportMetrics(mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		format := c.DefaultQuery("format", "json")
		data, err := mon.Export(c.Param("domain"), c.Param("modelId"), format)
		if err != nil {
			if errors.Is(err, monitor.ErrUnsupportedFormat) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export metrics"})
			return
		}

		contentType := "application/json"
		if format == "csv" {
			contentType = "text/csv"
		}
		c.Data(http.StatusOK, contentType, data)
	}
}
