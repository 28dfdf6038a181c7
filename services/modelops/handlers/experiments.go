// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers for the modelops API. They
// are thin pass-throughs to the core packages; no business logic lives
// here.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/experiment"
)

// CreateExperiment starts a new A/B test.
func CreateExperiment(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateExperimentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		exp, err := manager.CreateTest(req)
		switch {
		case err == nil:
			c.JSON(http.StatusCreated, exp)
		case errors.Is(err, experiment.ErrDomainBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, experiment.ErrInvalidAllocation),
			errors.Is(err, experiment.ErrUnknownModel):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			slog.Error("experiment creation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create experiment"})
		}
	}
}

// ListExperiments returns retained tests, optionally filtered by the
// domain query parameter.
func ListExperiments(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tests, err := manager.ListTests(c.Query("domain"))
		if err != nil {
			slog.Error("experiment listing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list experiments"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"experiments": tests, "count": len(tests)})
	}
}

// GetExperiment returns one test by ID.
func GetExperiment(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := manager.GetTest(c.Param("testId"))
		if err != nil {
			if errors.Is(err, experiment.ErrTestNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load experiment"})
			return
		}
		c.JSON(http.StatusOK, exp)
	}
}

// GetExperimentResult returns the frozen outcome of a stopped test.
func GetExperimentResult(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := manager.GetResult(c.Param("testId"))
		if err != nil {
			if errors.Is(err, experiment.ErrTestNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load result"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// StopExperiment terminates a test, with an optional reason in the
// body.
func StopExperiment(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)

		result, err := manager.StopTest(c.Param("testId"), body.Reason)
		if err != nil {
			if errors.Is(err, experiment.ErrTestNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			slog.Error("experiment stop failed", "test_id", c.Param("testId"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to stop experiment"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// PauseExperiment suspends an active test.
func PauseExperiment(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := manager.PauseTest(c.Param("testId"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "paused"})
		case errors.Is(err, experiment.ErrTestNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, experiment.ErrTestNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to pause experiment"})
		}
	}
}

// ResumeExperiment reactivates a paused test.
func ResumeExperiment(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := manager.ResumeTest(c.Param("testId"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "active"})
		case errors.Is(err, experiment.ErrTestNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, experiment.ErrTestNotPaused),
			errors.Is(err, experiment.ErrDomainBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resume experiment"})
		}
	}
}
