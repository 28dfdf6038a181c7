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
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/registry"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/router"
)

// SelectModel resolves which version should serve a request. The
// optional body carries the selection context (session identity,
// latency/accuracy overrides).
func SelectModel(r *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sctx datatypes.SelectionContext
		_ = c.ShouldBindJSON(&sctx)

		version, err := r.SelectModel(c.Param("domain"), sctx)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, version)
		case errors.Is(err, registry.ErrDomainNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, router.ErrNoModelAvailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			slog.Error("model selection failed", "domain", c.Param("domain"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Selection failed"})
		}
	}
}

// GetRoutingConfig returns one domain's routing configuration.
func GetRoutingConfig(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := reg.GetRoutingConfig(c.Param("domain"))
		if err != nil {
			if errors.Is(err, registry.ErrDomainNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load config"})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// UpdateRoutingConfig replaces one domain's routing configuration.
func UpdateRoutingConfig(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg datatypes.DomainRoutingConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		cfg.Domain = c.Param("domain")

		if err := reg.UpdateRoutingConfig(&cfg); err != nil {
			if errors.Is(err, registry.ErrInvalidConfig) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			slog.Error("routing config update failed", "domain", cfg.Domain, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update config"})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// ListVersions returns a domain's model versions, newest first.
func ListVersions(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		versions, err := reg.ListVersions(c.Param("domain"))
		if err != nil {
			if errors.Is(err, registry.ErrDomainNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list versions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
	}
}

// PromoteVersion makes a version the domain's active one.
func PromoteVersion(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := reg.Promote(c.Param("domain"), c.Param("versionId"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "promoted"})
		case errors.Is(err, registry.ErrDomainNotFound),
			errors.Is(err, registry.ErrVersionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			slog.Error("promotion failed", "domain", c.Param("domain"), "version", c.Param("versionId"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Promotion failed"})
		}
	}
}

// RollbackVersion restores the domain's previous active version.
func RollbackVersion(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := reg.Rollback(c.Param("domain"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
		case errors.Is(err, registry.ErrDomainNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, registry.ErrNoFallback):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			slog.Error("rollback failed", "domain", c.Param("domain"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rollback failed"})
		}
	}
}

// DeprecateVersion retires a non-active version.
func DeprecateVersion(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := reg.Deprecate(c.Param("domain"), c.Param("versionId"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "deprecated"})
		case errors.Is(err, registry.ErrDomainNotFound),
			errors.Is(err, registry.ErrVersionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
	}
}
