// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/experiment"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/handlers"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/learning"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/monitor"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/registry"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/router"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/training"
)

func SetupRoutes(engine *gin.Engine, reg *registry.Registry, rt *router.Router,
	experiments *experiment.Manager, mon *monitor.Monitor,
	learner *learning.Coordinator, trainer *training.Client,
	gatherer prometheus.Gatherer) {

	engine.GET("/health", handlers.HealthCheck)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := engine.Group("/v1")
	{
		experimentGroup := v1.Group("/experiments")
		{
			experimentGroup.POST("", handlers.CreateExperiment(experiments))
			experimentGroup.GET("", handlers.ListExperiments(experiments))
			experimentGroup.GET("/:testId", handlers.GetExperiment(experiments))
			experimentGroup.GET("/:testId/result", handlers.GetExperimentResult(experiments))
			experimentGroup.POST("/:testId/stop", handlers.StopExperiment(experiments))
			experimentGroup.POST("/:testId/pause", handlers.PauseExperiment(experiments))
			experimentGroup.POST("/:testId/resume", handlers.ResumeExperiment(experiments))
		}

		routing := v1.Group("/routing/:domain")
		{
			routing.POST("/select", handlers.SelectModel(rt))
			routing.GET("/config", handlers.GetRoutingConfig(reg))
			routing.PUT("/config", handlers.UpdateRoutingConfig(reg))
			routing.GET("/versions", handlers.ListVersions(reg))
			routing.POST("/versions/:versionId/promote", handlers.PromoteVersion(reg))
			routing.POST("/versions/:versionId/deprecate", handlers.DeprecateVersion(reg))
			routing.POST("/rollback", handlers.RollbackVersion(reg))
		}

		telemetry := v1.Group("/telemetry")
		{
			telemetry.POST("/generation", handlers.RecordGeneration(mon))
			telemetry.POST("/feedback", handlers.RecordFeedback(mon))
			telemetry.POST("/conversion", handlers.RecordConversion(mon))
		}

		metricsGroup := v1.Group("/modelmetrics/:domain")
		{
			metricsGroup.GET("/compare", handlers.CompareModels(mon))
			metricsGroup.GET("/top", handlers.TopPerformers(mon))
			metricsGroup.GET("/:modelId", handlers.GetModelMetrics(mon))
			metricsGroup.GET("/:modelId/export", handlers.ExportMetrics(mon))
		}

		learningGroup := v1.Group("/learning")
		{
			learningGroup.POST("/examples", handlers.RecordExample(learner))
			learningGroup.POST("/feedback", handlers.RecordSessionFeedback(learner))
			learningGroup.GET("/:domain/config", handlers.GetLearningConfig(learner))
			learningGroup.PUT("/:domain/config", handlers.UpdateLearningConfig(learner))
			learningGroup.GET("/:domain/batches", handlers.ListBatches(learner))
			learningGroup.GET("/:domain/batches/:batchId", handlers.GetBatch(learner))
		}

		adapters := v1.Group("/adapters")
		{
			adapters.GET("", handlers.ListAdapters(trainer))
			adapters.POST("/deploy", handlers.DeployAdapter(trainer))
		}
	}
}
