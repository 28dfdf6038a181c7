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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/experiment"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/learning"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/monitor"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/registry"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/router"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
)

type noopDispatcher struct{}

func (noopDispatcher) StartTraining(context.Context, datatypes.TrainingJobRequest) (*datatypes.TrainingJobResponse, error) {
	return &datatypes.TrainingJobResponse{JobID: "job-1", Status: "queued"}, nil
}

type testStack struct {
	engine   *gin.Engine
	registry *registry.Registry
	monitor  *monitor.Monitor
	manager  *experiment.Manager
	coord    *learning.Coordinator
	baseline string
	chall    string
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := registry.New(repo, nil)
	mon := monitor.New(repo, nil, nil)
	manager := experiment.New(repo, reg, mon, nil, nil)
	rt := router.New(reg, repo, manager, nil)
	coord := learning.New(repo, noopDispatcher{}, nil, nil)

	base, err := reg.RegisterVersion("legal_analysis", "mistral:7b", "job-a", "")
	require.NoError(t, err)
	chall, err := reg.RegisterVersion("legal_analysis", "mistral:7b", "job-b", "")
	require.NoError(t, err)
	require.NoError(t, reg.Promote("legal_analysis", base.VersionID))

	engine := gin.New()
	engine.GET("/health", HealthCheck)
	engine.POST("/experiments", CreateExperiment(manager))
	engine.GET("/experiments", ListExperiments(manager))
	engine.GET("/experiments/:testId", GetExperiment(manager))
	engine.POST("/experiments/:testId/stop", StopExperiment(manager))
	engine.POST("/routing/:domain/select", SelectModel(rt))
	engine.GET("/routing/:domain/config", GetRoutingConfig(reg))
	engine.PUT("/routing/:domain/config", UpdateRoutingConfig(reg))
	engine.POST("/telemetry/generation", RecordGeneration(mon))
	engine.POST("/telemetry/feedback", RecordFeedback(mon))
	engine.GET("/modelmetrics/:domain/:modelId", GetModelMetrics(mon))
	engine.GET("/modelmetrics/:domain/:modelId/export", ExportMetrics(mon))
	engine.POST("/learning/examples", RecordExample(coord))

	return &testStack{
		engine:   engine,
		registry: reg,
		monitor:  mon,
		manager:  manager,
		coord:    coord,
		baseline: base.VersionID,
		chall:    chall.VersionID,
	}
}

func (s *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestHealthCheckReturnsOK(t *testing.T) {
	s := newStack(t)
	w := s.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestCreateExperimentEndpoint(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/experiments", datatypes.CreateExperimentRequest{
		Name:        "challenger eval",
		Domain:      "legal_analysis",
		Baseline:    s.baseline,
		Challengers: []string{s.chall},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var exp datatypes.Experiment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exp))
	assert.NotEmpty(t, exp.TestID)
	assert.Equal(t, 50.0, exp.Allocation.Baseline)

	// Second active test on the same domain conflicts.
	w = s.do(t, http.MethodPost, "/experiments", datatypes.CreateExperimentRequest{
		Name:        "second",
		Domain:      "legal_analysis",
		Baseline:    s.baseline,
		Challengers: []string{s.chall},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateExperimentValidation(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/experiments", datatypes.CreateExperimentRequest{
		Name:        "skewed",
		Domain:      "legal_analysis",
		Baseline:    s.baseline,
		Challengers: []string{s.chall},
		Allocation: &datatypes.TrafficAllocation{
			Baseline:    80,
			Challengers: map[string]float64{s.chall: 30},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetExperimentNotFound(t *testing.T) {
	s := newStack(t)
	w := s.do(t, http.MethodGet, "/experiments/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopExperimentEndpoint(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/experiments", datatypes.CreateExperimentRequest{
		Name:        "short run",
		Domain:      "legal_analysis",
		Baseline:    s.baseline,
		Challengers: []string{s.chall},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var exp datatypes.Experiment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exp))

	w = s.do(t, http.MethodPost, "/experiments/"+exp.TestID+"/stop", gin.H{"reason": "operator call"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result datatypes.ExperimentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "operator call", result.StopReason)

	// Stopping again: completed tests have left the active set.
	w = s.do(t, http.MethodPost, "/experiments/"+exp.TestID+"/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectModelEndpoint(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/routing/legal_analysis/select", datatypes.SelectionContext{SessionID: "s-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var version datatypes.ModelVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &version))
	assert.NotEmpty(t, version.VersionID)

	w = s.do(t, http.MethodPost, "/routing/unknown/select", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutingConfigRoundTrip(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/routing/legal_analysis/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg datatypes.DomainRoutingConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))

	cfg.SelectionStrategy = datatypes.StrategyLowestLatency
	w = s.do(t, http.MethodPut, "/routing/legal_analysis/config", cfg)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/routing/legal_analysis/config", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, datatypes.StrategyLowestLatency, cfg.SelectionStrategy)

	cfg.SelectionStrategy = "sideways"
	w = s.do(t, http.MethodPut, "/routing/legal_analysis/config", cfg)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTelemetryAndMetricsFlow(t *testing.T) {
	s := newStack(t)

	for i := 0; i < 4; i++ {
		w := s.do(t, http.MethodPost, "/telemetry/generation", datatypes.GenerationEvent{
			Domain:         "legal_analysis",
			ModelID:        s.baseline,
			RequestID:      fmt.Sprintf("r%d", i),
			ResponseTimeMs: 100,
			Tokens:         50,
			Success:        true,
		})
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := s.do(t, http.MethodPost, "/telemetry/feedback", datatypes.FeedbackEvent{
		Domain:  "legal_analysis",
		ModelID: s.baseline,
		Score:   5,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodGet, "/modelmetrics/legal_analysis/"+s.baseline, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var metrics datatypes.ModelMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	assert.Equal(t, int64(4), metrics.TotalRequests)
	assert.Equal(t, 100.0, metrics.AvgResponseTime)
}

func TestExportMetricsFormats(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/modelmetrics/legal_analysis/"+s.baseline+"/export?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")

	w = s.do(t, http.MethodGet, "/modelmetrics/legal_analysis/"+s.baseline+"/export?format=yaml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordExampleEndpoint(t *testing.T) {
	s := newStack(t)

	ex := datatypes.LearningExample{
		Domain: "legal_analysis",
		Input:  "clause text",
		Output: "analysis",
	}
	w := s.do(t, http.MethodPost, "/learning/examples", ex)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// Identical content is skipped, not errored.
	w = s.do(t, http.MethodPost, "/learning/examples", ex)
	require.Equal(t, http.StatusOK, w.Code)
	var response map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "skipped", response["status"])

	w = s.do(t, http.MethodPost, "/learning/examples", datatypes.LearningExample{Domain: "legal_analysis"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
