// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package training

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
)

func TestStartTraining(t *testing.T) {
	var captured datatypes.TrainingJobRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/training/start" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(datatypes.TrainingJobResponse{
			JobID:  "job-123",
			Status: "queued",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.StartTraining(context.Background(), datatypes.TrainingJobRequest{
		Domain:    "legal_analysis",
		BaseModel: "mistral:7b",
		TrainingData: []datatypes.TrainingRecord{
			{"document_content": "text", "analysis": "finding"},
		},
		Config: datatypes.TrainingJobConfig{Epochs: 1, Incremental: true},
	})
	if err != nil {
		t.Fatalf("start training: %v", err)
	}
	if resp.JobID != "job-123" {
		t.Errorf("job id = %s", resp.JobID)
	}
	if captured.Domain != "legal_analysis" || !captured.Config.Incremental {
		t.Errorf("backend saw %+v", captured)
	}
}

func TestStartTrainingRejectsEmptyPayload(t *testing.T) {
	client := NewClient("http://localhost:1")

	_, err := client.StartTraining(context.Background(), datatypes.TrainingJobRequest{
		Domain: "legal_analysis",
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty data, got %v", err)
	}

	_, err = client.StartTraining(context.Background(), datatypes.TrainingJobRequest{
		TrainingData: []datatypes.TrainingRecord{{"input": "x"}},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty domain, got %v", err)
	}
}

func TestStartTrainingSurfacesBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu pool exhausted", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.StartTraining(context.Background(), datatypes.TrainingJobRequest{
		Domain:       "legal_analysis",
		TrainingData: []datatypes.TrainingRecord{{"input": "x"}},
	})
	if err == nil {
		t.Fatal("expected error from 503 response")
	}
}

func TestListAdapters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]datatypes.AdapterInfo{
			{JobID: "job-1", Domain: "legal_analysis", Path: "/adapters/legal-v1"},
			{JobID: "job-2", Domain: "customer_support", Path: "/adapters/support-v3"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	adapters, err := client.ListAdapters(context.Background())
	if err != nil {
		t.Fatalf("list adapters: %v", err)
	}
	if len(adapters) != 2 {
		t.Fatalf("adapters = %d, want 2", len(adapters))
	}
	if adapters[0].Path != "/adapters/legal-v1" {
		t.Errorf("first adapter = %+v", adapters[0])
	}
}

func TestDeployAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/deployment/deploy" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req datatypes.DeployAdapterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(datatypes.DeploymentDescriptor{
			DeploymentID: "dep-1",
			AdapterPath:  req.Path,
			Endpoint:     "/models/" + req.Name,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	desc, err := client.DeployAdapter(context.Background(), datatypes.DeployAdapterRequest{
		Path: "/adapters/legal-v2",
		Name: "legal-v2",
	})
	if err != nil {
		t.Fatalf("deploy adapter: %v", err)
	}
	if desc.AdapterPath != "/adapters/legal-v2" {
		t.Errorf("descriptor = %+v", desc)
	}

	_, err = client.DeployAdapter(context.Background(), datatypes.DeployAdapterRequest{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty path, got %v", err)
	}
}
