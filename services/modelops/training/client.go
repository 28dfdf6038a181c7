// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package training is the client side of the external training backend:
// a JSON HTTP API for dispatching jobs and managing adapters, plus a
// websocket subscription that delivers asynchronous completion
// notifications.
package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
)

// DefaultRequestTimeout bounds one backend HTTP call. Training itself is
// asynchronous; only the dispatch round-trip is covered.
const DefaultRequestTimeout = 30 * time.Second

// ErrInvalidInput is returned on nil contexts and empty payloads.
var ErrInvalidInput = errors.New("training: invalid input")

// Client wraps calls to the training backend.
//
// # Description
//
// Client provides a Go interface to the LoRA training service: job
// dispatch, adapter listing, and adapter deployment. All calls are
// synchronous HTTP round-trips; job progress arrives separately through
// the Subscriber.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a training backend client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
	}
}

// WithTimeout sets a custom timeout for backend requests.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// StartTraining dispatches an asynchronous training job. The returned
// job ID keys all later completion notifications.
func (c *Client) StartTraining(ctx context.Context, req datatypes.TrainingJobRequest) (*datatypes.TrainingJobResponse, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if req.Domain == "" {
		return nil, fmt.Errorf("%w: domain is empty", ErrInvalidInput)
	}
	if len(req.TrainingData) == 0 {
		return nil, fmt.Errorf("%w: no training data", ErrInvalidInput)
	}

	var resp datatypes.TrainingJobResponse
	if err := c.postJSON(ctx, "/api/training/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAdapters returns every trained adapter the backend knows about.
func (c *Client) ListAdapters(ctx context.Context) ([]datatypes.AdapterInfo, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("training backend returned status %d: %s", resp.StatusCode, string(body))
	}

	var adapters []datatypes.AdapterInfo
	if err := json.NewDecoder(resp.Body).Decode(&adapters); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return adapters, nil
}

// DeployAdapter asks the backend to serve a trained adapter under the
// given name.
func (c *Client) DeployAdapter(ctx context.Context, req datatypes.DeployAdapterRequest) (*datatypes.DeploymentDescriptor, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if req.Path == "" {
		return nil, fmt.Errorf("%w: adapter path is empty", ErrInvalidInput)
	}

	var desc datatypes.DeploymentDescriptor
	if err := c.postJSON(ctx, "/api/deployment/deploy", req, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("training backend returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
