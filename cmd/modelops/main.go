// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command modelops starts the AleutianAdaptive model experimentation
// and routing HTTP server.
//
// It reads configuration from environment variables and blocks until
// the server shuts down.
//
// # Environment Variables
//
//   - MODELOPS_PORT: HTTP server port (default: 12230)
//   - MODELOPS_DATA_DIR: badger store directory (default: ./data/modelops)
//   - TRAINING_BACKEND_URL: LoRA training service URL (default: http://lora-backend:8000)
//   - TRAINING_WS_URL: training notification websocket (default: ws://lora-backend:8000/ws/notifications)
//   - MODELOPS_GIN_MODE: gin mode - debug, release, test (default: release)
//
// # Usage
//
//	# Build
//	go build -o modelops ./cmd/modelops
//
//	# Run
//	./modelops
//
//	# Or via container
//	podman-compose up modelops
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := modelops.Config{
		Port:                     getEnvInt("MODELOPS_PORT", 12230),
		DataDir:                  getEnvString("MODELOPS_DATA_DIR", "./data/modelops"),
		TrainingBackendURL:       getEnvString("TRAINING_BACKEND_URL", "http://lora-backend:8000"),
		TrainingNotificationsURL: getEnvString("TRAINING_WS_URL", "ws://lora-backend:8000/ws/notifications"),
		GinMode:                  getEnvString("MODELOPS_GIN_MODE", "release"),
	}

	slog.Info("Starting modelops",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"training_backend", cfg.TrainingBackendURL,
	)

	svc, err := modelops.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create modelops service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Modelops error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
