// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modelops wires the adaptive model experimentation and routing
// engine into one runnable service: traffic routing, A/B experiments,
// performance telemetry, and continuous learning against an external
// training backend.
package modelops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/events"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/experiment"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/learning"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/monitor"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/observability"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/registry"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/router"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/routes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/training"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds modelops service configuration. All fields have
// defaults applied by New.
type Config struct {
	// Port is the HTTP server port. Default: 12230
	Port int

	// DataDir is the badger store location. Default: "./data/modelops".
	// Ignored when InMemoryStore is set.
	DataDir string

	// InMemoryStore runs the store without disk persistence. Meant for
	// tests and local experiments.
	InMemoryStore bool

	// TrainingBackendURL is the LoRA training service base URL.
	// Default: "http://lora-backend:8000"
	TrainingBackendURL string

	// TrainingNotificationsURL is the backend's websocket notification
	// stream. Default: "ws://lora-backend:8000/ws/notifications"
	TrainingNotificationsURL string

	// ExperimentMonitorSchedule is the cron spec for the experiment
	// monitoring sweep. Default: "@every 5m"
	ExperimentMonitorSchedule string

	// DegradationCheckSchedule is the cron spec for threshold checks.
	// Default: "@every 5m"
	DegradationCheckSchedule string

	// LearningSweepSchedule is the cron spec for the continuous-learning
	// straggler sweep. Default: "@daily"
	LearningSweepSchedule string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 12230
	}
	if c.DataDir == "" {
		c.DataDir = "./data/modelops"
	}
	if c.TrainingBackendURL == "" {
		c.TrainingBackendURL = "http://lora-backend:8000"
	}
	if c.TrainingNotificationsURL == "" {
		c.TrainingNotificationsURL = "ws://lora-backend:8000/ws/notifications"
	}
	if c.ExperimentMonitorSchedule == "" {
		c.ExperimentMonitorSchedule = "@every 5m"
	}
	if c.DegradationCheckSchedule == "" {
		c.DegradationCheckSchedule = "@every 5m"
	}
	if c.LearningSweepSchedule == "" {
		c.LearningSweepSchedule = "@daily"
	}
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled modelops engine.
//
// # Thread Safety
//
// New builds the full collaborator graph; Run is called at most once.
type Service struct {
	config Config
	engine *gin.Engine

	repo        store.Repository
	bus         *events.Bus
	registry    *registry.Registry
	monitor     *monitor.Monitor
	router      *router.Router
	experiments *experiment.Manager
	learner     *learning.Coordinator
	trainer     *training.Client
	subscriber  *training.Subscriber
	scheduler   *cron.Cron
}

// New assembles the service: store, event bus, core engines, background
// schedules, and the HTTP surface.
func New(cfg Config) (*Service, error) {
	cfg.applyDefaults()
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	var repo store.Repository
	var err error
	if cfg.InMemoryStore {
		repo, err = store.OpenInMemory()
	} else {
		storeCfg := store.DefaultConfig()
		storeCfg.Path = cfg.DataDir
		repo, err = store.Open(storeCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	promReg := prometheus.NewRegistry()
	obs := observability.NewMetrics(promReg)
	bus := events.NewBus(events.DefaultConfig())

	reg := registry.New(repo, bus)
	reg.SubscribeTrainingEvents(bus)
	reg.SubscribeDegradationEvents(bus)

	mon := monitor.New(repo, bus, obs)
	experiments := experiment.New(repo, reg, mon, bus, obs)
	if err := experiments.LoadActive(); err != nil {
		_ = repo.Close()
		return nil, err
	}
	rt := router.New(reg, repo, experiments, obs)

	trainer := training.NewClient(cfg.TrainingBackendURL)
	learner := learning.New(repo, trainer, bus, obs)
	learner.Subscribe(bus)
	subscriber := training.NewSubscriber(cfg.TrainingNotificationsURL, bus)

	s := &Service{
		config:      cfg,
		repo:        repo,
		bus:         bus,
		registry:    reg,
		monitor:     mon,
		router:      rt,
		experiments: experiments,
		learner:     learner,
		trainer:     trainer,
		subscriber:  subscriber,
		scheduler:   cron.New(),
	}

	if _, err := s.scheduler.AddFunc(cfg.ExperimentMonitorSchedule, experiments.MonitorAll); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("experiment monitor schedule: %w", err)
	}
	if _, err := s.scheduler.AddFunc(cfg.DegradationCheckSchedule, s.checkDegradations); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("degradation check schedule: %w", err)
	}
	if _, err := s.scheduler.AddFunc(cfg.LearningSweepSchedule, learner.SweepAll); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("learning sweep schedule: %w", err)
	}

	engine := gin.Default()
	routes.SetupRoutes(engine, reg, rt, experiments, mon, learner, trainer, promReg)
	s.engine = engine
	return s, nil
}

// Router returns the gin engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.engine
}

// Run starts the background machinery and HTTP server, then blocks
// until SIGINT/SIGTERM and shuts everything down in reverse order.
func (s *Service) Run() error {
	s.bus.Start()
	s.subscriber.Start()
	s.scheduler.Start()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("modelops service listening", "port", s.config.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		s.shutdownBackground()
		return err
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	s.shutdownBackground()
	return nil
}

func (s *Service) shutdownBackground() {
	s.scheduler.Stop()
	s.subscriber.Stop()
	s.bus.Stop()
	if err := s.repo.Close(); err != nil {
		slog.Error("store close failed", "error", err)
	}
	slog.Info("modelops service stopped")
}

// checkDegradations runs the threshold check for every domain with a
// routing config. Failures are isolated per domain so one bad record
// cannot halt the sweep.
func (s *Service) checkDegradations() {
	err := s.repo.Scan("routing/", func(key string, value []byte) error {
		var cfg datatypes.DomainRoutingConfig
		if err := json.Unmarshal(value, &cfg); err != nil {
			slog.Warn("skipping undecodable routing config", "key", key, "error", err)
			return nil
		}
		s.monitor.CheckDegradation(&cfg)
		return nil
	})
	if err != nil {
		slog.Error("degradation sweep failed", "error", err)
	}
}
