// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry manages model versions and per-domain routing
// configuration.
//
// # Description
//
// The registry owns two invariants: at most one model version per
// domain is "active", and a routing config's active version always
// appears in its version list. Versions are created by training
// completion, mutated by performance updates and promotion or rollback,
// and never deleted (only deprecated).
//
// # Thread Safety
//
// Safe for concurrent use within one service instance; the active
// pointer is mutated under a per-registry mutex. Cross-instance mutual
// exclusion of promotion would need the store's conditional-write
// primitives and is not provided here.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/events"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
)

// Sentinel errors. Not-found conditions are terminal for callers.
var (
	ErrDomainNotFound  = errors.New("registry: domain not found")
	ErrVersionNotFound = errors.New("registry: model version not found")
	ErrNoFallback      = errors.New("registry: no version available for rollback")
	ErrInvalidConfig   = errors.New("registry: invalid routing config")
)

// emaAlpha is the smoothing factor for performance snapshots. Each new
// sample carries 20% weight against the running value.
const emaAlpha = 0.2

// allocationTolerance is how far a distribution may drift from 100
// before the config is rejected.
const allocationTolerance = 0.5

// Registry manages ModelVersion records and DomainRoutingConfig
// documents in the durable store.
type Registry struct {
	repo store.Repository
	bus  *events.Bus
}

// New creates a registry. The bus may be nil in tests; promotion and
// rollback events are then not published.
func New(repo store.Repository, bus *events.Bus) *Registry {
	return &Registry{repo: repo, bus: bus}
}

// SubscribeTrainingEvents wires the registry onto the bus: completed
// training jobs become new testing versions for their domain.
func (r *Registry) SubscribeTrainingEvents(bus *events.Bus) {
	bus.Subscribe(func(_ context.Context, evt events.Event) error {
		jobID, _ := evt.Payload["job_id"].(string)
		path, _ := evt.Payload["path"].(string)
		baseModel, _ := evt.Payload["base_model"].(string)
		_, err := r.RegisterVersion(evt.Domain, baseModel, jobID, path)
		return err
	}, events.EventTrainingCompleted)
}

// SubscribeDegradationEvents wires automatic rollback: when the active
// model of a domain with auto-update enabled violates its thresholds,
// the previous version is restored.
func (r *Registry) SubscribeDegradationEvents(bus *events.Bus) {
	bus.Subscribe(func(_ context.Context, evt events.Event) error {
		cfg, err := r.GetRoutingConfig(evt.Domain)
		if err != nil {
			return err
		}
		if !cfg.AutoUpdate {
			return nil
		}
		modelID, _ := evt.Payload["model_id"].(string)
		if modelID != cfg.ActiveVersion {
			// Degradation on a non-active version never triggers rollback.
			return nil
		}
		if err := r.Rollback(evt.Domain); err != nil {
			if errors.Is(err, ErrNoFallback) {
				slog.Warn("degradation rollback skipped, no fallback version", "domain", evt.Domain)
				return nil
			}
			return err
		}
		return nil
	}, events.EventPerformanceDegraded)
}

// RegisterVersion creates a new model version in testing status and
// appends it to the domain's routing config, creating the config with
// defaults when the domain is new.
func (r *Registry) RegisterVersion(domain, baseModel, trainingJobID, adapterPath string) (*datatypes.ModelVersion, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrInvalidConfig)
	}

	version := &datatypes.ModelVersion{
		Domain:      domain,
		VersionID:   fmt.Sprintf("%s-v-%s", domain, uuid.New().String()[:8]),
		BaseModel:   baseModel,
		CreatedAt:   time.Now(),
		Status:      datatypes.ModelStatusTesting,
		TrainingJob: trainingJobID,
	}
	if adapterPath != "" {
		version.Deployment = &datatypes.DeploymentDescriptor{
			DeploymentID: uuid.New().String(),
			AdapterPath:  adapterPath,
			DeployedAt:   time.Now(),
		}
	}

	if err := r.repo.Put(store.ModelVersionKey(domain, version.VersionID), version); err != nil {
		return nil, fmt.Errorf("persist model version: %w", err)
	}

	cfg, err := r.GetRoutingConfig(domain)
	if errors.Is(err, ErrDomainNotFound) {
		cfg = defaultRoutingConfig(domain)
	} else if err != nil {
		return nil, err
	}
	cfg.Versions = append(cfg.Versions, version.VersionID)
	cfg.UpdatedAt = time.Now()
	if err := r.repo.Put(store.RoutingKey(domain), cfg); err != nil {
		return nil, fmt.Errorf("persist routing config: %w", err)
	}

	slog.Info("registered model version",
		"domain", domain,
		"version", version.VersionID,
		"base_model", baseModel,
		"training_job", trainingJobID,
	)
	return version, nil
}

func defaultRoutingConfig(domain string) *datatypes.DomainRoutingConfig {
	return &datatypes.DomainRoutingConfig{
		Domain:            domain,
		SelectionStrategy: datatypes.StrategyLatest,
		Thresholds: datatypes.PerformanceThresholds{
			MinAccuracy:  0.7,
			MaxLatencyMs: 5000,
			MaxErrorRate: 0.1,
		},
		UpdatedAt: time.Now(),
	}
}

// GetVersion returns one model version.
func (r *Registry) GetVersion(domain, versionID string) (*datatypes.ModelVersion, error) {
	var v datatypes.ModelVersion
	if err := r.repo.Get(store.ModelVersionKey(domain, versionID), &v); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrVersionNotFound, domain, versionID)
		}
		return nil, err
	}
	return &v, nil
}

// ListVersions returns all versions of a domain, newest first.
func (r *Registry) ListVersions(domain string) ([]datatypes.ModelVersion, error) {
	var versions []datatypes.ModelVersion
	err := r.repo.Scan(store.ModelVersionKey(domain, ""), func(_ string, value []byte) error {
		var v datatypes.ModelVersion
		if err := decodeJSON(value, &v); err != nil {
			return err
		}
		versions = append(versions, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

// UpdatePerformance folds one observation into the version's EMA
// snapshot. The first observation replaces the zero snapshot outright.
func (r *Registry) UpdatePerformance(domain, versionID string, sample datatypes.PerformanceSnapshot) error {
	v, err := r.GetVersion(domain, versionID)
	if err != nil {
		return err
	}
	zero := datatypes.PerformanceSnapshot{}
	if v.Performance == zero {
		v.Performance = sample
	} else {
		v.Performance = datatypes.PerformanceSnapshot{
			Accuracy:   ema(v.Performance.Accuracy, sample.Accuracy),
			LatencyMs:  ema(v.Performance.LatencyMs, sample.LatencyMs),
			Throughput: ema(v.Performance.Throughput, sample.Throughput),
			ErrorRate:  ema(v.Performance.ErrorRate, sample.ErrorRate),
		}
	}
	return r.repo.Put(store.ModelVersionKey(domain, versionID), v)
}

func ema(current, sample float64) float64 {
	return emaAlpha*sample + (1-emaAlpha)*current
}

// Promote makes versionID the domain's active version. The previously
// active version is demoted to inactive and retained as the fallback.
func (r *Registry) Promote(domain, versionID string) error {
	target, err := r.GetVersion(domain, versionID)
	if err != nil {
		return err
	}
	cfg, err := r.GetRoutingConfig(domain)
	if err != nil {
		return err
	}
	if cfg.ActiveVersion == versionID {
		return nil
	}

	previous := cfg.ActiveVersion
	if previous != "" {
		prev, err := r.GetVersion(domain, previous)
		if err == nil {
			prev.Status = datatypes.ModelStatusInactive
			if err := r.repo.Put(store.ModelVersionKey(domain, previous), prev); err != nil {
				return fmt.Errorf("demote previous active: %w", err)
			}
		}
	}

	target.Status = datatypes.ModelStatusActive
	if err := r.repo.Put(store.ModelVersionKey(domain, versionID), target); err != nil {
		return fmt.Errorf("persist promoted version: %w", err)
	}

	cfg.ActiveVersion = versionID
	cfg.FallbackVersion = previous
	cfg.UpdatedAt = time.Now()
	if err := r.repo.Put(store.RoutingKey(domain), cfg); err != nil {
		return fmt.Errorf("persist routing config: %w", err)
	}

	slog.Info("promoted model version", "domain", domain, "version", versionID, "previous", previous)
	if r.bus != nil {
		r.bus.Publish(events.NewEvent(events.EventModelPromoted, domain, map[string]any{
			"version":  versionID,
			"previous": previous,
		}))
	}
	return nil
}

// Rollback restores the fallback version, or when none is recorded the
// most recently created inactive version.
func (r *Registry) Rollback(domain string) error {
	cfg, err := r.GetRoutingConfig(domain)
	if err != nil {
		return err
	}

	restore := cfg.FallbackVersion
	if restore == "" || restore == cfg.ActiveVersion {
		versions, err := r.ListVersions(domain)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v.Status == datatypes.ModelStatusInactive {
				restore = v.VersionID
				break
			}
		}
	}
	if restore == "" {
		return fmt.Errorf("%w: %s", ErrNoFallback, domain)
	}

	demoted := cfg.ActiveVersion
	if err := r.Promote(domain, restore); err != nil {
		return err
	}
	slog.Warn("rolled back model version", "domain", domain, "restored", restore, "demoted", demoted)
	if r.bus != nil {
		r.bus.Publish(events.NewEvent(events.EventModelRolledBack, domain, map[string]any{
			"restored": restore,
			"demoted":  demoted,
		}))
	}
	return nil
}

// Deprecate retires a version permanently. A deprecated version cannot
// be the active one; promote or roll back first.
func (r *Registry) Deprecate(domain, versionID string) error {
	cfg, err := r.GetRoutingConfig(domain)
	if err != nil {
		return err
	}
	if cfg.ActiveVersion == versionID {
		return fmt.Errorf("%w: cannot deprecate active version %s", ErrInvalidConfig, versionID)
	}
	v, err := r.GetVersion(domain, versionID)
	if err != nil {
		return err
	}
	v.Status = datatypes.ModelStatusDeprecated
	return r.repo.Put(store.ModelVersionKey(domain, versionID), v)
}

// GetRoutingConfig returns the domain's routing document.
func (r *Registry) GetRoutingConfig(domain string) (*datatypes.DomainRoutingConfig, error) {
	var cfg datatypes.DomainRoutingConfig
	if err := r.repo.Get(store.RoutingKey(domain), &cfg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
		}
		return nil, err
	}
	return &cfg, nil
}

// UpdateRoutingConfig validates and persists a routing document.
// Malformed configs are rejected here, never silently normalized.
func (r *Registry) UpdateRoutingConfig(cfg *datatypes.DomainRoutingConfig) error {
	if err := ValidateRoutingConfig(cfg); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now()
	return r.repo.Put(store.RoutingKey(cfg.Domain), cfg)
}

// ValidateRoutingConfig checks the structural invariants of a routing
// document: active version membership and distribution sum.
func ValidateRoutingConfig(cfg *datatypes.DomainRoutingConfig) error {
	if cfg.Domain == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidConfig)
	}
	switch cfg.SelectionStrategy {
	case datatypes.StrategyLatest, datatypes.StrategyBestPerformance,
		datatypes.StrategyLowestLatency, datatypes.StrategyABTest:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.SelectionStrategy)
	}
	if cfg.ActiveVersion != "" && !contains(cfg.Versions, cfg.ActiveVersion) {
		return fmt.Errorf("%w: active version %s not in version list", ErrInvalidConfig, cfg.ActiveVersion)
	}
	if len(cfg.Distribution) > 0 {
		total := 0.0
		for id, pct := range cfg.Distribution {
			if pct < 0 {
				return fmt.Errorf("%w: negative distribution for %s", ErrInvalidConfig, id)
			}
			if !contains(cfg.Versions, id) {
				return fmt.Errorf("%w: distribution references unknown version %s", ErrInvalidConfig, id)
			}
			total += pct
		}
		if math.Abs(total-100) > allocationTolerance {
			return fmt.Errorf("%w: distribution sums to %.2f, want 100", ErrInvalidConfig, total)
		}
	}
	return nil
}

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
