// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package learning collects production feedback examples, batches them
// per domain, and dispatches incremental retraining to the training
// backend.
//
// # Description
//
// Examples arrive per served request, pass a quality filter and a
// content-hash dedup window, and accumulate in a per-domain pending
// queue. A batch is carved FIFO when the queue reaches the domain's
// batch size, when the daily sweep finds enough stragglers, or
// immediately (with a lower floor) when the domain's active model
// degrades. Dispatch is fire-and-forget; batch completion arrives as
// asynchronous training events.
//
// # Thread Safety
//
// Safe for concurrent use. Pending queues and the dedup window live
// behind one mutex; dispatch happens outside the lock.
package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/events"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/observability"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/store"
)

// =============================================================================
// Errors and tuning constants
// =============================================================================

var (
	// ErrDomainDisabled is returned when recording into a domain whose
	// continuous learning is switched off.
	ErrDomainDisabled = errors.New("learning: domain disabled")

	// ErrQualityTooLow is returned when a rated example falls under the
	// domain's quality threshold and negatives are not collected.
	ErrQualityTooLow = errors.New("learning: example below quality threshold")

	// ErrDuplicateExample is returned when the (domain, input, output)
	// content hash was already ingested inside the dedup window.
	ErrDuplicateExample = errors.New("learning: duplicate example")

	// ErrBatchNotFound is returned for unknown batch IDs.
	ErrBatchNotFound = errors.New("learning: batch not found")
)

const (
	defaultBatchSize              = 50
	defaultQualityThreshold       = 3
	defaultMinExamplesForTraining = 10
	defaultBaseModel              = "mistral:7b"
	defaultLearningRate           = 2e-4
	defaultEpochs                 = 3

	// priorityPendingFloor is the lower bar for degradation-triggered
	// batching.
	priorityPendingFloor = 20

	// feedbackWindow bounds retroactive session feedback attachment.
	feedbackWindow = time.Hour

	// dedupDays is how many day buckets of content hashes are retained.
	// The window keeps the set bounded instead of growing forever.
	dedupDays = 2

	// Incremental runs use softer settings than a from-scratch train.
	incrementalLRFactor  = 0.5
	minIncrementalEpochs = 1

	batchRetention = 30 * 24 * time.Hour
)

// Dispatcher sends training work to the external backend. The training
// client implements this.
type Dispatcher interface {
	StartTraining(ctx context.Context, req datatypes.TrainingJobRequest) (*datatypes.TrainingJobResponse, error)
}

// =============================================================================
// Coordinator
// =============================================================================

// batchRef locates a dispatched batch from a training job ID.
type batchRef struct {
	domain  string
	batchID string
}

// Coordinator implements continuous learning for all domains.
//
// # Fields
//
//   - pending: per-domain FIFO of examples awaiting batching.
//   - seen: day-bucketed content-hash sets for dedup.
//   - jobs: dispatched training job ID to batch mapping, used to close
//     the loop when completion events arrive.
type Coordinator struct {
	repo       store.Repository
	dispatcher Dispatcher
	bus        *events.Bus
	obs        *observability.Metrics

	now func() time.Time

	mu      sync.Mutex
	pending map[string][]datatypes.LearningExample
	seen    map[string]map[string]struct{}
	jobs    map[string]batchRef
}

// New creates a coordinator. bus and obs may be nil.
func New(repo store.Repository, dispatcher Dispatcher, bus *events.Bus, obs *observability.Metrics) *Coordinator {
	return &Coordinator{
		repo:       repo,
		dispatcher: dispatcher,
		bus:        bus,
		obs:        obs,
		now:        time.Now,
		pending:    make(map[string][]datatypes.LearningExample),
		seen:       make(map[string]map[string]struct{}),
		jobs:       make(map[string]batchRef),
	}
}

// Subscribe wires the coordinator to training completion and
// degradation events.
func (c *Coordinator) Subscribe(bus *events.Bus) {
	bus.Subscribe(func(_ context.Context, evt events.Event) error {
		jobID, _ := evt.Payload["job_id"].(string)
		modelPath, _ := evt.Payload["path"].(string)
		failure, _ := evt.Payload["error"].(string)
		c.completeBatch(jobID, evt.Type == events.EventTrainingCompleted, modelPath, failure)
		return nil
	}, events.EventTrainingCompleted, events.EventTrainingFailed)

	bus.Subscribe(func(_ context.Context, evt events.Event) error {
		return c.PriorityBatch(evt.Domain)
	}, events.EventPerformanceDegraded)
}

// =============================================================================
// Per-domain configuration
// =============================================================================

// GetConfig returns the domain's learning policy, falling back to the
// global defaults when none is stored.
func (c *Coordinator) GetConfig(domain string) (*datatypes.DomainLearningConfig, error) {
	var cfg datatypes.DomainLearningConfig
	err := c.repo.Get(store.LearningConfigKey(domain), &cfg)
	if errors.Is(err, store.ErrNotFound) {
		return defaultLearningConfig(domain), nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig persists a domain learning policy.
func (c *Coordinator) UpdateConfig(cfg *datatypes.DomainLearningConfig) error {
	if cfg.Domain == "" {
		return fmt.Errorf("learning config requires a domain")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MinExamplesForTraining <= 0 {
		cfg.MinExamplesForTraining = defaultMinExamplesForTraining
	}
	if cfg.BaseModel == "" {
		cfg.BaseModel = defaultBaseModel
	}
	return c.repo.Put(store.LearningConfigKey(cfg.Domain), cfg)
}

func defaultLearningConfig(domain string) *datatypes.DomainLearningConfig {
	return &datatypes.DomainLearningConfig{
		Domain:                 domain,
		Enabled:                true,
		BatchSize:              defaultBatchSize,
		QualityThreshold:       defaultQualityThreshold,
		AllowNegativeExamples:  false,
		MinExamplesForTraining: defaultMinExamplesForTraining,
		BaseModel:              defaultBaseModel,
		LearningRate:           defaultLearningRate,
		Epochs:                 defaultEpochs,
	}
}

// =============================================================================
// Example intake
// =============================================================================

// RecordExample queues one production example. Disabled domains,
// sub-threshold ratings without negative collection, and duplicates
// inside the dedup window are rejected.
func (c *Coordinator) RecordExample(ex datatypes.LearningExample) error {
	cfg, err := c.GetConfig(ex.Domain)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrDomainDisabled, ex.Domain)
	}
	if ex.Feedback != nil && ex.Feedback.Rating < cfg.QualityThreshold && !cfg.AllowNegativeExamples {
		return fmt.Errorf("%w: rating %d under threshold %d", ErrQualityTooLow, ex.Feedback.Rating, cfg.QualityThreshold)
	}

	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.Metadata.Timestamp.IsZero() {
		ex.Metadata.Timestamp = c.now().UTC()
	}
	hash := contentHash(ex.Domain, ex.Input, ex.Output)

	c.mu.Lock()
	if c.alreadySeen(hash) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateExample, hash[:12])
	}
	c.markSeen(hash)
	c.pending[ex.Domain] = append(c.pending[ex.Domain], ex)
	count := len(c.pending[ex.Domain])
	c.mu.Unlock()

	c.setPendingGauge(ex.Domain, count)
	slog.Debug("learning example queued", "domain", ex.Domain, "pending", count)
	return c.CheckTrainingTrigger(ex.Domain)
}

// RecordFeedback retroactively attaches feedback to every pending
// example from the session recorded within the last hour.
func (c *Coordinator) RecordFeedback(domain, sessionID string, fb datatypes.ExampleFeedback) int {
	cutoff := c.now().Add(-feedbackWindow)

	c.mu.Lock()
	defer c.mu.Unlock()
	updated := 0
	queue := c.pending[domain]
	for i := range queue {
		if queue[i].Metadata.SessionID != sessionID {
			continue
		}
		if queue[i].Metadata.Timestamp.Before(cutoff) {
			continue
		}
		f := fb
		queue[i].Feedback = &f
		updated++
	}
	if updated > 0 {
		slog.Debug("session feedback attached", "domain", domain, "session_id", sessionID, "examples", updated)
	}
	return updated
}

// PendingCount returns the domain's pending queue length.
func (c *Coordinator) PendingCount(domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[domain])
}

// alreadySeen and markSeen maintain a day-bucketed content-hash window.
// Caller holds c.mu.
func (c *Coordinator) alreadySeen(hash string) bool {
	for _, day := range c.dedupWindow() {
		if _, ok := c.seen[day][hash]; ok {
			return true
		}
	}
	return false
}

func (c *Coordinator) markSeen(hash string) {
	window := c.dedupWindow()
	today := window[0]
	if c.seen[today] == nil {
		c.seen[today] = make(map[string]struct{})
	}
	c.seen[today][hash] = struct{}{}

	keep := make(map[string]bool, len(window))
	for _, day := range window {
		keep[day] = true
	}
	for day := range c.seen {
		if !keep[day] {
			delete(c.seen, day)
		}
	}
}

func (c *Coordinator) dedupWindow() []string {
	days := make([]string, dedupDays)
	for i := 0; i < dedupDays; i++ {
		days[i] = c.now().UTC().AddDate(0, 0, -i).Format("2006-01-02")
	}
	return days
}

func contentHash(domain, input, output string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(input))
	h.Write([]byte{0})
	h.Write([]byte(output))
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// Batching triggers
// =============================================================================

// CheckTrainingTrigger carves a FIFO batch once the domain's pending
// count reaches its batch size.
func (c *Coordinator) CheckTrainingTrigger(domain string) error {
	cfg, err := c.GetConfig(domain)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if len(c.pending[domain]) < cfg.BatchSize {
		c.mu.Unlock()
		return nil
	}
	carved := c.carveLocked(domain, cfg.BatchSize)
	c.mu.Unlock()

	return c.executeBatch(cfg, carved, "")
}

// SweepAll force-batches every enabled domain whose stragglers reached
// the minimum training count. Called from the daily scheduler.
func (c *Coordinator) SweepAll() {
	start := c.now()

	c.mu.Lock()
	domains := make([]string, 0, len(c.pending))
	for domain := range c.pending {
		domains = append(domains, domain)
	}
	c.mu.Unlock()

	for _, domain := range domains {
		if err := c.forceBatch(domain, "", 0); err != nil &&
			!errors.Is(err, ErrDomainDisabled) {
			slog.Error("learning sweep failed for domain", "domain", domain, "error", err)
		}
	}

	if c.obs != nil {
		c.obs.SweepDurationSeconds.WithLabelValues("learning_sweep").
			Observe(c.now().Sub(start).Seconds())
	}
}

// PriorityBatch reacts to a degradation signal: with at least 20
// pending examples the domain is batched immediately, well under the
// normal size threshold.
func (c *Coordinator) PriorityBatch(domain string) error {
	return c.forceBatch(domain, "performance_degradation", priorityPendingFloor)
}

// forceBatch drains the whole pending queue when it holds at least
// floor examples (or the domain's MinExamplesForTraining when floor is
// zero).
func (c *Coordinator) forceBatch(domain, trigger string, floor int) error {
	cfg, err := c.GetConfig(domain)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrDomainDisabled, domain)
	}
	if floor <= 0 {
		floor = cfg.MinExamplesForTraining
	}

	c.mu.Lock()
	if len(c.pending[domain]) < floor {
		c.mu.Unlock()
		return nil
	}
	carved := c.carveLocked(domain, len(c.pending[domain]))
	c.mu.Unlock()

	return c.executeBatch(cfg, carved, trigger)
}

// carveLocked removes the oldest n examples. Caller holds c.mu.
func (c *Coordinator) carveLocked(domain string, n int) []datatypes.LearningExample {
	queue := c.pending[domain]
	carved := make([]datatypes.LearningExample, n)
	copy(carved, queue[:n])
	c.pending[domain] = append(queue[:0:0], queue[n:]...)
	return carved
}

// =============================================================================
// Batch execution
// =============================================================================

// executeBatch persists the batch and dispatches incremental training.
// Dispatch failure marks the batch failed and requeues its examples at
// the front of the pending pool.
func (c *Coordinator) executeBatch(cfg *datatypes.DomainLearningConfig, examples []datatypes.LearningExample, trigger string) error {
	batch := &datatypes.LearningBatch{
		BatchID:         uuid.NewString(),
		Domain:          cfg.Domain,
		Examples:        examples,
		CreatedAt:       c.now().UTC(),
		Status:          datatypes.BatchPending,
		Metrics:         batchMetrics(examples, cfg.QualityThreshold),
		PriorityTrigger: trigger,
	}
	if err := c.persistBatch(batch); err != nil {
		return err
	}
	c.setPendingGauge(cfg.Domain, c.PendingCount(cfg.Domain))

	epochs := cfg.Epochs / 2
	if epochs < minIncrementalEpochs {
		epochs = minIncrementalEpochs
	}
	req := datatypes.TrainingJobRequest{
		Domain:       cfg.Domain,
		BaseModel:    cfg.BaseModel,
		TrainingData: toTrainingRecords(cfg.Domain, examples),
		Config: datatypes.TrainingJobConfig{
			Epochs:       epochs,
			LearningRate: cfg.LearningRate * incrementalLRFactor,
			BatchSize:    cfg.BatchSize,
			Incremental:  true,
		},
	}

	resp, err := c.dispatcher.StartTraining(context.Background(), req)
	if err != nil {
		batch.Status = datatypes.BatchFailed
		batch.FailureReason = err.Error()
		if perr := c.persistBatch(batch); perr != nil {
			slog.Error("failed batch state write failed", "batch_id", batch.BatchID, "error", perr)
		}
		c.requeue(cfg.Domain, examples)
		c.countDispatch(cfg.Domain, "error")
		return fmt.Errorf("dispatching batch %s: %w", batch.BatchID, err)
	}

	batch.Status = datatypes.BatchTraining
	batch.TrainingJobID = resp.JobID
	if err := c.persistBatch(batch); err != nil {
		return err
	}

	c.mu.Lock()
	c.jobs[resp.JobID] = batchRef{domain: cfg.Domain, batchID: batch.BatchID}
	c.mu.Unlock()

	c.countDispatch(cfg.Domain, "ok")
	slog.Info("learning batch dispatched",
		"batch_id", batch.BatchID,
		"domain", cfg.Domain,
		"examples", len(examples),
		"job_id", resp.JobID,
		"priority_trigger", trigger)
	return nil
}

// requeue returns carved examples to the front of the pending pool.
func (c *Coordinator) requeue(domain string, examples []datatypes.LearningExample) {
	c.mu.Lock()
	c.pending[domain] = append(append([]datatypes.LearningExample{}, examples...), c.pending[domain]...)
	count := len(c.pending[domain])
	c.mu.Unlock()
	c.setPendingGauge(domain, count)
}

// completeBatch closes the loop on an asynchronous training outcome.
func (c *Coordinator) completeBatch(jobID string, success bool, modelPath, failure string) {
	if jobID == "" {
		return
	}
	c.mu.Lock()
	ref, ok := c.jobs[jobID]
	delete(c.jobs, jobID)
	c.mu.Unlock()
	if !ok {
		return
	}

	batch, err := c.GetBatch(ref.domain, ref.batchID)
	if err != nil {
		slog.Error("completed batch not found", "batch_id", ref.batchID, "error", err)
		return
	}
	if success {
		batch.Status = datatypes.BatchCompleted
		batch.ResultingModel = modelPath
	} else {
		batch.Status = datatypes.BatchFailed
		batch.FailureReason = failure
	}
	if err := c.persistBatch(batch); err != nil {
		slog.Error("batch completion write failed", "batch_id", batch.BatchID, "error", err)
		return
	}
	slog.Info("learning batch finished", "batch_id", batch.BatchID, "domain", batch.Domain, "status", batch.Status)
}

func batchMetrics(examples []datatypes.LearningExample, qualityThreshold int) datatypes.BatchMetrics {
	m := datatypes.BatchMetrics{TotalExamples: len(examples)}
	rated := 0
	sum := 0
	for _, ex := range examples {
		if ex.Feedback == nil {
			continue
		}
		rated++
		sum += ex.Feedback.Rating
		if ex.Feedback.Rating >= qualityThreshold {
			m.PositiveExamples++
		} else {
			m.NegativeExamples++
		}
	}
	if rated > 0 {
		m.AverageRating = float64(sum) / float64(rated)
	}
	return m
}

func (c *Coordinator) persistBatch(batch *datatypes.LearningBatch) error {
	if err := c.repo.PutWithTTL(store.BatchKey(batch.Domain, batch.BatchID), batch, batchRetention); err != nil {
		return fmt.Errorf("persisting batch %s: %w", batch.BatchID, err)
	}
	return nil
}

// GetBatch returns one batch record.
func (c *Coordinator) GetBatch(domain, batchID string) (*datatypes.LearningBatch, error) {
	var batch datatypes.LearningBatch
	if err := c.repo.Get(store.BatchKey(domain, batchID), &batch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns a domain's retained batches, newest first.
func (c *Coordinator) ListBatches(domain string) ([]datatypes.LearningBatch, error) {
	var out []datatypes.LearningBatch
	err := c.repo.Scan("batch/"+domain+"/", func(key string, value []byte) error {
		var batch datatypes.LearningBatch
		if err := decodeJSON(value, &batch); err != nil {
			return nil
		}
		out = append(out, batch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (c *Coordinator) setPendingGauge(domain string, count int) {
	if c.obs != nil {
		c.obs.PendingExamples.WithLabelValues(domain).Set(float64(count))
	}
}

func (c *Coordinator) countDispatch(domain, outcome string) {
	if c.obs != nil {
		c.obs.TrainingDispatchesTotal.WithLabelValues(domain, outcome).Inc()
	}
}

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
