// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the in-process message channel between
// modelops components.
//
// # Description
//
// Cross-component notifications (training completion, performance
// degradation, promotions) flow through an explicit bus with registered
// handlers instead of hidden callbacks. Delivery is at-least-once per
// subscriber; there is no ordering guarantee across event kinds. A
// handler that returns an error is logged and skipped, never retried by
// the bus itself.
//
// # Thread Safety
//
// Bus is safe for concurrent use after Start.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published inside modelops.
const (
	EventTrainingCompleted   = "training.completed"
	EventTrainingFailed      = "training.failed"
	EventPerformanceDegraded = "performance.degraded"
	EventModelPromoted       = "model.promoted"
	EventModelRolledBack     = "model.rolledback"
	EventExperimentStopped   = "experiment.stopped"
)

// Event is one notification on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Domain    string         `json:"domain,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent creates an event with a generated ID and current timestamp.
func NewEvent(eventType, domain string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Domain:    domain,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Handler processes one event. Handlers must be safe for concurrent
// invocation; the bus may deliver different events to the same handler
// from different workers.
type Handler func(ctx context.Context, evt Event) error

// Config controls bus sizing.
type Config struct {
	QueueSize   int
	WorkerCount int

	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration
}

// DefaultConfig returns bus defaults suitable for a single service
// instance.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		WorkerCount:    4,
		HandlerTimeout: 30 * time.Second,
	}
}

// Bus is the in-process event bus.
type Bus struct {
	config   Config
	handlers map[string][]Handler
	queue    chan Event
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
}

// NewBus creates a bus. Call Start before publishing.
func NewBus(config Config) *Bus {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultConfig().HandlerTimeout
	}
	return &Bus{
		config:   config,
		handlers: make(map[string][]Handler),
		queue:    make(chan Event, config.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler for the given event types. Must be
// called before Start for deterministic delivery of early events.
func (b *Bus) Subscribe(handler Handler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Start launches the worker pool.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	for i := 0; i < b.config.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Stop drains in-flight work and stops the workers. Publish after Stop
// drops events.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
}

// Publish enqueues an event. When the queue is full the event is
// dropped with a warning; the degradation and training paths all
// re-derive state from the store, so a dropped notification delays
// work rather than losing it.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		slog.Warn("event published before bus start, dropped", "type", evt.Type, "domain", evt.Domain)
		return
	}

	select {
	case b.queue <- evt:
	default:
		slog.Warn("event queue full, dropped", "type", evt.Type, "domain", evt.Domain)
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			// Drain what is already queued so Stop does not strand
			// notifications behind a closed channel.
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		case evt := <-b.queue:
			b.dispatch(evt)
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.HandlerTimeout)
		if err := h(ctx, evt); err != nil {
			slog.Error("event handler failed",
				"type", evt.Type,
				"domain", evt.Domain,
				"event_id", evt.ID,
				"error", err,
			)
		}
		cancel()
	}
}
