// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscribedHandler(t *testing.T) {
	bus := NewBus(DefaultConfig())

	received := make(chan Event, 1)
	bus.Subscribe(func(_ context.Context, evt Event) error {
		received <- evt
		return nil
	}, EventTrainingCompleted)

	bus.Start()
	defer bus.Stop()

	bus.Publish(NewEvent(EventTrainingCompleted, "legal_analysis", map[string]any{"job_id": "job-1"}))

	select {
	case evt := <-received:
		if evt.Domain != "legal_analysis" {
			t.Errorf("domain = %q, want legal_analysis", evt.Domain)
		}
		if evt.Payload["job_id"] != "job-1" {
			t.Errorf("payload job_id = %v, want job-1", evt.Payload["job_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishSkipsUnsubscribedTypes(t *testing.T) {
	bus := NewBus(DefaultConfig())

	var mu sync.Mutex
	var got []string
	bus.Subscribe(func(_ context.Context, evt Event) error {
		mu.Lock()
		got = append(got, evt.Type)
		mu.Unlock()
		return nil
	}, EventPerformanceDegraded)

	bus.Start()

	bus.Publish(NewEvent(EventTrainingFailed, "d", nil))
	bus.Publish(NewEvent(EventPerformanceDegraded, "d", nil))
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != EventPerformanceDegraded {
		t.Errorf("delivered types = %v, want only performance.degraded", got)
	}
}

func TestHandlerErrorDoesNotBlockOtherHandlers(t *testing.T) {
	bus := NewBus(Config{QueueSize: 8, WorkerCount: 1, HandlerTimeout: time.Second})

	bus.Subscribe(func(_ context.Context, _ Event) error {
		return errors.New("boom")
	}, EventModelPromoted)

	received := make(chan struct{}, 1)
	bus.Subscribe(func(_ context.Context, _ Event) error {
		received <- struct{}{}
		return nil
	}, EventModelPromoted)

	bus.Start()
	defer bus.Stop()

	bus.Publish(NewEvent(EventModelPromoted, "d", nil))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never invoked")
	}
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	bus := NewBus(Config{QueueSize: 64, WorkerCount: 2, HandlerTimeout: time.Second})

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(_ context.Context, _ Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, EventExperimentStopped)

	bus.Start()
	for i := 0; i < 20; i++ {
		bus.Publish(NewEvent(EventExperimentStopped, "d", nil))
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Errorf("delivered %d events, want 20", count)
	}
}
