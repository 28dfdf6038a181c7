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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/events"
)

func TestSubscriberRepublishesNotifications(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		messages := []string{
			`{"type":"training_completed","job_id":"job-1","domain":"legal_analysis","path":"/adapters/legal-v2"}`,
			`{"type":"training_failed","job_id":"job-2","error":"oom"}`,
			`{"type":"progress","job_id":"job-3"}`,
		}
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the connection until the client walks away.
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	bus := events.NewBus(events.DefaultConfig())
	var mu sync.Mutex
	var received []events.Event
	bus.Subscribe(func(_ context.Context, evt events.Event) error {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		return nil
	}, events.EventTrainingCompleted, events.EventTrainingFailed)
	bus.Start()
	defer bus.Stop()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	sub := NewSubscriber(wsURL, bus)
	sub.Start()
	defer sub.Stop()

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d events republished", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].Type != events.EventTrainingCompleted {
		t.Errorf("first event = %s", received[0].Type)
	}
	if received[0].Payload["job_id"] != "job-1" || received[0].Payload["path"] != "/adapters/legal-v2" {
		t.Errorf("completed payload = %v", received[0].Payload)
	}
	if received[1].Type != events.EventTrainingFailed {
		t.Errorf("second event = %s", received[1].Type)
	}
	if received[1].Payload["error"] != "oom" {
		t.Errorf("failed payload = %v", received[1].Payload)
	}
}

func TestSubscriberReconnectsWithBackoff(t *testing.T) {
	if got := nextBackoff(initialBackoff); got != 2*time.Second {
		t.Errorf("backoff after 1s = %v", got)
	}
	if got := nextBackoff(45 * time.Second); got != maxBackoff {
		t.Errorf("backoff cap = %v, want %v", got, maxBackoff)
	}

	var mu sync.Mutex
	attempts := 0
	sub := NewSubscriber("ws://unused", events.NewBus(events.DefaultConfig()))
	sub.dial = func(string) (*websocket.Conn, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}

	sub.Start()
	time.Sleep(1500 * time.Millisecond)
	sub.Stop()

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Errorf("dial attempts = %d, want at least 2", attempts)
	}
}
