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
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianAdaptive/services/modelops/events"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
	dialTimeout    = 10 * time.Second
)

// Subscriber holds a persistent websocket subscription to the training
// backend's notification stream and republishes completions onto the
// internal event bus.
//
// # Description
//
// The backend pushes training_completed and training_failed messages as
// jobs finish. Completion is push-delivered, never polled. On transport
// loss the subscriber reconnects with exponential backoff, doubling
// from one second up to a minute.
//
// # Thread Safety
//
// Start and Stop are safe to call once each from any goroutine.
type Subscriber struct {
	url  string
	bus  *events.Bus
	dial func(url string) (*websocket.Conn, error)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriber creates a subscriber for the backend's notification
// websocket (e.g. "ws://lora-backend:8000/ws/notifications").
func NewSubscriber(url string, bus *events.Bus) *Subscriber {
	return &Subscriber{
		url: url,
		bus: bus,
		dial: func(url string) (*websocket.Conn, error) {
			dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
			conn, _, err := dialer.Dial(url, nil)
			return conn, err
		},
		done: make(chan struct{}),
	}
}

// Start launches the subscription loop.
func (s *Subscriber) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("training notification subscriber started", "url", s.url)
}

// Stop terminates the subscription loop and waits for it to exit.
func (s *Subscriber) Stop() {
	close(s.done)
	s.wg.Wait()
	slog.Info("training notification subscriber stopped")
}

func (s *Subscriber) run() {
	defer s.wg.Done()

	backoff := initialBackoff
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := s.dial(s.url)
		if err != nil {
			slog.Warn("training backend connect failed", "url", s.url, "backoff", backoff, "error", err)
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		slog.Info("training notification stream connected", "url", s.url)
		backoff = initialBackoff
		s.readLoop(conn)
		_ = conn.Close()
	}
}

// readLoop consumes messages until the connection breaks or Stop is
// called.
func (s *Subscriber) readLoop(conn *websocket.Conn) {
	closed := make(chan struct{})
	go func() {
		select {
		case <-s.done:
			// Unblocks the pending ReadMessage.
			_ = conn.Close()
		case <-closed:
		}
	}()
	defer close(closed)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("training notification stream lost", "error", err)
			}
			return
		}
		s.handle(message)
	}
}

// handle decodes one notification and republishes it internally. The
// registry and learning coordinator subscribe to the resulting events.
func (s *Subscriber) handle(message []byte) {
	var n datatypes.TrainingNotification
	if err := json.Unmarshal(message, &n); err != nil {
		slog.Warn("undecodable training notification", "error", err)
		return
	}

	switch n.Type {
	case datatypes.NotificationTrainingCompleted:
		s.bus.Publish(events.NewEvent(events.EventTrainingCompleted, n.Domain, map[string]any{
			"job_id":     n.JobID,
			"base_model": n.BaseModel,
			"path":       n.Path,
		}))
	case datatypes.NotificationTrainingFailed:
		s.bus.Publish(events.NewEvent(events.EventTrainingFailed, n.Domain, map[string]any{
			"job_id": n.JobID,
			"error":  n.Error,
		}))
	default:
		slog.Debug("ignoring training notification", "type", n.Type)
	}
}

func (s *Subscriber) sleep(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
