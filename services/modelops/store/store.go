// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the durable repository behind the modelops
// service.
//
// # Description
//
// The Repository interface layers an explicit get/put/scan/atomic-add
// surface over BadgerDB so the component packages never touch the
// database directly. Cached views (metric aggregates, sticky
// assignments) sit above this layer; invalidation rules live with the
// caches, not here.
//
// # Key Scheme
//
//	experiment/<testId>                  Experiment record
//	result/<testId>                      ExperimentResult record
//	usage/<domain>/<model>               Running counters (atomic adds)
//	rollup/<domain>/<model>/<day>        Per-day counters (atomic adds, TTL)
//	rollupfb/<domain>/<model>/<day>      Per-day feedback score list (TTL)
//	routing/<domain>                     DomainRoutingConfig document
//	assign/<testId>/<identity>           Sticky assignment (7-day TTL)
//	modelversion/<domain>/<versionId>    ModelVersion record
//	batch/<domain>/<batchId>             LearningBatch record
//	learningcfg/<domain>                 DomainLearningConfig document
//
// # Thread Safety
//
// All implementations must be safe for concurrent use. AtomicAdd and
// Update must be free of read-modify-write races; the Badger
// implementation retries serialization conflicts internally.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist. Callers
// check it with errors.Is; not-found is terminal and never retried.
var ErrNotFound = errors.New("store: key not found")

// Repository is the durable-store surface consumed by the modelops
// components.
type Repository interface {
	// Get unmarshals the JSON value at key into out.
	// Returns ErrNotFound when the key is absent.
	Get(key string, out any) error

	// Put marshals v as JSON and writes it at key.
	Put(key string, v any) error

	// PutWithTTL is Put with an expiry; the entry disappears after ttl.
	PutWithTTL(key string, v any, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error

	// Scan visits every key with the given prefix in lexical order.
	// Returning an error from fn stops the scan and propagates it.
	Scan(prefix string, fn func(key string, value []byte) error) error

	// AtomicAdd applies integer deltas to the named fields of the
	// counter document at key, creating it when absent. A ttl of zero
	// means no expiry. The whole operation is atomic with respect to
	// concurrent callers.
	AtomicAdd(key string, deltas map[string]int64, ttl time.Duration) error

	// Update applies fn to the current raw value at key (nil when
	// absent) and writes the result atomically. This is the
	// conditional-write primitive behind AtomicAdd and list appends.
	Update(key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error

	// Close releases the underlying database.
	Close() error
}

// Key builders. Components use these instead of hand-formatting keys so
// the scheme stays in one place.

func ExperimentKey(testID string) string { return "experiment/" + testID }

func UsageKey(domain, modelID string) string { return "usage/" + domain + "/" + modelID }

func RollupKey(domain, modelID, day string) string {
	return "rollup/" + domain + "/" + modelID + "/" + day
}

func RollupFeedbackKey(domain, modelID, day string) string {
	return "rollupfb/" + domain + "/" + modelID + "/" + day
}

func RoutingKey(domain string) string { return "routing/" + domain }

func AssignmentKey(testID, identity string) string { return "assign/" + testID + "/" + identity }

func ModelVersionKey(domain, versionID string) string {
	return "modelversion/" + domain + "/" + versionID
}

func BatchKey(domain, batchID string) string { return "batch/" + domain + "/" + batchID }

func ResultKey(testID string) string { return "result/" + testID }

func LearningConfigKey(domain string) string { return "learningcfg/" + domain }
