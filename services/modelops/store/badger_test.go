// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := s.Put("routing/legal_analysis", doc{Name: "legal", Count: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got doc
	if err := s.Get("routing/legal_analysis", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "legal" || got.Count != 3 {
		t.Errorf("unexpected document: %+v", got)
	}
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)

	var out map[string]any
	err := s.Get("experiment/does-not-exist", &out)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMissingKeyIsNoError(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete("usage/none/none"); err != nil {
		t.Errorf("delete absent key: %v", err)
	}
}

func TestScanVisitsOnlyPrefix(t *testing.T) {
	s := openTestStore(t)

	keys := []string{
		"modelversion/legal_analysis/v1",
		"modelversion/legal_analysis/v2",
		"modelversion/customer_support/v1",
		"routing/legal_analysis",
	}
	for _, k := range keys {
		if err := s.Put(k, map[string]string{"key": k}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var visited []string
	err := s.Scan("modelversion/legal_analysis/", func(key string, _ []byte) error {
		visited = append(visited, key)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(visited) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(visited), visited)
	}
	// Lexical order within the prefix.
	if visited[0] != "modelversion/legal_analysis/v1" || visited[1] != "modelversion/legal_analysis/v2" {
		t.Errorf("unexpected scan order: %v", visited)
	}
}

func TestAtomicAddCreatesAndAccumulates(t *testing.T) {
	s := openTestStore(t)

	key := UsageKey("legal_analysis", "v1")
	if err := s.AtomicAdd(key, map[string]int64{"total_requests": 1, "total_errors": 1}, 0); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AtomicAdd(key, map[string]int64{"total_requests": 2}, 0); err != nil {
		t.Fatalf("second add: %v", err)
	}

	var counters map[string]int64
	if err := s.Get(key, &counters); err != nil {
		t.Fatalf("get: %v", err)
	}
	if counters["total_requests"] != 3 {
		t.Errorf("total_requests = %d, want 3", counters["total_requests"])
	}
	if counters["total_errors"] != 1 {
		t.Errorf("total_errors = %d, want 1", counters["total_errors"])
	}
}

// TestAtomicAddConcurrent drives many goroutines at one counter record
// and verifies no increment is lost to a transaction race.
func TestAtomicAddConcurrent(t *testing.T) {
	s := openTestStore(t)

	const workers = 8
	const perWorker = 50
	key := UsageKey("customer_support", "v3")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := s.AtomicAdd(key, map[string]int64{"total_requests": 1}, 0); err != nil {
					t.Errorf("atomic add: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var counters map[string]int64
	if err := s.Get(key, &counters); err != nil {
		t.Fatalf("get: %v", err)
	}
	if counters["total_requests"] != workers*perWorker {
		t.Errorf("total_requests = %d, want %d", counters["total_requests"], workers*perWorker)
	}
}

func TestUpdateReceivesNilForAbsentKey(t *testing.T) {
	s := openTestStore(t)

	var sawNil bool
	err := s.Update("batch/legal_analysis/b1", 0, func(current []byte) ([]byte, error) {
		sawNil = current == nil
		return []byte(`{"status":"pending"}`), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !sawNil {
		t.Error("expected nil current value for absent key")
	}

	var doc map[string]string
	if err := s.Get("batch/legal_analysis/b1", &doc); err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if doc["status"] != "pending" {
		t.Errorf("status = %q, want pending", doc["status"])
	}
}
