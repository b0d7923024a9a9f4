package state

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestFileStoreSetGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if _, found, err := store.Get("missing"); err != nil || found {
		t.Errorf("Expected missing key, got found=%v err=%v", found, err)
	}

	if err := store.Set("circuit-breakers/api", []byte(`{"state":"closed"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	data, found, err := store.Get("circuit-breakers/api")
	if err != nil || !found {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}
	if string(data) != `{"state":"closed"}` {
		t.Errorf("Unexpected value: %s", data)
	}
}

func TestFileStoreCompareAndSet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	// nil expect means key must not exist
	if err := store.CompareAndSet("k", nil, []byte("v1")); err != nil {
		t.Fatalf("Initial CAS failed: %v", err)
	}
	if err := store.CompareAndSet("k", nil, []byte("v2")); !errors.Is(err, ErrCASMismatch) {
		t.Errorf("Expected ErrCASMismatch for existing key, got %v", err)
	}

	if err := store.CompareAndSet("k", []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("CAS with correct expect failed: %v", err)
	}
	if err := store.CompareAndSet("k", []byte("v1"), []byte("v3")); !errors.Is(err, ErrCASMismatch) {
		t.Errorf("Expected ErrCASMismatch for stale expect, got %v", err)
	}

	data, _, _ := store.Get("k")
	if string(data) != "v2" {
		t.Errorf("Expected v2 after failed CAS, got %s", data)
	}
}

func TestFileStoreKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	store.Set("circuit-breakers/api", []byte("{}"))
	store.Set("circuit-breakers/worker", []byte("{}"))
	store.Set("degradation", []byte("{}"))

	keys, err := store.Keys("circuit-breakers/")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 breaker keys, got %d: %v", len(keys), keys)
	}
}

// Concurrent writers must never leave a torn document on disk
func TestFileStoreConcurrentWritesStayParseable(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			doc, _ := json.Marshal(map[string]int{"writer": n, "padding": n * 1000000})
			store.Set("shared", doc)
		}(i)
	}
	wg.Wait()

	data, found, err := store.Get("shared")
	if err != nil || !found {
		t.Fatalf("Get after concurrent writes: found=%v err=%v", found, err)
	}
	var out map[string]int
	if err := json.Unmarshal(data, &out); err != nil {
		t.Errorf("Stored document is not valid JSON: %v", err)
	}
}

func TestMemStoreCompareAndSet(t *testing.T) {
	store := NewMemStore()

	if err := store.CompareAndSet("k", nil, []byte("a")); err != nil {
		t.Fatalf("Initial CAS failed: %v", err)
	}
	if err := store.CompareAndSet("k", []byte("wrong"), []byte("b")); !errors.Is(err, ErrCASMismatch) {
		t.Errorf("Expected ErrCASMismatch, got %v", err)
	}
	if err := store.CompareAndSet("k", []byte("a"), []byte("b")); err != nil {
		t.Errorf("CAS with correct expect failed: %v", err)
	}
}
