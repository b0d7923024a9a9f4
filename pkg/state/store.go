// Package state provides the key-value store backing controller-owned
// mutable state (circuit breaker entries, degradation config). Keys map
// to JSON documents; implementations must guarantee that readers never
// observe a partially written value.
package state

import "errors"

// ErrCASMismatch is returned by CompareAndSet when the stored value does
// not match the expected value.
var ErrCASMismatch = errors.New("state: compare-and-set mismatch")

// Store is the persistence interface for controller state
type Store interface {
	// Get returns the value for key; found=false when the key is absent
	Get(key string) (value []byte, found bool, err error)

	// Set writes the value atomically
	Set(key string, value []byte) error

	// CompareAndSet writes value only if the current value equals expect.
	// A nil expect means the key must not exist. Returns ErrCASMismatch
	// on a failed comparison.
	CompareAndSet(key string, expect, value []byte) error

	// Keys lists all keys with the given prefix
	Keys(prefix string) ([]string, error)
}
