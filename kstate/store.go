// Package kstate provides per-partition keyed state for stateful operators.
// A store instance is owned by exactly one partition's worker, so
// implementations need no internal locking.
package kstate

import (
	"context"
	"errors"
	"iter"
)

var ErrKeyNotFound = errors.New("store: key not found")

// Store is the lifecycle contract shared by all state stores.
type Store interface {
	Name() string
	Init(ctx context.Context) error
	Flush(ctx context.Context) error
	Close() error
}

// StoreBuilder constructs one store instance per partition.
type StoreBuilder func(partition int) (Store, error)

// KeyedStore holds mutable state per key. Entries are created lazily by
// operators on the first event for a key and deleted when the operator emits
// a terminal result for it. State is job-scoped and held in memory; nothing
// survives the job.
type KeyedStore[K comparable, V any] interface {
	Store

	// Get returns (value, true, nil) if the key exists and
	// (zero, false, nil) if it does not.
	Get(key K) (V, bool, error)

	Set(key K, value V) error

	Delete(key K) error

	// Len reports the number of live keys.
	Len() int

	// All iterates over every entry. Mutating the store while iterating is
	// undefined; operators collect keys first when they delete during a sweep.
	All() iter.Seq2[K, V]

	// Clear drops all entries.
	Clear() error
}
