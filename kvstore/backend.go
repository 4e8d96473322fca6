// Package kvstore is the boundary to the external key-value service the
// engine consumes: plain get/put plus an optional change-notification feed.
// The engine only relies on read-after-write visibility; writers serialize
// at the backend's own boundary.
package kvstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("kvstore: key not found")
	ErrClosed   = errors.New("kvstore: backend closed")
)

type Op int

const (
	OpPut Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "put"
}

// Change is one entry of a backend's change feed.
type Change struct {
	Op    Op
	Key   []byte
	Value []byte
}

// WatchFrom selects where a change feed starts.
type WatchFrom int

const (
	// FromCurrent delivers only changes committed after the watch began.
	FromCurrent WatchFrom = iota
	// FromOldest first replays the retained history, then follows live
	// changes. Replay depth depends on the backend: Memory retains a bounded
	// journal, Badger synthesizes history from a snapshot scan, which makes
	// its replay at-least-once around the snapshot edge.
	FromOldest
)

type Backend interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	Put(ctx context.Context, key, value []byte) error

	Delete(ctx context.Context, key []byte) error

	// Scan calls fn for every entry in ascending key order until fn returns
	// false or the scan fails.
	Scan(ctx context.Context, fn func(key, value []byte) bool) error

	// Watch returns a change feed. The channel closes when ctx is done or
	// the backend closes.
	Watch(ctx context.Context, from WatchFrom) (<-chan Change, error)

	Close() error
}
