// Package klookup resolves reference data for enrichment. All four lookup
// strategies implement Resolver, so enrichment operators stay
// strategy-agnostic; the strategy is chosen when the pipeline is built.
package klookup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/birdayz/keyflow/kvstore"
)

// Resolver resolves an id to its reference record.
type Resolver[K comparable, V any] interface {
	// Init acquires job-scoped resources. It runs before the main stream
	// starts; a failure is fatal to pipeline setup.
	Init(ctx context.Context) error

	// Resolve returns (record, true, nil) on a hit and (zero, false, nil)
	// on a miss. An error means the lookup itself failed.
	Resolve(ctx context.Context, key K) (V, bool, error)

	Close() error
}

// ResolverFunc adapts a function to Resolver with no lifecycle.
type ResolverFunc[K comparable, V any] func(ctx context.Context, key K) (V, bool, error)

func (f ResolverFunc[K, V]) Init(ctx context.Context) error { return nil }

func (f ResolverFunc[K, V]) Resolve(ctx context.Context, key K) (V, bool, error) {
	return f(ctx, key)
}

func (f ResolverFunc[K, V]) Close() error { return nil }

// Static resolves from a fixed map. Test and demo helper.
func Static[K comparable, V any](table map[K]V) Resolver[K, V] {
	return ResolverFunc[K, V](func(ctx context.Context, key K) (V, bool, error) {
		v, ok := table[key]
		return v, ok, nil
	})
}

// MapResolver is the live key-value strategy: every Resolve reads the
// backing store, so lookups observe the latest committed value.
type MapResolver[K, V any] struct {
	m *kvstore.Map[K, V]
}

func NewMapResolver[K comparable, V any](m *kvstore.Map[K, V]) *MapResolver[K, V] {
	return &MapResolver[K, V]{m: m}
}

func (r *MapResolver[K, V]) Init(ctx context.Context) error { return nil }

func (r *MapResolver[K, V]) Resolve(ctx context.Context, key K) (V, bool, error) {
	return r.m.Get(ctx, key)
}

// Close releases nothing: the backing store is owned by the caller.
func (r *MapResolver[K, V]) Close() error { return nil }

// ReplicatedResolver is the broadcast replicated strategy: a full local
// replica is built at Init and kept current from the backend's change feed,
// so Resolve never crosses the store boundary. Updates apply asynchronously;
// the replica converges to the committed state rather than tracking it
// synchronously, matching replicated-map semantics.
type ReplicatedResolver[K comparable, V any] struct {
	m      *kvstore.Map[K, V]
	logger *slog.Logger

	mu      sync.RWMutex
	replica map[K]V

	cancel context.CancelFunc
	done   chan struct{}
}

type ReplicatedOption func(*replicatedConfig)

type replicatedConfig struct {
	logger *slog.Logger
}

// WithReplicaLogger sets the logger for feed decode warnings.
var WithReplicaLogger = func(l *slog.Logger) ReplicatedOption {
	return func(c *replicatedConfig) {
		c.logger = l
	}
}

func NewReplicated[K comparable, V any](m *kvstore.Map[K, V], opts ...ReplicatedOption) *ReplicatedResolver[K, V] {
	cfg := replicatedConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ReplicatedResolver[K, V]{
		m:      m,
		logger: cfg.logger,
	}
}

func (r *ReplicatedResolver[K, V]) Init(ctx context.Context) error {
	// Subscribe before the initial scan so no change can fall between them.
	// A change landing during the scan is applied twice, which is harmless:
	// puts and deletes are idempotent and the feed preserves per-key order.
	feedCtx, cancel := context.WithCancel(context.Background())
	feed, err := r.m.Backend().Watch(feedCtx, kvstore.FromCurrent)
	if err != nil {
		cancel()
		return fmt.Errorf("watch reference store: %w", err)
	}

	replica := map[K]V{}
	if err := r.m.Scan(ctx, func(k K, v V) bool {
		replica[k] = v
		return true
	}); err != nil {
		cancel()
		return fmt.Errorf("load reference store: %w", err)
	}

	r.replica = replica
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.follow(feed)
	return nil
}

func (r *ReplicatedResolver[K, V]) follow(feed <-chan kvstore.Change) {
	defer close(r.done)
	for c := range feed {
		key, err := r.m.DecodeKey(c.Key)
		if err != nil {
			r.logger.Warn("Dropping undecodable change feed key", "error", err)
			continue
		}
		switch c.Op {
		case kvstore.OpDelete:
			r.mu.Lock()
			delete(r.replica, key)
			r.mu.Unlock()
		case kvstore.OpPut:
			value, err := r.m.DecodeValue(c.Value)
			if err != nil {
				r.logger.Warn("Dropping undecodable change feed value", "key", key, "error", err)
				continue
			}
			r.mu.Lock()
			r.replica[key] = value
			r.mu.Unlock()
		}
	}
}

func (r *ReplicatedResolver[K, V]) Resolve(ctx context.Context, key K) (V, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.replica[key]
	return v, ok, nil
}

func (r *ReplicatedResolver[K, V]) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
	r.replica = nil
	return nil
}

// HashJoinResolver is the pre-loaded broadcast strategy: the reference
// dataset is pulled once at Init into an immutable table, reads are plain
// map lookups with no locking, and the table is dropped at Close.
type HashJoinResolver[K comparable, V any] struct {
	load  func(ctx context.Context) (map[K]V, error)
	table map[K]V
}

func NewHashJoin[K comparable, V any](load func(ctx context.Context) (map[K]V, error)) *HashJoinResolver[K, V] {
	return &HashJoinResolver[K, V]{load: load}
}

// FromMap builds a hash-join load function snapshotting a kvstore map.
func FromMap[K comparable, V any](m *kvstore.Map[K, V]) func(ctx context.Context) (map[K]V, error) {
	return func(ctx context.Context) (map[K]V, error) {
		table := map[K]V{}
		if err := m.Scan(ctx, func(k K, v V) bool {
			table[k] = v
			return true
		}); err != nil {
			return nil, err
		}
		return table, nil
	}
}

func (r *HashJoinResolver[K, V]) Init(ctx context.Context) error {
	table, err := r.load(ctx)
	if err != nil {
		return fmt.Errorf("build hash join table: %w", err)
	}
	r.table = table
	return nil
}

func (r *HashJoinResolver[K, V]) Resolve(ctx context.Context, key K) (V, bool, error) {
	v, ok := r.table[key]
	return v, ok, nil
}

func (r *HashJoinResolver[K, V]) Close() error {
	r.table = nil
	return nil
}
