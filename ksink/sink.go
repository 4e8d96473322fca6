// Package ksink provides record sinks for keyflow jobs: an in-memory
// collector, a logging sink, a kvstore writer and a Kafka producer.
// Sink values are shared by all partitions, so every implementation
// here is safe for concurrent use.
package ksink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/kvstore"
)

// Collector accumulates records in memory. Mostly useful in tests and
// demos to observe a topology's output.
type Collector[K, V any] struct {
	mu      sync.Mutex
	records []keyflow.Record[K, V]
}

func NewCollector[K, V any]() *Collector[K, V] {
	return &Collector[K, V]{}
}

func (c *Collector[K, V]) Write(_ context.Context, rec keyflow.Record[K, V]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *Collector[K, V]) Flush(context.Context) error {
	return nil
}

func (c *Collector[K, V]) Close() error {
	return nil
}

// Records returns a copy of everything written so far.
func (c *Collector[K, V]) Records() []keyflow.Record[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]keyflow.Record[K, V], len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the number of records written so far.
func (c *Collector[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Logger emits every record as one structured log line.
type Logger[K, V any] struct {
	log *slog.Logger
	msg string
}

func NewLogger[K, V any](log *slog.Logger, msg string) *Logger[K, V] {
	return &Logger[K, V]{log: log, msg: msg}
}

func (l *Logger[K, V]) Write(_ context.Context, rec keyflow.Record[K, V]) error {
	l.log.Info(l.msg, "key", rec.Key, "value", rec.Value, "ts", rec.Timestamp)
	return nil
}

func (l *Logger[K, V]) Flush(context.Context) error {
	return nil
}

func (l *Logger[K, V]) Close() error {
	return nil
}

// Store upserts records into a kvstore map, last write per key wins.
// The map is owned by the caller and stays open after the job ends.
type Store[K, V any] struct {
	m *kvstore.Map[K, V]
}

func NewStore[K, V any](m *kvstore.Map[K, V]) *Store[K, V] {
	return &Store[K, V]{m: m}
}

func (s *Store[K, V]) Write(ctx context.Context, rec keyflow.Record[K, V]) error {
	return s.m.Put(ctx, rec.Key, rec.Value)
}

func (s *Store[K, V]) Flush(context.Context) error {
	return nil
}

func (s *Store[K, V]) Close() error {
	return nil
}
