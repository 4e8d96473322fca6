// Package ksource provides record sources for keyflow jobs: in-memory
// slices and generators for tests and demos, a kvstore change journal,
// and a Kafka consumer.
package ksource

import (
	"context"
	"time"

	"github.com/birdayz/keyflow"
)

// Slice is a finite source emitting a fixed set of records in order.
// Exhausting it ends the stream.
type Slice[K, V any] struct {
	records []keyflow.Record[K, V]
}

func NewSlice[K, V any](records ...keyflow.Record[K, V]) *Slice[K, V] {
	return &Slice[K, V]{records: records}
}

func (s *Slice[K, V]) Run(ctx context.Context, emit keyflow.Emit[K, V]) error {
	for _, rec := range s.records {
		if err := emit(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slice[K, V]) Close() error {
	return nil
}

// Generator produces synthetic records from a sequence function. With a
// positive limit it is a finite source; with limit zero it runs until
// cancellation. A positive interval paces emission on a ticker,
// otherwise records are emitted back to back.
type Generator[K, V any] struct {
	next     func(i int64, now time.Time) keyflow.Record[K, V]
	interval time.Duration
	limit    int64
}

func NewGenerator[K, V any](interval time.Duration, limit int64, next func(i int64, now time.Time) keyflow.Record[K, V]) *Generator[K, V] {
	return &Generator[K, V]{next: next, interval: interval, limit: limit}
}

func (g *Generator[K, V]) Run(ctx context.Context, emit keyflow.Emit[K, V]) error {
	var ticker *time.Ticker
	if g.interval > 0 {
		ticker = time.NewTicker(g.interval)
		defer ticker.Stop()
	}
	for i := int64(0); g.limit == 0 || i < g.limit; i++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ctx, g.next(i, time.Now())); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator[K, V]) Close() error {
	return nil
}
