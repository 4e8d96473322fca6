// Package processors provides ready-made operators for keyflow
// topologies: stateless transforms, co-grouping over tagged inputs,
// start/end event matching, and synchronous or asynchronous lookup
// enrichment.
package processors

import (
	"context"

	"github.com/birdayz/keyflow"
)

type mapProcessor[Kin, Vin, Kout, Vout any] struct {
	pctx keyflow.ProcessorContext[Kout, Vout]
	fn   func(keyflow.Record[Kin, Vin]) (keyflow.Record[Kout, Vout], error)
}

// Map builds a stateless 1:1 transform. The function may change key,
// value and timestamp; combined with a partitioned downstream edge,
// changing the key is how a stream gets re-keyed.
func Map[Kin, Vin, Kout, Vout any](fn func(keyflow.Record[Kin, Vin]) (keyflow.Record[Kout, Vout], error)) keyflow.ProcessorBuilder[Kin, Vin, Kout, Vout] {
	return func() keyflow.Processor[Kin, Vin, Kout, Vout] {
		return &mapProcessor[Kin, Vin, Kout, Vout]{fn: fn}
	}
}

func (p *mapProcessor[Kin, Vin, Kout, Vout]) Init(_ context.Context, pctx keyflow.ProcessorContext[Kout, Vout]) error {
	p.pctx = pctx
	return nil
}

func (p *mapProcessor[Kin, Vin, Kout, Vout]) Process(ctx context.Context, rec keyflow.Record[Kin, Vin]) error {
	out, err := p.fn(rec)
	if err != nil {
		return err
	}
	return p.pctx.Forward(ctx, out)
}

func (p *mapProcessor[Kin, Vin, Kout, Vout]) Close() error {
	return nil
}

type filterProcessor[K, V any] struct {
	pctx keyflow.ProcessorContext[K, V]
	keep func(keyflow.Record[K, V]) bool
}

// Filter builds a processor that forwards only records the predicate
// accepts.
func Filter[K, V any](keep func(keyflow.Record[K, V]) bool) keyflow.ProcessorBuilder[K, V, K, V] {
	return func() keyflow.Processor[K, V, K, V] {
		return &filterProcessor[K, V]{keep: keep}
	}
}

func (p *filterProcessor[K, V]) Init(_ context.Context, pctx keyflow.ProcessorContext[K, V]) error {
	p.pctx = pctx
	return nil
}

func (p *filterProcessor[K, V]) Process(ctx context.Context, rec keyflow.Record[K, V]) error {
	if !p.keep(rec) {
		return nil
	}
	return p.pctx.Forward(ctx, rec)
}

func (p *filterProcessor[K, V]) Close() error {
	return nil
}

type forEachProcessor[K, V any] struct {
	fn func(ctx context.Context, rec keyflow.Record[K, V]) error
}

// ForEach builds a terminal processor that invokes fn per record and
// forwards nothing.
func ForEach[K, V any](fn func(ctx context.Context, rec keyflow.Record[K, V]) error) keyflow.ProcessorBuilder[K, V, K, V] {
	return func() keyflow.Processor[K, V, K, V] {
		return &forEachProcessor[K, V]{fn: fn}
	}
}

func (p *forEachProcessor[K, V]) Init(_ context.Context, _ keyflow.ProcessorContext[K, V]) error {
	return nil
}

func (p *forEachProcessor[K, V]) Process(ctx context.Context, rec keyflow.Record[K, V]) error {
	return p.fn(ctx, rec)
}

func (p *forEachProcessor[K, V]) Close() error {
	return nil
}
