package processors

import (
	"context"
	"fmt"
	"sync"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/klookup"
)

type enricher[K, V any, ID comparable, R, Out any] struct {
	pctx    keyflow.ProcessorContext[K, Out]
	resolve klookup.Resolver[ID, R]
	extract func(V) ID
	merge   func(V, R) (Out, error)

	initShared  func(ctx context.Context) error
	closeShared func() error
}

// Enrich builds a synchronous lookup step: extract the reference id from
// the value, resolve it, merge the resolved data in. The resolver value
// is shared by all partitions and initialized exactly once per job; a
// failed init is fatal. A missing entry is a data error for that record
// only. Chained enrichment, such as product then broker, is plain
// composition of Enrich nodes.
func Enrich[K, V any, ID comparable, R, Out any](resolver klookup.Resolver[ID, R], extract func(V) ID, merge func(V, R) (Out, error)) keyflow.ProcessorBuilder[K, V, K, Out] {
	initShared, closeShared := sharedLifecycle(resolver.Init, resolver.Close)
	return func() keyflow.Processor[K, V, K, Out] {
		return &enricher[K, V, ID, R, Out]{
			resolve:     resolver,
			extract:     extract,
			merge:       merge,
			initShared:  initShared,
			closeShared: closeShared,
		}
	}
}

func (p *enricher[K, V, ID, R, Out]) Init(ctx context.Context, pctx keyflow.ProcessorContext[K, Out]) error {
	p.pctx = pctx
	return p.initShared(ctx)
}

func (p *enricher[K, V, ID, R, Out]) Process(ctx context.Context, rec keyflow.Record[K, V]) error {
	id := p.extract(rec.Value)
	ref, found, err := p.resolve.Resolve(ctx, id)
	if err != nil {
		return external(err, rec.Key)
	}
	if !found {
		return keyflow.DataError(fmt.Errorf("no entry for id %v", id), rec.Key)
	}
	out, err := p.merge(rec.Value, ref)
	if err != nil {
		return keyflow.OperatorError(err, rec.Key)
	}
	return p.pctx.Forward(ctx, keyflow.WithValue(rec, out))
}

func (p *enricher[K, V, ID, R, Out]) Close() error {
	return p.closeShared()
}

// sharedLifecycle collapses the per-partition Init and Close calls of a
// shared collaborator into one effective call each. Every caller
// observes the first call's error.
func sharedLifecycle(init func(ctx context.Context) error, close func() error) (func(ctx context.Context) error, func() error) {
	var (
		initOnce  sync.Once
		initErr   error
		closeOnce sync.Once
		closeErr  error
	)
	sharedInit := func(ctx context.Context) error {
		initOnce.Do(func() {
			initErr = init(ctx)
		})
		return initErr
	}
	sharedClose := func() error {
		closeOnce.Do(func() {
			closeErr = close()
		})
		return closeErr
	}
	return sharedInit, sharedClose
}

// external marks err as an external failure unless it already carries a
// class.
func external(err error, key any) error {
	if _, ok := keyflow.ClassOf(err); ok {
		return err
	}
	return keyflow.ExternalError(err, key)
}
