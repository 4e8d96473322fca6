package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/klookup"
)

// DefaultMaxInFlight bounds outstanding lookups per partition when
// WithMaxInFlight is not given.
const DefaultMaxInFlight = 16

type asyncConfig struct {
	maxInFlight    int64
	requestTimeout time.Duration
}

type AsyncOption func(*asyncConfig)

// WithMaxInFlight sets the per-partition bound on outstanding lookups.
func WithMaxInFlight(n int) AsyncOption {
	return func(c *asyncConfig) {
		c.maxInFlight = int64(n)
	}
}

// WithRequestTimeout bounds each lookup call. Services without their
// own deadline need this, or an unanswered call can stall the
// end-of-stream drain.
func WithRequestTimeout(d time.Duration) AsyncOption {
	return func(c *asyncConfig) {
		c.requestTimeout = d
	}
}

// pendingCall is one submitted lookup. result and err are written by the
// request goroutine before the call is sent over the completions
// channel, which orders them before any read on the worker.
type pendingCall[K, V, R any] struct {
	rec    keyflow.Record[K, V]
	result R
	err    error
	done   bool
}

type asyncEnricher[K, V any, ID comparable, R, Out any] struct {
	pctx    keyflow.ProcessorContext[K, Out]
	svc     klookup.Service[ID, R]
	extract func(V) ID
	merge   func(V, R) (Out, error)

	requestTimeout time.Duration

	// sem bounds in-flight calls; completions has the same capacity, so
	// request goroutines never block sending. queue holds calls in
	// submission order and only its head may emit, which keeps output
	// order equal to input order whatever order calls finish in.
	sem         *semaphore.Weighted
	completions chan *pendingCall[K, V, R]
	queue       []*pendingCall[K, V, R]

	wg          sync.WaitGroup
	closeShared func() error
}

// AsyncEnrich builds an asynchronous lookup step over an external
// service: requests run on their own goroutines, bounded per partition,
// while the partition worker keeps processing. Completions re-enter the
// worker loop, so merging and forwarding stay single-threaded and
// records still leave in arrival order. When the bound is reached,
// Process blocks for a slot and the stall propagates upstream as
// backpressure. A lookup that fails with klookup.ErrNotFound is a data
// error; other failures are external errors. On cancellation in-flight
// requests are abandoned.
func AsyncEnrich[K, V any, ID comparable, R, Out any](svc klookup.Service[ID, R], extract func(V) ID, merge func(V, R) (Out, error), opts ...AsyncOption) keyflow.ProcessorBuilder[K, V, K, Out] {
	cfg := asyncConfig{maxInFlight: DefaultMaxInFlight}
	for _, opt := range opts {
		opt(&cfg)
	}
	_, closeShared := sharedLifecycle(func(context.Context) error { return nil }, svc.Close)
	return func() keyflow.Processor[K, V, K, Out] {
		return &asyncEnricher[K, V, ID, R, Out]{
			svc:            svc,
			extract:        extract,
			merge:          merge,
			requestTimeout: cfg.requestTimeout,
			sem:            semaphore.NewWeighted(cfg.maxInFlight),
			completions:    make(chan *pendingCall[K, V, R], cfg.maxInFlight),
			closeShared:    closeShared,
		}
	}
}

func (p *asyncEnricher[K, V, ID, R, Out]) Init(_ context.Context, pctx keyflow.ProcessorContext[K, Out]) error {
	p.pctx = pctx
	return nil
}

// Process submits the lookup for one record without waiting for it.
// Acquiring the slot is the only blocking step; slots are released by
// request goroutines independently of this worker, so waiting here
// cannot deadlock.
func (p *asyncEnricher[K, V, ID, R, Out]) Process(ctx context.Context, rec keyflow.Record[K, V]) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	call := &pendingCall[K, V, R]{rec: rec}
	p.queue = append(p.queue, call)
	p.pctx.Metrics().AsyncInFlight.WithLabelValues(p.pctx.Node()).Inc()
	p.wg.Add(1)
	go p.call(ctx, call)
	return p.drain(ctx)
}

func (p *asyncEnricher[K, V, ID, R, Out]) call(ctx context.Context, call *pendingCall[K, V, R]) {
	defer p.wg.Done()
	rctx := ctx
	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}
	call.result, call.err = p.svc.Call(rctx, p.extract(call.rec.Value))
	p.completions <- call
	p.sem.Release(1)
	p.pctx.Metrics().AsyncInFlight.WithLabelValues(p.pctx.Node()).Dec()
	p.pctx.Wake(p.drain)
}

// drain collects finished calls and emits the contiguous finished head
// of the submission queue. Runs on the partition worker, from Process
// and from wakeups.
func (p *asyncEnricher[K, V, ID, R, Out]) drain(ctx context.Context) error {
	for {
		select {
		case call := <-p.completions:
			call.done = true
		default:
			return p.emitReady(ctx)
		}
	}
}

// emitReady pops and emits finished calls from the queue head. It stops
// at the first failure; the failed call is already popped, and a later
// wakeup resumes with the rest.
func (p *asyncEnricher[K, V, ID, R, Out]) emitReady(ctx context.Context) error {
	for len(p.queue) > 0 && p.queue[0].done {
		call := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if err := p.emit(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (p *asyncEnricher[K, V, ID, R, Out]) emit(ctx context.Context, call *pendingCall[K, V, R]) error {
	if call.err != nil {
		if errors.Is(call.err, klookup.ErrNotFound) {
			return keyflow.DataError(fmt.Errorf("lookup %v: %w", p.extract(call.rec.Value), call.err), call.rec.Key)
		}
		return external(call.err, call.rec.Key)
	}
	out, err := p.merge(call.rec.Value, call.result)
	if err != nil {
		return keyflow.OperatorError(err, call.rec.Key)
	}
	return p.pctx.Forward(ctx, keyflow.WithValue(call.rec, out))
}

// Complete waits out the in-flight tail before the node finishes.
// Failures of individual calls are collected so the rest still emit;
// ctx expiry abandons whatever is left.
func (p *asyncEnricher[K, V, ID, R, Out]) Complete(ctx context.Context) error {
	var errs error
	for {
		errs = multierr.Append(errs, p.drain(ctx))
		if len(p.queue) == 0 {
			return errs
		}
		if p.queue[0].done {
			// A failed emission left finished calls queued; flush them
			// before waiting for more completions.
			continue
		}
		select {
		case call := <-p.completions:
			call.done = true
		case <-ctx.Done():
			p.pctx.Logger().Warn("Abandoning in-flight lookups", "count", len(p.queue))
			p.queue = nil
			return multierr.Append(errs, ctx.Err())
		}
	}
}

func (p *asyncEnricher[K, V, ID, R, Out]) Close() error {
	p.wg.Wait()
	return p.closeShared()
}
