package keyflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/birdayz/keyflow/kstate"
)

// Processor is a user-defined stream operator. One instance exists per
// partition, so implementations may keep per-partition state in plain
// fields without synchronization; the engine guarantees that Process,
// Complete, punctuators and wakeups for one instance never run
// concurrently.
type Processor[Kin, Vin, Kout, Vout any] interface {
	// Init is called once per instance before any records are delivered.
	// Processors grab store handles, register punctuators and perform
	// blocking setup here; ctx covers the whole job run.
	Init(ctx context.Context, pctx ProcessorContext[Kout, Vout]) error

	// Process handles a single input record. Forwarding zero, one or many
	// output records is allowed. A returned error is routed through the
	// job's error handler; wrap it with DataError, OperatorError or
	// ExternalError to control the default recovery decision.
	Process(ctx context.Context, rec Record[Kin, Vin]) error

	// Close releases instance resources. It is called exactly once, after
	// the instance is guaranteed to receive no further input.
	Close() error
}

// ProcessorBuilder constructs a fresh processor instance. It is invoked
// once per partition when a job is built.
type ProcessorBuilder[Kin, Vin, Kout, Vout any] func() Processor[Kin, Vin, Kout, Vout]

// Completer is implemented by processors that need to flush buffered
// results when their input is exhausted. Complete runs after every
// upstream instance has completed and all in-flight records have been
// delivered; records forwarded from Complete flow downstream normally.
// Complete is not called when a job is cancelled.
type Completer interface {
	Complete(ctx context.Context) error
}

// Punctuator is a time-driven callback registered through a
// ProcessorContext. It runs on the instance's partition worker, never
// concurrently with Process.
type Punctuator func(ctx context.Context, now time.Time) error

// Cancellable stops a registered punctuation schedule.
type Cancellable interface {
	Cancel()
}

// ProcessorContext is the engine-facing handle given to a processor at
// Init. Forwarding and store access are bound to the instance's
// partition. The context must only be used from engine callbacks
// (Process, Complete, punctuators, Wake functions), except for Wake
// itself which is safe from any goroutine.
type ProcessorContext[Kout, Vout any] interface {
	// Forward emits a record to all downstream nodes, in the order they
	// were attached. Delivery over a partitioned edge serializes the key
	// and routes to the owning partition; local edges deliver in-line.
	Forward(ctx context.Context, rec Record[Kout, Vout]) error

	// ForwardTo emits a record to a single named child.
	ForwardTo(ctx context.Context, child string, rec Record[Kout, Vout]) error

	// GetStore returns the named state store bound to this partition.
	GetStore(name string) (kstate.Store, error)

	// PunctuateByStreamTime schedules a callback on event-time progress.
	// It fires when observed stream time has advanced by at least the
	// given interval since the previous firing.
	PunctuateByStreamTime(interval time.Duration, p Punctuator) Cancellable

	// PunctuateByWallClock schedules a callback on processing-time
	// progress, evaluated on the worker's poll cadence.
	PunctuateByWallClock(interval time.Duration, p Punctuator) Cancellable

	// Wake schedules fn to run on the instance's worker as soon as
	// possible. It is the bridge back into the single-threaded execution
	// model for processors that complete work on background goroutines.
	// Safe to call from any goroutine; never blocks.
	Wake(fn func(ctx context.Context) error)

	// StreamTime returns the maximum record timestamp observed by this
	// partition so far.
	StreamTime() time.Time

	// Node returns the name the processor was registered under.
	Node() string

	// Partition returns the partition this instance is bound to.
	Partition() int

	// Logger returns a logger scoped to the node and partition.
	Logger() *slog.Logger

	// Metrics returns the job's metrics handle. Never nil.
	Metrics() *Metrics
}

// MustStore fetches a named store from the context and asserts its
// concrete type, panicking on failure. Intended for Init, where a
// missing or mistyped store is a programming error.
func MustStore[S kstate.Store, Kout, Vout any](ctx ProcessorContext[Kout, Vout], name string) S {
	st, err := ctx.GetStore(name)
	if err != nil {
		panic(fmt.Sprintf("store %q: %v", name, err))
	}
	typed, ok := st.(S)
	if !ok {
		panic(fmt.Sprintf("store %q has type %T", name, st))
	}
	return typed
}

// Emit hands a record from a source to the engine. It blocks while the
// destination partition is at capacity, which is how backpressure reaches
// the source, and returns an error if the job is shutting down or the
// record cannot be routed.
type Emit[K, V any] func(ctx context.Context, rec Record[K, V]) error

// Source produces the records that enter a topology. Run drives the
// source to completion: it returns nil when the source is exhausted,
// which begins the completion cascade downstream, or ctx.Err() when the
// job is cancelled. Sources with no natural end return only on
// cancellation.
type Source[K, V any] interface {
	Run(ctx context.Context, emit Emit[K, V]) error
	Close() error
}

// Sink receives records leaving a topology. A single sink value is
// shared by all partitions, so implementations must be safe for
// concurrent use. Flush is invoked on completion of each partition;
// Close exactly once at job teardown.
type Sink[K, V any] interface {
	Write(ctx context.Context, rec Record[K, V]) error
	Flush(ctx context.Context) error
	Close() error
}
