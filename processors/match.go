package processors

import (
	"context"
	"fmt"

	"github.com/birdayz/keyflow"
)

// EventKind classifies a record for the matcher.
type EventKind int

const (
	// KindIgnore records pass through the matcher untouched and
	// unforwarded.
	KindIgnore EventKind = iota
	// KindStart opens a pending match for the record's key.
	KindStart
	// KindEnd closes a pending match and triggers the merge.
	KindEnd
)

// DuplicatePolicy decides what a second start event for an already
// pending key does. There is no default: callers state their choice.
type DuplicatePolicy int

const (
	// RejectDuplicate drops the second start and keeps the first.
	RejectDuplicate DuplicatePolicy = iota
	// OverwriteDuplicate replaces the pending start with the second one.
	OverwriteDuplicate
)

type matcher[K comparable, V, R any] struct {
	pctx     keyflow.ProcessorContext[K, R]
	classify func(V) EventKind
	merge    func(start, end V) (R, error)
	policy   DuplicatePolicy

	pending map[K]V

	duplicates int64
	abandoned  int64
}

// Match builds a per-key start/end correlator: a start event is held
// until the end event for the same key arrives, then merge derives the
// result from the pair and the state is cleared. An end without a
// pending start is a data error; a merge failure is an operator error
// and discards the pair; starts still pending at end-of-stream are
// abandoned, never emitted. Input must arrive partitioned by key.
func Match[K comparable, V, R any](classify func(V) EventKind, merge func(start, end V) (R, error), policy DuplicatePolicy) keyflow.ProcessorBuilder[K, V, K, R] {
	return func() keyflow.Processor[K, V, K, R] {
		return &matcher[K, V, R]{
			classify: classify,
			merge:    merge,
			policy:   policy,
			pending:  map[K]V{},
		}
	}
}

func (p *matcher[K, V, R]) Init(_ context.Context, pctx keyflow.ProcessorContext[K, R]) error {
	p.pctx = pctx
	return nil
}

func (p *matcher[K, V, R]) Process(ctx context.Context, rec keyflow.Record[K, V]) error {
	switch p.classify(rec.Value) {
	case KindStart:
		if _, ok := p.pending[rec.Key]; ok {
			if p.policy == RejectDuplicate {
				p.duplicates++
				p.pctx.Logger().Warn("Duplicate start event", "key", rec.Key)
				return nil
			}
		}
		p.pending[rec.Key] = rec.Value
	case KindEnd:
		start, ok := p.pending[rec.Key]
		if !ok {
			return keyflow.DataError(fmt.Errorf("end event without pending start"), rec.Key)
		}
		delete(p.pending, rec.Key)
		result, err := p.merge(start, rec.Value)
		if err != nil {
			return keyflow.OperatorError(fmt.Errorf("merge: %w", err), rec.Key)
		}
		return p.pctx.Forward(ctx, keyflow.WithValue(rec, result))
	}
	return nil
}

// Complete abandons whatever is still pending. Starts without ends are
// not results; they are only counted and logged.
func (p *matcher[K, V, R]) Complete(_ context.Context) error {
	if n := len(p.pending); n > 0 {
		p.abandoned += int64(n)
		p.pctx.Logger().Info("Abandoning unmatched start events", "count", n)
		p.pending = map[K]V{}
	}
	return nil
}

func (p *matcher[K, V, R]) Close() error {
	return nil
}
