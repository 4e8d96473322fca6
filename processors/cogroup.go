package processors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/birdayz/keyflow"
)

// Tagged wraps a value with the name of the input stream it came from,
// so several streams can share one co-group node.
type Tagged struct {
	Tag   string
	Value any
}

// Tag builds the adapter placed on each input branch of a co-group: it
// stamps every value with the branch's tag.
func Tag[K, V any](tag string) keyflow.ProcessorBuilder[K, V, K, Tagged] {
	return Map(func(rec keyflow.Record[K, V]) (keyflow.Record[K, Tagged], error) {
		return keyflow.WithValue(rec, Tagged{Tag: tag, Value: rec.Value}), nil
	})
}

// ItemsByTag is the co-group result for one key: the finished
// aggregation value per tag. Tags never observed finish their
// aggregation's empty accumulator, so every configured tag is present.
type ItemsByTag map[string]any

// Get returns the finished aggregation value for a tag.
func (i ItemsByTag) Get(tag string) (any, bool) {
	v, ok := i[tag]
	return v, ok
}

// Items returns the collected values for a ToList tag, or nil when the
// tag is absent or aggregated differently.
func (i ItemsByTag) Items(tag string) []any {
	items, _ := i[tag].([]any)
	return items
}

// Aggregation folds the values of one tag into a result. New returns an
// empty accumulator, Add folds one value in, Finish extracts the result.
// Failures from Add or Finish discard that key's accumulator and surface
// as operator errors; other keys are unaffected.
type Aggregation struct {
	New    func() any
	Add    func(acc, value any) (any, error)
	Finish func(acc any) (any, error)
}

// ToList collects all values of a tag in arrival order.
func ToList() Aggregation {
	return Aggregation{
		New: func() any { return []any(nil) },
		Add: func(acc, value any) (any, error) {
			return append(acc.([]any), value), nil
		},
		Finish: func(acc any) (any, error) { return acc, nil },
	}
}

// Count counts the values of a tag.
func Count() Aggregation {
	return Aggregation{
		New: func() any { return int64(0) },
		Add: func(acc, _ any) (any, error) {
			return acc.(int64) + 1, nil
		},
		Finish: func(acc any) (any, error) { return acc, nil },
	}
}

type coGroupConfig struct {
	window time.Duration
}

type CoGroupOption func(*coGroupConfig)

// WithWindow switches the co-group from batch mode to tumbling windows
// of the given size. Records are assigned by timestamp; a key-window is
// finalized exactly once, when the partition's stream time passes the
// window end, or at end-of-stream for windows still open.
func WithWindow(size time.Duration) CoGroupOption {
	return func(c *coGroupConfig) {
		c.window = size
	}
}

// groupState accumulates one scope (the whole stream in batch mode, one
// window in windowed mode): per key, per tag, one accumulator.
type groupState[K comparable] struct {
	accs  map[K]map[string]any
	order []K
}

func newGroupState[K comparable]() *groupState[K] {
	return &groupState[K]{accs: map[K]map[string]any{}}
}

type coGroup[K comparable] struct {
	pctx keyflow.ProcessorContext[K, ItemsByTag]
	aggs map[string]Aggregation
	tags []string

	window time.Duration

	batch   *groupState[K]
	windows map[int64]*groupState[K]
}

// CoGroup builds a keyed co-group over tagged inputs. Each configured
// tag gets its own aggregation; a record whose tag is not configured is
// a data error. Input must arrive partitioned by key.
func CoGroup[K comparable](aggregations map[string]Aggregation, opts ...CoGroupOption) keyflow.ProcessorBuilder[K, Tagged, K, ItemsByTag] {
	var cfg coGroupConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	tags := make([]string, 0, len(aggregations))
	for tag := range aggregations {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return func() keyflow.Processor[K, Tagged, K, ItemsByTag] {
		return &coGroup[K]{
			aggs:    aggregations,
			tags:    tags,
			window:  cfg.window,
			batch:   newGroupState[K](),
			windows: map[int64]*groupState[K]{},
		}
	}
}

func (p *coGroup[K]) Init(_ context.Context, pctx keyflow.ProcessorContext[K, ItemsByTag]) error {
	p.pctx = pctx
	if p.window > 0 {
		pctx.PunctuateByStreamTime(p.window, p.flushDue)
	}
	return nil
}

func (p *coGroup[K]) Process(_ context.Context, rec keyflow.Record[K, Tagged]) error {
	agg, ok := p.aggs[rec.Value.Tag]
	if !ok {
		return keyflow.DataError(fmt.Errorf("unknown tag %q", rec.Value.Tag), rec.Key)
	}
	state := p.batch
	if p.window > 0 {
		start := rec.Timestamp.Truncate(p.window).UnixNano()
		ws, ok := p.windows[start]
		if !ok {
			ws = newGroupState[K]()
			p.windows[start] = ws
		}
		state = ws
	}
	slots, ok := state.accs[rec.Key]
	if !ok {
		slots = map[string]any{}
		state.accs[rec.Key] = slots
		state.order = append(state.order, rec.Key)
	}
	acc, ok := slots[rec.Value.Tag]
	if !ok {
		acc = agg.New()
	}
	next, err := agg.Add(acc, rec.Value.Value)
	if err != nil {
		delete(state.accs, rec.Key)
		return keyflow.OperatorError(fmt.Errorf("aggregate tag %q: %w", rec.Value.Tag, err), rec.Key)
	}
	slots[rec.Value.Tag] = next
	return nil
}

// flushDue finalizes every window whose end the watermark has passed.
func (p *coGroup[K]) flushDue(ctx context.Context, now time.Time) error {
	var err error
	for _, start := range p.windowStarts() {
		end := time.Unix(0, start).Add(p.window)
		if end.After(now) {
			continue
		}
		err = multierr.Append(err, p.emitState(ctx, p.windows[start], end))
		delete(p.windows, start)
	}
	return err
}

// Complete finalizes remaining state: the whole batch, or every window
// still open. Runs once all inputs are exhausted, so each key-window
// emits exactly once.
func (p *coGroup[K]) Complete(ctx context.Context) error {
	if p.window == 0 {
		err := p.emitState(ctx, p.batch, p.pctx.StreamTime())
		p.batch = newGroupState[K]()
		return err
	}
	var err error
	for _, start := range p.windowStarts() {
		end := time.Unix(0, start).Add(p.window)
		err = multierr.Append(err, p.emitState(ctx, p.windows[start], end))
		delete(p.windows, start)
	}
	return err
}

func (p *coGroup[K]) Close() error {
	return nil
}

// emitState finalizes one scope in key arrival order. A Finish failure
// drops only that key's emission.
func (p *coGroup[K]) emitState(ctx context.Context, state *groupState[K], ts time.Time) error {
	var err error
	for _, key := range state.order {
		slots, ok := state.accs[key]
		if !ok {
			// Discarded after a failure, or already emitted under an
			// earlier order entry when the key was dropped and re-added.
			continue
		}
		delete(state.accs, key)
		result := ItemsByTag{}
		var keyErr error
		for _, tag := range p.tags {
			agg := p.aggs[tag]
			acc, ok := slots[tag]
			if !ok {
				acc = agg.New()
			}
			finished, ferr := agg.Finish(acc)
			if ferr != nil {
				keyErr = keyflow.OperatorError(fmt.Errorf("finish tag %q: %w", tag, ferr), key)
				break
			}
			result[tag] = finished
		}
		if keyErr != nil {
			err = multierr.Append(err, keyErr)
			continue
		}
		if ferr := p.pctx.Forward(ctx, keyflow.Record[K, ItemsByTag]{Key: key, Value: result, Timestamp: ts}); ferr != nil {
			err = multierr.Append(err, ferr)
		}
	}
	return err
}

func (p *coGroup[K]) windowStarts() []int64 {
	starts := make([]int64, 0, len(p.windows))
	for start := range p.windows {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}
