package processors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/kstate"
)

// fakeContext is a stand-in for the engine's processor context. Forwards
// are captured in order, punctuation schedules are held for manual
// firing, and wakeups land on a channel the test drains itself.
type fakeContext[K, V any] struct {
	mu       sync.Mutex
	forwards []keyflow.Record[K, V]

	schedules []*fakeSchedule
	wakes     chan func(ctx context.Context) error
	stores    map[string]kstate.Store
	stream    time.Time
	metrics   *keyflow.Metrics
}

var _ keyflow.ProcessorContext[string, int] = (*fakeContext[string, int])(nil)

type fakeSchedule struct {
	interval  time.Duration
	wallClock bool
	fire      keyflow.Punctuator
	cancelled bool
}

func (s *fakeSchedule) Cancel() {
	s.cancelled = true
}

func newFakeContext[K, V any]() *fakeContext[K, V] {
	return &fakeContext[K, V]{
		wakes:   make(chan func(ctx context.Context) error, 256),
		stores:  map[string]kstate.Store{},
		metrics: keyflow.NewMetrics(nil),
	}
}

func (f *fakeContext[K, V]) Forward(_ context.Context, rec keyflow.Record[K, V]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, rec)
	return nil
}

func (f *fakeContext[K, V]) ForwardTo(ctx context.Context, _ string, rec keyflow.Record[K, V]) error {
	return f.Forward(ctx, rec)
}

func (f *fakeContext[K, V]) GetStore(name string) (kstate.Store, error) {
	st, ok := f.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", keyflow.ErrStoreNotFound, name)
	}
	return st, nil
}

func (f *fakeContext[K, V]) PunctuateByStreamTime(interval time.Duration, p keyflow.Punctuator) keyflow.Cancellable {
	s := &fakeSchedule{interval: interval, fire: p}
	f.schedules = append(f.schedules, s)
	return s
}

func (f *fakeContext[K, V]) PunctuateByWallClock(interval time.Duration, p keyflow.Punctuator) keyflow.Cancellable {
	s := &fakeSchedule{interval: interval, wallClock: true, fire: p}
	f.schedules = append(f.schedules, s)
	return s
}

func (f *fakeContext[K, V]) Wake(fn func(ctx context.Context) error) {
	f.wakes <- fn
}

func (f *fakeContext[K, V]) StreamTime() time.Time {
	return f.stream
}

func (f *fakeContext[K, V]) Node() string {
	return "under-test"
}

func (f *fakeContext[K, V]) Partition() int {
	return 0
}

func (f *fakeContext[K, V]) Logger() *slog.Logger {
	return keyflow.NullLogger()
}

func (f *fakeContext[K, V]) Metrics() *keyflow.Metrics {
	return f.metrics
}

func (f *fakeContext[K, V]) records() []keyflow.Record[K, V] {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]keyflow.Record[K, V], len(f.forwards))
	copy(out, f.forwards)
	return out
}

// runWake waits for one wakeup and runs it, the way the partition worker
// would.
func (f *fakeContext[K, V]) runWake(ctx context.Context, timeout time.Duration) error {
	select {
	case fn := <-f.wakes:
		return fn(ctx)
	case <-time.After(timeout):
		return fmt.Errorf("no wakeup within %v", timeout)
	}
}
