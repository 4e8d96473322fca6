package keyflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/birdayz/keyflow/internal/runtime"
	"github.com/birdayz/keyflow/kstate"
)

// procContext is the engine-side implementation of ProcessorContext for
// one node instance. Children are attached during wiring, before the
// worker starts; after that the context is only touched from the worker
// goroutine, except Wake which is safe from anywhere.
type procContext[Kout, Vout any] struct {
	node     string
	task     *task
	children map[string]ingress[Kout, Vout]
	order    []string
	log      *slog.Logger
}

func newProcContext[Kout, Vout any](node string, t *task) *procContext[Kout, Vout] {
	return &procContext[Kout, Vout]{
		node:     node,
		task:     t,
		children: map[string]ingress[Kout, Vout]{},
		log:      t.log.With("node", node),
	}
}

func (c *procContext[Kout, Vout]) attach(name string, in ingress[Kout, Vout]) {
	if _, ok := c.children[name]; ok {
		return
	}
	c.children[name] = in
	c.order = append(c.order, name)
}

func (c *procContext[Kout, Vout]) Forward(ctx context.Context, rec Record[Kout, Vout]) error {
	for _, name := range c.order {
		if err := c.children[name].receive(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *procContext[Kout, Vout]) ForwardTo(ctx context.Context, child string, rec Record[Kout, Vout]) error {
	in, ok := c.children[child]
	if !ok {
		return fmt.Errorf("%w: %q is not a child of %q", ErrNodeNotFound, child, c.node)
	}
	return in.receive(ctx, rec)
}

func (c *procContext[Kout, Vout]) GetStore(name string) (kstate.Store, error) {
	st, ok := c.task.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStoreNotFound, name)
	}
	return st, nil
}

func (c *procContext[Kout, Vout]) PunctuateByStreamTime(interval time.Duration, p Punctuator) Cancellable {
	return c.task.punct.Schedule(interval, runtime.PunctuateByStreamTime, c.wrapPunctuator(p))
}

func (c *procContext[Kout, Vout]) PunctuateByWallClock(interval time.Duration, p Punctuator) Cancellable {
	return c.task.punct.Schedule(interval, runtime.PunctuateByWallClock, c.wrapPunctuator(p))
}

// wrapPunctuator pins punctuator failures to the registering node so the
// error handler sees the right attribution.
func (c *procContext[Kout, Vout]) wrapPunctuator(p Punctuator) runtime.Punctuator {
	node := c.node
	return func(ctx context.Context, now time.Time) error {
		return wrapNode(node, StagePunctuate, p(ctx, now))
	}
}

func (c *procContext[Kout, Vout]) Wake(fn func(ctx context.Context) error) {
	node := c.node
	c.task.router.send(c.task.id, envelope{
		kind: kindWake,
		node: node,
		run: func(ctx context.Context, _ *task) error {
			return wrapNode(node, StageProcess, fn(ctx))
		},
	})
}

func (c *procContext[Kout, Vout]) StreamTime() time.Time {
	return c.task.punct.StreamTime()
}

func (c *procContext[Kout, Vout]) Node() string {
	return c.node
}

func (c *procContext[Kout, Vout]) Partition() int {
	return c.task.id
}

func (c *procContext[Kout, Vout]) Logger() *slog.Logger {
	return c.log
}

func (c *procContext[Kout, Vout]) Metrics() *Metrics {
	return c.task.metrics
}
