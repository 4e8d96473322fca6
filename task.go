package keyflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/birdayz/keyflow/internal/runtime"
	"github.com/birdayz/keyflow/kstate"
)

type envelopeKind int

const (
	// kindRecord carries one record for a named node.
	kindRecord envelopeKind = iota
	// kindMarker announces that one upstream instance of the named node
	// finished. A node completes when markers from all upstream
	// instances have arrived; per-sender FIFO delivery makes the marker
	// a barrier behind that sender's records.
	kindMarker
	// kindWake runs a deferred function on the task's worker, used by
	// async processors to re-enter the single-threaded execution model.
	kindWake
)

// envelope is the unit of work flowing through a task inbox.
type envelope struct {
	kind envelopeKind
	node string
	ts   time.Time
	run  func(ctx context.Context, t *task) error
}

// router fans envelopes out to partition inboxes. Worker-to-worker
// sends never block: inboxes are unbounded past the admission gate, and
// only source ingestion waits on the gate. This is what keeps cyclic
// partition-to-partition traffic deadlock-free.
type router struct {
	tasks []*task
}

func (r *router) send(partition int, env envelope) {
	r.tasks[partition].inbox.Put(env)
}

func (r *router) broadcastMarker(node string) {
	for _, t := range r.tasks {
		t.inbox.Put(envelope{kind: kindMarker, node: node})
	}
}

// task owns one partition: the node instances, their state stores, the
// inbox feeding them and the punctuation schedules. All of it is
// single-threaded under the task's worker; only the inbox is shared.
type task struct {
	id         int
	partitions int
	router     *router

	nodes     map[string]runtimeNode
	ingresses map[string]any
	order     []string
	stores    map[string]kstate.Store

	children   map[string][]string
	remaining  map[string]int
	finished   map[string]bool
	doneCount  int
	storeOrder []string

	inbox   *runtime.Queue[envelope]
	punct   *runtime.PunctuationManager
	log     *slog.Logger
	metrics *Metrics
}

func newTask(top *Topology, id, partitions, inboxCapacity int, log *slog.Logger, metrics *Metrics) (*task, error) {
	t := &task{
		id:         id,
		partitions: partitions,
		nodes:      map[string]runtimeNode{},
		ingresses:  map[string]any{},
		order:      top.order,
		stores:     map[string]kstate.Store{},
		children:   top.children,
		remaining:  map[string]int{},
		finished:   map[string]bool{},
		storeOrder: top.storeNames(),
		inbox:      runtime.NewQueue[envelope](inboxCapacity),
		punct:      runtime.NewPunctuationManager(),
		metrics:    metrics,
	}
	t.log = log.With("partition", id)

	for _, name := range t.storeOrder {
		st, err := top.stores[name].build(id)
		if err != nil {
			return nil, fmt.Errorf("build store %q for partition %d: %w", name, id, err)
		}
		t.stores[name] = st
	}

	for _, name := range top.order {
		var (
			node runtimeNode
			err  error
		)
		if tp, ok := top.processors[name]; ok {
			node, err = tp.build(t)
		} else {
			node, err = top.sinks[name].build(t)
		}
		if err != nil {
			return nil, fmt.Errorf("build node %q for partition %d: %w", name, id, err)
		}
		t.nodes[name] = node
		t.ingresses[name] = node
	}

	// Wire processor-to-child edges. Source edges are wired by the
	// source runners against the built job.
	for _, name := range top.order {
		_, _, edge, parents := top.inputOf(name)
		for _, parent := range parents {
			parentSpec, ok := top.processors[parent]
			if !ok {
				continue
			}
			if err := parentSpec.addChild(t.nodes[parent], name, t.ingresses[name], edge, t); err != nil {
				return nil, err
			}
		}
	}

	// Expected completion markers per node: one per source parent, one
	// per upstream instance for processor parents.
	for _, name := range top.order {
		_, _, _, parents := top.inputOf(name)
		expected := 0
		for _, parent := range parents {
			if _, ok := top.sources[parent]; ok {
				expected++
			} else {
				expected += partitions
			}
		}
		t.remaining[name] = expected
	}
	return t, nil
}

func (t *task) String() string {
	return fmt.Sprintf("task-%d", t.id)
}

// init brings up stores first, then nodes in topological order so that
// a node's Init observes initialized stores and parents.
func (t *task) init(ctx context.Context) error {
	for _, name := range t.storeOrder {
		if err := t.stores[name].Init(ctx); err != nil {
			return SetupError(fmt.Errorf("init store %q on partition %d: %w", name, t.id, err))
		}
	}
	for _, name := range t.order {
		if err := t.nodes[name].init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// parentDone records one completion marker and returns the nodes whose
// upstream just became exhausted, in topology order.
func (t *task) parentDone(parent string) []string {
	var due []string
	for _, child := range t.children[parent] {
		if t.finished[child] {
			continue
		}
		t.remaining[child]--
		if t.remaining[child] == 0 {
			due = append(due, child)
		}
	}
	return due
}

// finishNode marks a node complete and announces it to every partition.
// The broadcast trails anything the node forwarded during Complete, so
// downstream markers remain barriers.
func (t *task) finishNode(name string) {
	t.finished[name] = true
	t.doneCount++
	t.router.broadcastMarker(name)
}

// done reports whether every node in this partition has completed.
func (t *task) done() bool {
	return t.doneCount == len(t.order)
}

func (t *task) flush(ctx context.Context) error {
	for _, name := range t.storeOrder {
		if err := t.stores[name].Flush(ctx); err != nil {
			return fmt.Errorf("flush store %q on partition %d: %w", name, t.id, err)
		}
	}
	return nil
}

func (t *task) close() error {
	var err error
	for _, name := range t.order {
		err = multierr.Append(err, t.nodes[name].close())
	}
	for _, name := range t.storeOrder {
		err = multierr.Append(err, t.stores[name].Close())
	}
	return err
}
