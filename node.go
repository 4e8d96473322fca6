package keyflow

import (
	"context"
	"fmt"
)

// ingress is the typed receiving side of a node instance within one
// partition. Parent instances hold ingresses of their children and
// deliver records through them.
type ingress[K, V any] interface {
	receive(ctx context.Context, rec Record[K, V]) error
}

// childAdder is implemented by node instances that can have downstream
// nodes attached. The type parameters are the parent's output types, so
// a successful assertion proves the edge is type-correct.
type childAdder[K, V any] interface {
	addChild(name string, in ingress[K, V])
}

// runtimeNode is the type-erased lifecycle surface every instantiated
// node exposes to its task.
type runtimeNode interface {
	nodeName() string
	init(ctx context.Context) error
	complete(ctx context.Context) error
	close() error
}

// processorNode hosts one user processor instance and its forwarding
// context for a single partition.
type processorNode[Kin, Vin, Kout, Vout any] struct {
	name string
	proc Processor[Kin, Vin, Kout, Vout]
	pctx *procContext[Kout, Vout]
}

func (n *processorNode[Kin, Vin, Kout, Vout]) nodeName() string {
	return n.name
}

func (n *processorNode[Kin, Vin, Kout, Vout]) addChild(name string, in ingress[Kout, Vout]) {
	n.pctx.attach(name, in)
}

func (n *processorNode[Kin, Vin, Kout, Vout]) receive(ctx context.Context, rec Record[Kin, Vin]) error {
	return wrapNode(n.name, StageProcess, n.proc.Process(ctx, rec))
}

func (n *processorNode[Kin, Vin, Kout, Vout]) init(ctx context.Context) error {
	if err := n.proc.Init(ctx, n.pctx); err != nil {
		return wrapNode(n.name, StageSetup, SetupError(err))
	}
	return nil
}

func (n *processorNode[Kin, Vin, Kout, Vout]) complete(ctx context.Context) error {
	c, ok := n.proc.(Completer)
	if !ok {
		return nil
	}
	return wrapNode(n.name, StageComplete, c.Complete(ctx))
}

func (n *processorNode[Kin, Vin, Kout, Vout]) close() error {
	return n.proc.Close()
}

// sinkNode adapts a shared sink to the per-partition node lifecycle. The
// sink value itself is shared across partitions; only the node wrapper
// is per-partition.
type sinkNode[K, V any] struct {
	name string
	sink Sink[K, V]
}

func (n *sinkNode[K, V]) nodeName() string {
	return n.name
}

func (n *sinkNode[K, V]) receive(ctx context.Context, rec Record[K, V]) error {
	return wrapNode(n.name, StageSink, n.sink.Write(ctx, rec))
}

func (n *sinkNode[K, V]) init(_ context.Context) error {
	return nil
}

func (n *sinkNode[K, V]) complete(ctx context.Context) error {
	return wrapNode(n.name, StageSink, n.sink.Flush(ctx))
}

// close is a no-op: the sink value is shared, the job closes it once
// after all workers have finished.
func (n *sinkNode[K, V]) close() error {
	return nil
}

// routedIngress is the sending half of a partitioned edge. It serializes
// the key, picks the owning partition, and either delivers in-line (own
// partition) or enqueues an envelope on the owning task's inbox.
// Cross-task delivery never blocks; bounded admission applies only at
// source ingestion, which keeps worker-to-worker cycles deadlock-free.
type routedIngress[K, V any] struct {
	child string
	route func(rec Record[K, V]) (int, error)
	task  *task
}

func (r *routedIngress[K, V]) receive(ctx context.Context, rec Record[K, V]) error {
	p, err := r.route(rec)
	if err != nil {
		return wrapNode(r.child, StageRoute, err)
	}
	if p == r.task.id {
		in, ok := r.task.ingresses[r.child].(ingress[K, V])
		if !ok {
			return wrapNode(r.child, StageRoute, fmt.Errorf("%w: node %q", ErrTypeMismatch, r.child))
		}
		return in.receive(ctx, rec)
	}
	r.task.router.send(p, recordEnvelope(r.child, rec))
	return nil
}

// recordEnvelope wraps a typed record into an inbox envelope for the
// named node. The closure re-asserts the ingress type on the receiving
// task; instances are built from the same blueprint, so a failure here
// means the wiring is broken.
func recordEnvelope[K, V any](node string, rec Record[K, V]) envelope {
	return envelope{
		kind: kindRecord,
		node: node,
		ts:   rec.Timestamp,
		run: func(ctx context.Context, t *task) error {
			in, ok := t.ingresses[node].(ingress[K, V])
			if !ok {
				return wrapNode(node, StageRoute, fmt.Errorf("%w: node %q", ErrTypeMismatch, node))
			}
			return in.receive(ctx, rec)
		},
	}
}
