package keyflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/birdayz/keyflow/kserde"
	"github.com/birdayz/keyflow/kstate"
)

// Topology is the static description of a streaming job: sources,
// processors, sinks, stores and the edges between them. Nodes are
// registered bottom-up, parents before children, which makes the graph
// acyclic by construction. A Topology is not safe for concurrent
// registration and must not be modified after a Job has been built
// from it.
type Topology struct {
	sources    map[string]*topologySource
	processors map[string]*topologyProcessor
	sinks      map[string]*topologySink
	stores     map[string]*topologyStore

	// children holds the downstream adjacency for every node including
	// sources; order holds processors and sinks in registration order,
	// which is a valid topological order.
	children map[string][]string
	order    []string
}

func NewTopology() *Topology {
	return &Topology{
		sources:    map[string]*topologySource{},
		processors: map[string]*topologyProcessor{},
		sinks:      map[string]*topologySink{},
		stores:     map[string]*topologyStore{},
		children:   map[string][]string{},
	}
}

// edgeConfig describes how records enter a node: over a partitioned edge
// with a key serializer, or locally on the emitting partition.
type edgeConfig struct {
	partitioned bool
	keySer      any
	keyType     reflect.Type
}

type topologySource struct {
	name       string
	keyed      bool
	keyType    reflect.Type
	outK, outV reflect.Type

	// makeRunner resolves the source's downstream deliveries against a
	// built job and returns the blocking run function for the source
	// goroutine.
	makeRunner func(j *Job) (func(ctx context.Context) error, error)
	closeFn    func() error
}

type topologyProcessor struct {
	name    string
	parents []string
	stores  []string
	edge    edgeConfig

	inK, inV, outK, outV reflect.Type

	build func(t *task) (runtimeNode, error)

	// addChild attaches an instantiated child to an instantiated parent
	// within one task, inserting partitioned routing when the child's
	// edge asks for it. Defined by the parent since only its registration
	// site knows the output types statically.
	addChild func(parentInst any, childName string, childIngress any, childEdge edgeConfig, t *task) error
}

type topologySink struct {
	name    string
	parents []string

	inK, inV reflect.Type

	build   func(t *task) (runtimeNode, error)
	closeFn func() error
}

type topologyStore struct {
	name  string
	build kstate.StoreBuilder
}

// nodeConfig collects per-node registration options.
type nodeConfig struct {
	stores []string
	edge   edgeConfig
}

type NodeOption func(*nodeConfig)

// WithStores declares the state stores a processor uses. Each named
// store must be registered before the processor, and the processor's
// input must be partitioned so that all records for a key observe the
// same store partition.
func WithStores(names ...string) NodeOption {
	return func(c *nodeConfig) {
		c.stores = append(c.stores, names...)
	}
}

// PartitionedBy declares that the node's input edge routes records by
// key: upstream emissions are serialized with the given serializer,
// hashed, and delivered on the partition owning the key. The serializer
// key type must match the node's input key type.
func PartitionedBy[K any](serialize kserde.Serializer[K]) NodeOption {
	return func(c *nodeConfig) {
		c.edge = edgeConfig{
			partitioned: true,
			keySer:      serialize,
			keyType:     reflect.TypeFor[K](),
		}
	}
}

type sourceConfig struct {
	keySer  any
	keyType reflect.Type
}

type SourceOption func(*sourceConfig)

// KeyedBy declares that a source emits keyed records routed by hashing
// the key with the given serializer. Without it a source is unkeyed and
// all its records land on one stable home partition.
func KeyedBy[K any](serialize kserde.Serializer[K]) SourceOption {
	return func(c *sourceConfig) {
		c.keySer = serialize
		c.keyType = reflect.TypeFor[K]()
	}
}

// RegisterSource adds a record source to the topology.
func RegisterSource[K, V any](t *Topology, name string, src Source[K, V], opts ...SourceOption) error {
	if t.nodeExists(name) {
		return fmt.Errorf("%w: %q", ErrNodeAlreadyExists, name)
	}
	var cfg sourceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := &topologySource{
		name:    name,
		keyed:   cfg.keySer != nil,
		keyType: cfg.keyType,
		outK:    reflect.TypeFor[K](),
		outV:    reflect.TypeFor[V](),
		closeFn: src.Close,
	}
	ts.makeRunner = func(j *Job) (func(ctx context.Context) error, error) {
		var deliveries []func(ctx context.Context, rec Record[K, V]) error
		for _, childName := range j.topology.children[name] {
			route, err := sourceRoute[K, V](j, name, childName, cfg)
			if err != nil {
				return nil, err
			}
			child := childName
			deliveries = append(deliveries, func(ctx context.Context, rec Record[K, V]) error {
				p, err := route(rec)
				if err != nil {
					return err
				}
				return j.tasks[p].inbox.PutWait(ctx, recordEnvelope(child, rec))
			})
		}
		emit := Emit[K, V](func(ctx context.Context, rec Record[K, V]) error {
			for _, deliver := range deliveries {
				if err := deliver(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
		run := func(ctx context.Context) error {
			if err := src.Run(ctx, emit); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return fmt.Errorf("source %q: %w", name, err)
			}
			// Exhausted. Completion markers trail the last emitted
			// record on every inbox, which starts the cascade.
			j.router.broadcastMarker(name)
			return nil
		}
		return run, nil
	}
	t.sources[name] = ts
	return nil
}

// sourceRoute picks the partition function for one source-to-child edge:
// the child's partitioned-edge serializer if it declares one, else the
// source's key serializer, else a stable home partition derived from the
// source name.
func sourceRoute[K, V any](j *Job, source, child string, cfg sourceConfig) (func(rec Record[K, V]) (int, error), error) {
	if edge, ok := j.topology.edgeOf(child); ok && edge.partitioned {
		ser, ok := edge.keySer.(kserde.Serializer[K])
		if !ok {
			return nil, fmt.Errorf("%w: partition serializer of %q does not accept key type of source %q", ErrTypeMismatch, child, source)
		}
		return keyRouter[K, V](ser, j.partitions), nil
	}
	if cfg.keySer != nil {
		ser, ok := cfg.keySer.(kserde.Serializer[K])
		if !ok {
			return nil, fmt.Errorf("%w: key serializer of source %q", ErrTypeMismatch, source)
		}
		return keyRouter[K, V](ser, j.partitions), nil
	}
	home := partitionFor([]byte(source), j.partitions)
	return func(Record[K, V]) (int, error) { return home, nil }, nil
}

// RegisterProcessor adds a processor to the topology, downstream of the
// given parents. All parents must already be registered.
func RegisterProcessor[Kin, Vin, Kout, Vout any](t *Topology, build ProcessorBuilder[Kin, Vin, Kout, Vout], name string, parents []string, opts ...NodeOption) error {
	if t.nodeExists(name) {
		return fmt.Errorf("%w: %q", ErrNodeAlreadyExists, name)
	}
	if err := t.checkParents(name, parents); err != nil {
		return err
	}
	var cfg nodeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	for _, store := range cfg.stores {
		if _, ok := t.stores[store]; !ok {
			return fmt.Errorf("%w: %q referenced by %q", ErrStoreNotFound, store, name)
		}
	}
	tp := &topologyProcessor{
		name:    name,
		parents: parents,
		stores:  cfg.stores,
		edge:    cfg.edge,
		inK:     reflect.TypeFor[Kin](),
		inV:     reflect.TypeFor[Vin](),
		outK:    reflect.TypeFor[Kout](),
		outV:    reflect.TypeFor[Vout](),
	}
	tp.build = func(t *task) (runtimeNode, error) {
		n := &processorNode[Kin, Vin, Kout, Vout]{name: name, proc: build()}
		n.pctx = newProcContext[Kout, Vout](name, t)
		return n, nil
	}
	tp.addChild = func(parentInst any, childName string, childIngress any, childEdge edgeConfig, t *task) error {
		pn, ok := parentInst.(childAdder[Kout, Vout])
		if !ok {
			return fmt.Errorf("%w: cannot attach %q to %q", ErrTypeMismatch, childName, name)
		}
		if childEdge.partitioned {
			ser, ok := childEdge.keySer.(kserde.Serializer[Kout])
			if !ok {
				return fmt.Errorf("%w: partition serializer of %q does not accept key type of %q", ErrTypeMismatch, childName, name)
			}
			pn.addChild(childName, &routedIngress[Kout, Vout]{
				child: childName,
				route: keyRouter[Kout, Vout](ser, t.partitions),
				task:  t,
			})
			return nil
		}
		ci, ok := childIngress.(ingress[Kout, Vout])
		if !ok {
			return fmt.Errorf("%w: %q does not accept records from %q", ErrTypeMismatch, childName, name)
		}
		pn.addChild(childName, ci)
		return nil
	}
	t.processors[name] = tp
	t.order = append(t.order, name)
	for _, p := range parents {
		t.children[p] = append(t.children[p], name)
	}
	return nil
}

// RegisterSink adds a sink to the topology, downstream of the given
// parents. The sink value is shared across partitions and must be safe
// for concurrent use.
func RegisterSink[K, V any](t *Topology, name string, sink Sink[K, V], parents []string) error {
	if t.nodeExists(name) {
		return fmt.Errorf("%w: %q", ErrNodeAlreadyExists, name)
	}
	if err := t.checkParents(name, parents); err != nil {
		return err
	}
	ts := &topologySink{
		name:    name,
		parents: parents,
		inK:     reflect.TypeFor[K](),
		inV:     reflect.TypeFor[V](),
		closeFn: sink.Close,
	}
	ts.build = func(*task) (runtimeNode, error) {
		return &sinkNode[K, V]{name: name, sink: sink}, nil
	}
	t.sinks[name] = ts
	t.order = append(t.order, name)
	for _, p := range parents {
		t.children[p] = append(t.children[p], name)
	}
	return nil
}

// RegisterStore adds a named state store. Each partition gets its own
// instance from the builder.
func RegisterStore(t *Topology, build kstate.StoreBuilder, name string) error {
	if _, ok := t.stores[name]; ok {
		return fmt.Errorf("%w: %q", ErrStoreAlreadyExists, name)
	}
	t.stores[name] = &topologyStore{name: name, build: build}
	return nil
}

func MustRegisterSource[K, V any](t *Topology, name string, src Source[K, V], opts ...SourceOption) {
	must(RegisterSource(t, name, src, opts...))
}

func MustRegisterProcessor[Kin, Vin, Kout, Vout any](t *Topology, build ProcessorBuilder[Kin, Vin, Kout, Vout], name string, parents []string, opts ...NodeOption) {
	must(RegisterProcessor(t, build, name, parents, opts...))
}

func MustRegisterSink[K, V any](t *Topology, name string, sink Sink[K, V], parents []string) {
	must(RegisterSink(t, name, sink, parents))
}

func MustRegisterStore(t *Topology, build kstate.StoreBuilder, name string) {
	must(RegisterStore(t, build, name))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func (t *Topology) nodeExists(name string) bool {
	if _, ok := t.sources[name]; ok {
		return true
	}
	if _, ok := t.processors[name]; ok {
		return true
	}
	_, ok := t.sinks[name]
	return ok
}

func (t *Topology) checkParents(name string, parents []string) error {
	if len(parents) == 0 {
		return fmt.Errorf("%w: node %q has no parents", ErrInvalidTopology, name)
	}
	seen := map[string]bool{}
	for _, p := range parents {
		if seen[p] {
			return fmt.Errorf("%w: node %q lists parent %q twice", ErrInvalidTopology, name, p)
		}
		seen[p] = true
		if _, ok := t.sinks[p]; ok {
			return fmt.Errorf("%w: sink %q cannot be a parent of %q", ErrInvalidTopology, p, name)
		}
		if !t.nodeExists(p) {
			return fmt.Errorf("%w: parent %q of %q", ErrNodeNotFound, p, name)
		}
	}
	return nil
}

// edgeOf returns the input edge configuration of a processor. Sinks
// always receive locally.
func (t *Topology) edgeOf(name string) (edgeConfig, bool) {
	if tp, ok := t.processors[name]; ok {
		return tp.edge, true
	}
	return edgeConfig{}, false
}

// outTypes returns the output record types of a node that can be a
// parent.
func (t *Topology) outTypes(name string) (reflect.Type, reflect.Type, bool) {
	if src, ok := t.sources[name]; ok {
		return src.outK, src.outV, true
	}
	if tp, ok := t.processors[name]; ok {
		return tp.outK, tp.outV, true
	}
	return nil, nil, false
}

// validate checks the properties that cannot be enforced at
// registration time: edge type agreement, partition serializer types,
// and key affinity for stateful nodes.
func (t *Topology) validate() error {
	if len(t.sources) == 0 {
		return fmt.Errorf("%w: no sources", ErrInvalidTopology)
	}
	for _, name := range t.sourceNames() {
		if len(t.children[name]) == 0 {
			return fmt.Errorf("%w: source %q has no downstream nodes", ErrInvalidTopology, name)
		}
		src := t.sources[name]
		if src.keyed && src.keyType != src.outK {
			return fmt.Errorf("%w: source %q is keyed by %s but emits %s keys", ErrTypeMismatch, name, src.keyType, src.outK)
		}
	}

	for _, name := range t.order {
		inK, inV, edge, parents := t.inputOf(name)
		if edge.partitioned && edge.keyType != inK {
			return fmt.Errorf("%w: node %q partitions by %s but consumes %s keys", ErrTypeMismatch, name, edge.keyType, inK)
		}
		for _, p := range parents {
			outK, outV, ok := t.outTypes(p)
			if !ok {
				return fmt.Errorf("%w: parent %q of %q", ErrNodeNotFound, p, name)
			}
			if outK != inK || outV != inV {
				return fmt.Errorf("%w: edge %q -> %q carries Record[%s, %s] but %q consumes Record[%s, %s]",
					ErrTypeMismatch, p, name, outK, outV, name, inK, inV)
			}
		}
	}

	// A store partition only holds the full picture for a key if every
	// record for that key reaches it. That is true when the node's own
	// edge is partitioned, or when all upstream paths already are.
	affine := map[string]bool{}
	for name, src := range t.sources {
		affine[name] = src.keyed
	}
	for _, name := range t.order {
		_, _, edge, parents := t.inputOf(name)
		if edge.partitioned {
			affine[name] = true
			continue
		}
		a := true
		for _, p := range parents {
			a = a && affine[p]
		}
		affine[name] = a
	}
	for _, name := range t.order {
		tp, ok := t.processors[name]
		if !ok || len(tp.stores) == 0 {
			continue
		}
		if !affine[name] {
			return fmt.Errorf("%w: node %q uses stores %v but its input is not partitioned by key", ErrInvalidTopology, name, tp.stores)
		}
	}
	return nil
}

func (t *Topology) inputOf(name string) (reflect.Type, reflect.Type, edgeConfig, []string) {
	if tp, ok := t.processors[name]; ok {
		return tp.inK, tp.inV, tp.edge, tp.parents
	}
	sink := t.sinks[name]
	return sink.inK, sink.inV, edgeConfig{}, sink.parents
}

func (t *Topology) sourceNames() []string {
	names := make([]string, 0, len(t.sources))
	for name := range t.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Topology) storeNames() []string {
	names := make([]string, 0, len(t.stores))
	for name := range t.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
