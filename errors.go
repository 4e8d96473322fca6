package keyflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNodeAlreadyExists is returned when a node name is registered twice.
	ErrNodeAlreadyExists = errors.New("node already exists")

	// ErrNodeNotFound is returned when a referenced node is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrStoreNotFound is returned when a referenced store is not registered.
	ErrStoreNotFound = errors.New("store not found")

	// ErrStoreAlreadyExists is returned when a store name is registered twice.
	ErrStoreAlreadyExists = errors.New("store already exists")

	// ErrInvalidTopology is returned by New when the topology cannot run:
	// no sources, unreachable nodes, or stateful nodes without key affinity.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrTypeMismatch is returned when an edge connects nodes whose record
	// types do not agree, or a partitioned edge carries a serializer for
	// the wrong key type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrKeyRequired is returned when a record without a serializable key
	// reaches a partitioned edge.
	ErrKeyRequired = errors.New("key required for partitioned routing")

	// ErrJobNotRunning is returned by Cancel when the job has not started
	// or has already finished.
	ErrJobNotRunning = errors.New("job not running")

	// ErrJobAlreadyStarted is returned by Run when the job was started
	// before. Jobs are single-shot; build a new one to run again.
	ErrJobAlreadyStarted = errors.New("job already started")
)

// ErrorClass partitions failures by origin, which drives the default
// recovery decision.
type ErrorClass int

const (
	// ClassInternal marks engine bugs and unclassified failures.
	ClassInternal ErrorClass = iota
	// ClassSetup marks configuration and wiring failures before or during
	// startup. Always fatal.
	ClassSetup
	// ClassData marks malformed or unroutable input events.
	ClassData
	// ClassOperator marks failures raised by user processing logic.
	ClassOperator
	// ClassExternal marks failures of external systems reached during
	// enrichment or IO.
	ClassExternal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassSetup:
		return "setup"
	case ClassData:
		return "data"
	case ClassOperator:
		return "operator"
	case ClassExternal:
		return "external"
	default:
		return "internal"
	}
}

// Stage names the engine phase a failure was observed in.
type Stage string

const (
	StageSetup     Stage = "setup"
	StageRoute     Stage = "route"
	StageProcess   Stage = "process"
	StageComplete  Stage = "complete"
	StagePunctuate Stage = "punctuate"
	StageSink      Stage = "sink"
	StageTeardown  Stage = "teardown"
)

// ProcessingError is the envelope every per-record failure is reported
// in. It identifies where the failure happened and, when known, the key
// of the record involved.
type ProcessingError struct {
	Class     ErrorClass
	Stage     Stage
	Node      string
	Partition int
	Key       any
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s error in node %q (partition %d, stage %s): %v",
		e.Class, e.Node, e.Partition, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// ErrorRecovery is the handler's verdict for a single failure.
type ErrorRecovery int

const (
	// RecoveryFail aborts the job; Run returns the failure.
	RecoveryFail ErrorRecovery = iota
	// RecoverySkip drops the failed record and continues.
	RecoverySkip
	// RecoveryDeadLetter drops the record, continues, and hands the
	// failure to the configured dead-letter drain.
	RecoveryDeadLetter
)

func (r ErrorRecovery) String() string {
	switch r {
	case RecoverySkip:
		return "skip"
	case RecoveryDeadLetter:
		return "dead-letter"
	default:
		return "fail"
	}
}

// ErrorHandler decides how a job recovers from a per-record failure. It
// runs on the partition worker, so it must not block.
type ErrorHandler func(ctx context.Context, perr *ProcessingError) ErrorRecovery

// DefaultErrorHandler skips data, operator and external failures and
// fails the job for everything else. Setup and internal errors are never
// survivable: the former mean the job was misassembled, the latter that
// engine invariants are already broken.
func DefaultErrorHandler(_ context.Context, perr *ProcessingError) ErrorRecovery {
	switch perr.Class {
	case ClassData, ClassOperator, ClassExternal:
		return RecoverySkip
	default:
		return RecoveryFail
	}
}

// classified tags an error with its class and, optionally, the key of
// the record that produced it.
type classified struct {
	class ErrorClass
	key   any
	err   error
}

func (c *classified) Error() string {
	return c.err.Error()
}

func (c *classified) Unwrap() error {
	return c.err
}

// DataError marks err as a malformed-input failure for the given key.
// Pass a nil key when none is known.
func DataError(err error, key any) error {
	return &classified{class: ClassData, key: key, err: err}
}

// OperatorError marks err as a user-logic failure for the given key.
func OperatorError(err error, key any) error {
	return &classified{class: ClassOperator, key: key, err: err}
}

// ExternalError marks err as an external-system failure for the given
// key. External failures are the retryable class: wrap lookup and IO
// errors with it so handlers can distinguish them from broken data.
func ExternalError(err error, key any) error {
	return &classified{class: ClassExternal, key: key, err: err}
}

// SetupError marks err as a configuration failure. Setup errors abort
// the job regardless of handler policy.
func SetupError(err error) error {
	return &classified{class: ClassSetup, err: err}
}

// classify extracts the class and key from an error chain, defaulting
// to ClassInternal for unmarked errors.
func classify(err error) (ErrorClass, any) {
	var c *classified
	if errors.As(err, &c) {
		return c.class, c.key
	}
	return ClassInternal, nil
}

// ClassOf reports the class an error chain was marked with, if any.
func ClassOf(err error) (ErrorClass, bool) {
	var c *classified
	if errors.As(err, &c) {
		return c.class, true
	}
	return ClassInternal, false
}

// nodeError pins a failure to the node it was first observed in, so a
// failure deep in an in-line forwarding chain is attributed to the node
// that raised it rather than the one at the head of the chain.
type nodeError struct {
	node  string
	stage Stage
	err   error
}

func (e *nodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.node, e.err)
}

func (e *nodeError) Unwrap() error {
	return e.err
}

func wrapNode(node string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var ne *nodeError
	if errors.As(err, &ne) {
		return err
	}
	return &nodeError{node: node, stage: stage, err: err}
}

// newProcessingError flattens an error chain raised during dispatch on
// the given partition into the handler-facing envelope.
func newProcessingError(partition int, fallbackNode string, fallbackStage Stage, err error) *ProcessingError {
	node, stage := fallbackNode, fallbackStage
	var ne *nodeError
	if errors.As(err, &ne) {
		node, stage = ne.node, ne.stage
	}
	class, key := classify(err)
	return &ProcessingError{
		Class:     class,
		Stage:     stage,
		Node:      node,
		Partition: partition,
		Key:       key,
		Err:       err,
	}
}
