package keyflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/multierr"
)

type workerState string

const (
	workerCreated  workerState = "CREATED"
	workerRunning  workerState = "RUNNING"
	workerDraining workerState = "DRAINING"
	workerClosed   workerState = "CLOSED"
)

const drainPollTimeout = time.Millisecond * 50

// worker drives one task. It is the only goroutine touching the task's
// nodes, stores and punctuation schedules, which is what lets processor
// instances stay lock-free.
type worker struct {
	task *task
	log  *slog.Logger

	state workerState

	handler     ErrorHandler
	deadLetters func(*ProcessingError)
	metrics     *Metrics

	pollTimeout     time.Duration
	shutdownTimeout time.Duration

	err error
}

func newWorker(t *task, handler ErrorHandler, deadLetters func(*ProcessingError), metrics *Metrics, pollTimeout, shutdownTimeout time.Duration, log *slog.Logger) *worker {
	return &worker{
		task:            t,
		log:             log.With("partition", t.id),
		state:           workerCreated,
		handler:         handler,
		deadLetters:     deadLetters,
		metrics:         metrics,
		pollTimeout:     pollTimeout,
		shutdownTimeout: shutdownTimeout,
	}
}

func (w *worker) changeState(next workerState) {
	w.log.Debug("Change state", "from", w.state, "to", next)
	w.state = next
}

// run loops the worker through its states until the partition is closed.
// Cancellation moves it to DRAINING; a fail verdict or an unrecoverable
// failure moves it to CLOSED directly, carrying the error out through
// teardown.
func (w *worker) run(ctx context.Context) error {
	for {
		switch w.state {
		case workerCreated:
			w.changeState(workerRunning)
		case workerRunning:
			if err := w.handleRunning(ctx); err != nil {
				w.err = err
				w.changeState(workerClosed)
			}
		case workerDraining:
			if err := w.handleDraining(); err != nil {
				w.err = err
			}
			w.changeState(workerClosed)
		case workerClosed:
			return w.handleClosed()
		}
	}
}

// handleRunning performs one poll-and-dispatch step. A poll timeout is
// the wall-clock punctuation cadence; cancellation switches to draining.
func (w *worker) handleRunning(ctx context.Context) error {
	env, ok, err := w.task.inbox.Poll(ctx, w.pollTimeout)
	if err != nil {
		w.changeState(workerDraining)
		return nil
	}
	if !ok {
		return w.checkWallClock(ctx)
	}
	if err := w.dispatch(ctx, env, true); err != nil {
		return err
	}
	if w.task.done() {
		w.log.Debug("Partition complete")
		w.changeState(workerClosed)
	}
	return nil
}

// handleDraining delivers already-queued work after cancellation,
// bounded by the shutdown grace. Completion markers are ignored here: a
// cancelled job must not emit composite results built from partial
// input.
func (w *worker) handleDraining() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()
	for {
		env, ok, err := w.task.inbox.Poll(ctx, drainPollTimeout)
		if err != nil {
			if n := w.task.inbox.Len(); n > 0 {
				w.log.Warn("Drain grace elapsed, dropping queued work", "count", n)
			}
			return nil
		}
		if !ok {
			if w.task.inbox.Len() == 0 {
				return nil
			}
			continue
		}
		if err := w.dispatch(ctx, env, false); err != nil {
			return err
		}
	}
}

func (w *worker) handleClosed() error {
	err := w.err
	if err == nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
		err = w.task.flush(flushCtx)
		cancel()
	}
	err = multierr.Append(err, w.task.close())
	w.log.Debug("Worker closed")
	return err
}

// dispatch delivers one envelope. Stream time advances after a record
// lands so that stream-time punctuators observe a watermark covering the
// record. The cascade flag gates completion handling; it is off while
// draining.
func (w *worker) dispatch(ctx context.Context, env envelope, cascade bool) error {
	switch env.kind {
	case kindRecord:
		start := time.Now()
		if err := env.run(ctx, w.task); err != nil {
			if interrupted(ctx, err) {
				return nil
			}
			if err := w.handleFailure(ctx, err, env.node, StageProcess); err != nil {
				return err
			}
		} else {
			w.metrics.RecordsProcessed.WithLabelValues(env.node).Inc()
		}
		w.metrics.ProcessDuration.WithLabelValues(env.node).Observe(time.Since(start).Seconds())
		if err := w.task.punct.AdvanceStreamTime(ctx, env.ts); err != nil {
			if interrupted(ctx, err) {
				return nil
			}
			if err := w.handleFailure(ctx, err, env.node, StagePunctuate); err != nil {
				return err
			}
		}
	case kindMarker:
		if !cascade {
			return nil
		}
		for _, name := range w.task.parentDone(env.node) {
			if err := w.task.nodes[name].complete(ctx); err != nil {
				if interrupted(ctx, err) {
					return nil
				}
				if err := w.handleFailure(ctx, err, name, StageComplete); err != nil {
					return err
				}
			}
			w.task.finishNode(name)
		}
	case kindWake:
		if err := env.run(ctx, w.task); err != nil {
			if interrupted(ctx, err) {
				return nil
			}
			if err := w.handleFailure(ctx, err, env.node, StageProcess); err != nil {
				return err
			}
		}
	}
	return nil
}

// interrupted reports whether err is only the surfacing of a cancelled
// dispatch context, as opposed to a failure of the work itself. The next
// poll observes the cancellation and moves the worker to draining.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func (w *worker) checkWallClock(ctx context.Context) error {
	if !w.task.punct.HasWallClock() {
		return nil
	}
	if err := w.task.punct.CheckWallClock(ctx); err != nil {
		return w.handleFailure(ctx, err, "", StagePunctuate)
	}
	return nil
}

// handleFailure classifies a dispatch failure and applies the handler's
// verdict. Setup and internal failures bypass the handler: the former
// mean the job was misassembled, the latter that engine invariants no
// longer hold, and neither is survivable per record.
func (w *worker) handleFailure(ctx context.Context, err error, node string, stage Stage) error {
	perr := newProcessingError(w.task.id, node, stage, err)
	if perr.Class == ClassSetup || perr.Class == ClassInternal {
		w.log.Error("Unrecoverable failure", "node", perr.Node, "stage", perr.Stage, "class", perr.Class.String(), "error", perr.Err)
		return perr
	}
	switch w.handler(ctx, perr) {
	case RecoveryFail:
		w.log.Error("Failing job", "node", perr.Node, "stage", perr.Stage, "class", perr.Class.String(), "error", perr.Err)
		return perr
	case RecoveryDeadLetter:
		w.metrics.DeadLetters.WithLabelValues(perr.Node).Inc()
		if w.deadLetters != nil {
			w.deadLetters(perr)
		}
		w.log.Warn("Dead-lettered record", "node", perr.Node, "stage", perr.Stage, "class", perr.Class.String(), "error", perr.Err)
	default:
		w.metrics.RecordsDropped.WithLabelValues(perr.Node, perr.Class.String()).Inc()
		w.log.Warn("Skipped record", "node", perr.Node, "stage", perr.Stage, "class", perr.Class.String(), "error", perr.Err)
	}
	return nil
}
