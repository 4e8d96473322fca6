package keyflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// JobStatus is the lifecycle state of a job.
type JobStatus int32

const (
	JobCreated JobStatus = iota
	JobRunning
	JobCancelling
	JobCompleted
	JobCancelled
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobCreated:
		return "CREATED"
	case JobRunning:
		return "RUNNING"
	case JobCancelling:
		return "CANCELLING"
	case JobCompleted:
		return "COMPLETED"
	case JobCancelled:
		return "CANCELLED"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Job is a runnable instance of a topology: one task and worker per
// partition, one goroutine per source, tied together by an errgroup. A
// job runs once; build a new one to run the topology again.
type Job struct {
	topology   *Topology
	partitions int
	log        *slog.Logger
	metrics    *Metrics

	handler         ErrorHandler
	deadLetters     func(*ProcessingError)
	pollTimeout     time.Duration
	shutdownTimeout time.Duration
	inboxCapacity   int

	tasks   []*task
	workers []*worker
	router  *router
	runners []func(ctx context.Context) error

	status    atomic.Int32
	mu        sync.Mutex
	started   bool
	finished  bool
	cancelRun context.CancelFunc
	cancelled atomic.Bool
}

// New validates the topology and builds a job from it. Every partition
// gets its own instances of all nodes and stores; construction failures
// come back from here, before anything runs.
func New(t *Topology, opts ...Option) (*Job, error) {
	j := &Job{
		topology:        t,
		partitions:      runtime.NumCPU(),
		log:             slog.Default(),
		handler:         DefaultErrorHandler,
		pollTimeout:     DefaultPollTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		inboxCapacity:   DefaultInboxCapacity,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.metrics == nil {
		j.metrics = NewMetrics(nil)
	}
	if j.partitions < 1 {
		return nil, fmt.Errorf("%w: partition count %d", ErrInvalidTopology, j.partitions)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}

	j.router = &router{}
	j.tasks = make([]*task, j.partitions)
	for i := range j.tasks {
		task, err := newTask(t, i, j.partitions, j.inboxCapacity, j.log, j.metrics)
		if err != nil {
			return nil, err
		}
		task.router = j.router
		j.tasks[i] = task
	}
	j.router.tasks = j.tasks

	for _, name := range t.sourceNames() {
		run, err := t.sources[name].makeRunner(j)
		if err != nil {
			return nil, err
		}
		j.runners = append(j.runners, run)
	}

	for _, task := range j.tasks {
		j.workers = append(j.workers, newWorker(task, j.handler, j.deadLetters, j.metrics, j.pollTimeout, j.shutdownTimeout, j.log))
	}
	j.setStatus(JobCreated)
	return j, nil
}

// MustNew builds a job or panics. Intended for main functions and tests
// where a broken topology is unrecoverable anyway.
func MustNew(t *Topology, opts ...Option) *Job {
	j, err := New(t, opts...)
	if err != nil {
		panic(err)
	}
	return j
}

// Run executes the job until all finite sources are exhausted and the
// completion cascade has drained every partition, or until the context
// is cancelled or Cancel is called. Cancellation is not an error: Run
// returns nil and Status reports CANCELLED. Initialization failures
// abort before any source emits.
func (j *Job) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return ErrJobAlreadyStarted
	}
	j.started = true
	j.cancelRun = cancel
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.finished = true
		j.mu.Unlock()
	}()

	for i, t := range j.tasks {
		if err := t.init(runCtx); err != nil {
			j.setStatus(JobFailed)
			for _, built := range j.tasks[:i+1] {
				if cerr := built.close(); cerr != nil {
					j.log.Warn("Close after failed init", "error", cerr)
				}
			}
			if terr := j.teardown(); terr != nil {
				j.log.Warn("Teardown after failed init", "error", terr)
			}
			return err
		}
	}

	j.setStatus(JobRunning)
	j.log.Info("Starting job",
		"partitions", j.partitions,
		"sources", len(j.topology.sources),
		"nodes", len(j.topology.order))

	eg, egCtx := errgroup.WithContext(runCtx)
	for _, w := range j.workers {
		w := w
		eg.Go(func() error {
			return w.run(egCtx)
		})
	}
	for _, run := range j.runners {
		run := run
		eg.Go(func() error {
			return run(egCtx)
		})
	}
	err := eg.Wait()
	err = multierr.Append(err, j.teardown())

	switch {
	case err != nil:
		j.setStatus(JobFailed)
	case j.cancelled.Load() || ctx.Err() != nil:
		j.setStatus(JobCancelled)
	default:
		j.setStatus(JobCompleted)
	}
	j.log.Info("Job finished", "status", j.Status().String())
	return err
}

// Cancel requests a graceful stop: sources stop emitting, workers drain
// queued work bounded by the shutdown grace, and no completion results
// are finalized. Safe to call from any goroutine.
func (j *Job) Cancel() error {
	j.mu.Lock()
	cancel := j.cancelRun
	active := j.started && !j.finished
	j.mu.Unlock()
	if !active || cancel == nil {
		return ErrJobNotRunning
	}
	if j.cancelled.CompareAndSwap(false, true) {
		j.setStatus(JobCancelling)
		j.log.Info("Cancelling job")
	}
	cancel()
	return nil
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() JobStatus {
	return JobStatus(j.status.Load())
}

func (j *Job) setStatus(next JobStatus) {
	prev := JobStatus(j.status.Swap(int32(next)))
	if prev != next {
		j.log.Debug("Change state", "from", prev.String(), "to", next.String())
	}
	j.metrics.JobState.Set(float64(next))
}

// teardown closes shared endpoints exactly once, after all workers and
// source runners have stopped.
func (j *Job) teardown() error {
	var err error
	for _, name := range j.topology.sourceNames() {
		err = multierr.Append(err, j.topology.sources[name].closeFn())
	}
	for _, name := range j.topology.order {
		if sink, ok := j.topology.sinks[name]; ok {
			err = multierr.Append(err, sink.closeFn())
		}
	}
	if err != nil {
		err = fmt.Errorf("teardown: %w", err)
	}
	return err
}
