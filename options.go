package keyflow

import (
	"log/slog"
	"time"
)

const (
	// DefaultPollTimeout is the worker poll timeout, which doubles as
	// the wall-clock punctuation cadence.
	DefaultPollTimeout = time.Millisecond * 100

	// DefaultShutdownTimeout bounds draining after cancellation.
	DefaultShutdownTimeout = time.Second * 30

	// DefaultInboxCapacity is the per-partition admission gate for
	// source ingestion. Sources block once this many of their records
	// are queued and unprocessed on one partition.
	DefaultInboxCapacity = 1024
)

// Option is a function that configures a Job.
type Option func(*Job)

// WithPartitions sets the number of partitions, and with it the number
// of worker goroutines. Defaults to the number of CPUs. Changing it
// changes key placement, so state from a previous run is not portable
// across partition counts.
var WithPartitions = func(n int) Option {
	return func(j *Job) {
		j.partitions = n
	}
}

// WithLogger sets the logger for the job and everything under it.
var WithLogger = func(log *slog.Logger) Option {
	return func(j *Job) {
		j.log = log
	}
}

// WithErrorHandler sets the recovery policy consulted for per-record
// failures.
var WithErrorHandler = func(h ErrorHandler) Option {
	return func(j *Job) {
		j.handler = h
	}
}

// WithDeadLetterDrain sets the callback receiving failures the handler
// resolved with RecoveryDeadLetter. It runs on partition workers and
// must not block.
var WithDeadLetterDrain = func(fn func(*ProcessingError)) Option {
	return func(j *Job) {
		j.deadLetters = fn
	}
}

// WithShutdownTimeout sets the drain grace applied after cancellation.
var WithShutdownTimeout = func(d time.Duration) Option {
	return func(j *Job) {
		j.shutdownTimeout = d
	}
}

// WithPollTimeout sets the worker poll timeout.
var WithPollTimeout = func(d time.Duration) Option {
	return func(j *Job) {
		j.pollTimeout = d
	}
}

// WithInboxCapacity sets the per-partition admission gate for source
// ingestion.
var WithInboxCapacity = func(n int) Option {
	return func(j *Job) {
		j.inboxCapacity = n
	}
}

// WithMetrics sets the metrics handle, typically built with a shared
// Prometheus registry via NewMetrics.
var WithMetrics = func(m *Metrics) Option {
	return func(j *Job) {
		j.metrics = m
	}
}

// NullWriter is an io.Writer that discards everything.
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// NullLogger returns a logger that discards all output. Useful in tests
// and benchmarks.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
