package klookup

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound marks a lookup whose key the service does not know. It is
	// a data error for the affected event, not a service failure, and is
	// never retried.
	ErrNotFound = errors.New("klookup: not found")

	// ErrUnavailable marks a transport-level failure.
	ErrUnavailable = errors.New("klookup: service unavailable")
)

// Service is the external lookup endpoint: request {id}, response {record}.
// Calls may block; the async enrichment operator runs them off the worker
// goroutine with bounded concurrency.
type Service[K, V any] interface {
	Call(ctx context.Context, key K) (V, error)
	Close() error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc[K, V any] func(ctx context.Context, key K) (V, error)

func (f ServiceFunc[K, V]) Call(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

func (f ServiceFunc[K, V]) Close() error { return nil }

type retryService[K, V any] struct {
	svc      Service[K, V]
	attempts int
	backoff  time.Duration
}

// WithRetry wraps a service with bounded retries. ErrNotFound and context
// cancellation pass through immediately; every other failure is retried up
// to attempts times with a fixed backoff between calls.
func WithRetry[K, V any](svc Service[K, V], attempts int, backoff time.Duration) Service[K, V] {
	if attempts < 1 {
		attempts = 1
	}
	return &retryService[K, V]{svc: svc, attempts: attempts, backoff: backoff}
}

func (r *retryService[K, V]) Call(ctx context.Context, key K) (V, error) {
	var zero V
	var lastErr error

	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		v, err := r.svc.Call(ctx, key)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

func (r *retryService[K, V]) Close() error {
	return r.svc.Close()
}
