package klookup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultCallTimeout = 5 * time.Second

// NATSConn is the slice of *nats.Conn the service needs; tests substitute a
// fake.
type NATSConn interface {
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

type natsRequest[K any] struct {
	ID K `json:"id"`
}

type natsResponse[V any] struct {
	Found bool   `json:"found"`
	Value V      `json:"value"`
	Error string `json:"error,omitempty"`
}

type NATSOption func(*natsConfig)

type natsConfig struct {
	timeout time.Duration
}

// WithCallTimeout bounds a single request round trip.
var WithCallTimeout = func(d time.Duration) NATSOption {
	return func(c *natsConfig) {
		c.timeout = d
	}
}

// NATSService calls a lookup endpoint over NATS request/reply with JSON
// bodies. Channel teardown and timeouts are owned here, on the caller side.
type NATSService[K, V any] struct {
	conn    NATSConn
	subject string
	timeout time.Duration
}

func NewNATS[K, V any](conn NATSConn, subject string, opts ...NATSOption) *NATSService[K, V] {
	cfg := natsConfig{timeout: defaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &NATSService[K, V]{
		conn:    conn,
		subject: subject,
		timeout: cfg.timeout,
	}
}

func (s *NATSService[K, V]) Call(ctx context.Context, key K) (V, error) {
	var zero V

	reqData, err := json.Marshal(natsRequest[K]{ID: key})
	if err != nil {
		return zero, fmt.Errorf("marshal lookup request: %w", err)
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	msg, err := s.conn.Request(s.subject, reqData, timeout)
	if err != nil {
		return zero, fmt.Errorf("%w: request to %s: %v", ErrUnavailable, s.subject, err)
	}

	var resp natsResponse[V]
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return zero, fmt.Errorf("unmarshal lookup response: %w", err)
	}
	if resp.Error != "" {
		return zero, fmt.Errorf("lookup %s: %s", s.subject, resp.Error)
	}
	if !resp.Found {
		return zero, ErrNotFound
	}
	return resp.Value, nil
}

func (s *NATSService[K, V]) Close() error { return nil }

// ConnectNATS dials a NATS server with sensible client options.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("keyflow-lookup"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
}
