package klookup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/nats-io/nats.go"
)

type fakeConn struct {
	handler func(subject string, data []byte, timeout time.Duration) (*nats.Msg, error)

	lastSubject string
	lastTimeout time.Duration
}

func (f *fakeConn) Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	f.lastSubject = subj
	f.lastTimeout = timeout
	return f.handler(subj, data, timeout)
}

func reply(t *testing.T, resp any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(resp)
	assert.NoError(t, err)
	return &nats.Msg{Data: data}
}

func TestNATSServiceCall(t *testing.T) {
	conn := &fakeConn{}
	svc := NewNATS[int64, string](conn, "lookup.products")

	t.Run("found", func(t *testing.T) {
		conn.handler = func(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
			var req natsRequest[int64]
			assert.NoError(t, json.Unmarshal(data, &req))
			assert.Equal(t, int64(31), req.ID)
			return reply(t, natsResponse[string]{Found: true, Value: "wideband amplifier"}), nil
		}

		v, err := svc.Call(context.Background(), 31)
		assert.NoError(t, err)
		assert.Equal(t, "wideband amplifier", v)
		assert.Equal(t, "lookup.products", conn.lastSubject)
	})

	t.Run("not found", func(t *testing.T) {
		conn.handler = func(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
			return reply(t, natsResponse[string]{Found: false}), nil
		}

		_, err := svc.Call(context.Background(), 404)
		assert.IsError(t, err, ErrNotFound)
	})

	t.Run("remote error", func(t *testing.T) {
		conn.handler = func(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
			return reply(t, natsResponse[string]{Error: "shard offline"}), nil
		}

		_, err := svc.Call(context.Background(), 1)
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})

	t.Run("transport failure maps to unavailable", func(t *testing.T) {
		conn.handler = func(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
			return nil, nats.ErrTimeout
		}

		_, err := svc.Call(context.Background(), 1)
		assert.IsError(t, err, ErrUnavailable)
	})

	t.Run("malformed response", func(t *testing.T) {
		conn.handler = func(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
			return &nats.Msg{Data: []byte("{nope")}, nil
		}

		_, err := svc.Call(context.Background(), 1)
		assert.Error(t, err)
	})
}

func TestNATSServiceTimeoutFromContext(t *testing.T) {
	conn := &fakeConn{
		handler: func(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
			return reply(t, natsResponse[string]{Found: true, Value: "x"}), nil
		},
	}
	svc := NewNATS[int64, string](conn, "lookup.brokers", WithCallTimeout(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.Call(ctx, 1)
	assert.NoError(t, err)
	// The tighter context deadline must cap the request timeout.
	assert.True(t, conn.lastTimeout <= 50*time.Millisecond)
}
