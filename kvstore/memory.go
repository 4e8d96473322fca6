package kvstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/birdayz/keyflow/internal/runtime"
)

const defaultJournalCapacity = 1024

type MemoryOption func(*Memory)

// WithJournalCapacity bounds how many changes the journal retains for
// FromOldest replay. Oldest entries are evicted first.
var WithJournalCapacity = func(n int) MemoryOption {
	return func(m *Memory) {
		m.journalCap = n
	}
}

// Memory is an in-process Backend with a bounded change journal. It stands
// in for the external map service in tests and single-process deployments.
type Memory struct {
	mu         sync.RWMutex
	data       map[string][]byte
	journal    []Change
	journalCap int
	subs       map[int]*runtime.Queue[Change]
	nextSub    int
	closed     bool
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data:       map[string][]byte{},
		journalCap: defaultJournalCapacity,
		subs:       map[int]*runtime.Queue[Change]{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Put(ctx context.Context, key, value []byte) error {
	m.publish(Change{Op: OpPut, Key: bytes.Clone(key), Value: bytes.Clone(value)})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.publish(Change{Op: OpDelete, Key: bytes.Clone(key)})
	return nil
}

func (m *Memory) publish(c Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if c.Op == OpDelete {
		delete(m.data, string(c.Key))
	} else {
		m.data[string(c.Key)] = c.Value
	}

	m.journal = append(m.journal, c)
	if over := len(m.journal) - m.journalCap; over > 0 {
		m.journal = append(m.journal[:0], m.journal[over:]...)
	}

	// Fan out under the lock so every subscriber sees journal order.
	for _, q := range m.subs {
		q.Put(c)
	}
}

func (m *Memory) Scan(ctx context.Context, fn func(key, value []byte) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]Change, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, Change{Key: []byte(k), Value: bytes.Clone(m.data[k])})
	}
	m.mu.RUnlock()

	for _, p := range pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fn(p.Key, p.Value) {
			return nil
		}
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context, from WatchFrom) (<-chan Change, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	var replay []Change
	if from == FromOldest {
		replay = make([]Change, len(m.journal))
		copy(replay, m.journal)
	}

	id := m.nextSub
	m.nextSub++
	q := runtime.NewQueue[Change](1)
	m.subs[id] = q
	m.mu.Unlock()

	ch := make(chan Change)
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		}()

		for _, c := range replay {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		for {
			c, ok, err := q.Poll(ctx, 0)
			if err != nil || !ok {
				return
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.subs {
		q.Close()
	}
	return nil
}
