package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/birdayz/keyflow/kserde"
)

// Map is a typed view over a Backend. Reads always hit the backend, so a
// committed write is visible to the next Get.
type Map[K, V any] struct {
	backend    Backend
	keySerde   kserde.Serde[K]
	valueSerde kserde.Serde[V]
}

func NewMap[K, V any](backend Backend, keySerde kserde.Serde[K], valueSerde kserde.Serde[V]) *Map[K, V] {
	return &Map[K, V]{
		backend:    backend,
		keySerde:   keySerde,
		valueSerde: valueSerde,
	}
}

// Backend exposes the underlying byte store, e.g. for change-feed consumers.
func (m *Map[K, V]) Backend() Backend {
	return m.backend
}

func (m *Map[K, V]) DecodeKey(b []byte) (K, error) {
	return m.keySerde.Deserializer(b)
}

func (m *Map[K, V]) DecodeValue(b []byte) (V, error) {
	return m.valueSerde.Deserializer(b)
}

// Get returns (value, true, nil) when key exists, (zero, false, nil) when it
// does not, and an error only when the backend or codec fails.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V

	kb, err := m.keySerde.Serializer(key)
	if err != nil {
		return zero, false, fmt.Errorf("serialize key: %w", err)
	}

	vb, err := m.backend.Get(ctx, kb)
	if errors.Is(err, ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}

	v, err := m.valueSerde.Deserializer(vb)
	if err != nil {
		return zero, false, fmt.Errorf("deserialize value: %w", err)
	}
	return v, true, nil
}

func (m *Map[K, V]) Put(ctx context.Context, key K, value V) error {
	kb, err := m.keySerde.Serializer(key)
	if err != nil {
		return fmt.Errorf("serialize key: %w", err)
	}
	vb, err := m.valueSerde.Serializer(value)
	if err != nil {
		return fmt.Errorf("serialize value: %w", err)
	}
	return m.backend.Put(ctx, kb, vb)
}

func (m *Map[K, V]) Delete(ctx context.Context, key K) error {
	kb, err := m.keySerde.Serializer(key)
	if err != nil {
		return fmt.Errorf("serialize key: %w", err)
	}
	return m.backend.Delete(ctx, kb)
}

// Scan calls fn for every entry until fn returns false. An entry that fails
// to decode aborts the scan with an error; callers at setup time treat that
// as fatal.
func (m *Map[K, V]) Scan(ctx context.Context, fn func(key K, value V) bool) error {
	var decodeErr error
	err := m.backend.Scan(ctx, func(kb, vb []byte) bool {
		k, err := m.keySerde.Deserializer(kb)
		if err != nil {
			decodeErr = fmt.Errorf("deserialize key: %w", err)
			return false
		}
		v, err := m.valueSerde.Deserializer(vb)
		if err != nil {
			decodeErr = fmt.Errorf("deserialize value for key %v: %w", k, err)
			return false
		}
		return fn(k, v)
	})
	if err != nil {
		return err
	}
	return decodeErr
}
