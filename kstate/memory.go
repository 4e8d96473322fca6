package kstate

import (
	"context"
	"iter"
	"maps"
)

// MapStore is the in-memory KeyedStore implementation.
type MapStore[K comparable, V any] struct {
	name      string
	partition int
	data      map[K]V
}

var _ KeyedStore[string, int] = (*MapStore[string, int])(nil)

// Keyed returns a StoreBuilder producing one MapStore per partition.
func Keyed[K comparable, V any](name string) StoreBuilder {
	return func(partition int) (Store, error) {
		return &MapStore[K, V]{
			name:      name,
			partition: partition,
			data:      map[K]V{},
		}, nil
	}
}

func (s *MapStore[K, V]) Name() string {
	return s.name
}

func (s *MapStore[K, V]) Partition() int {
	return s.partition
}

func (s *MapStore[K, V]) Init(ctx context.Context) error {
	return nil
}

func (s *MapStore[K, V]) Flush(ctx context.Context) error {
	return nil
}

func (s *MapStore[K, V]) Close() error {
	s.data = nil
	return nil
}

func (s *MapStore[K, V]) Get(key K) (V, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MapStore[K, V]) Set(key K, value V) error {
	s.data[key] = value
	return nil
}

func (s *MapStore[K, V]) Delete(key K) error {
	delete(s.data, key)
	return nil
}

func (s *MapStore[K, V]) Len() int {
	return len(s.data)
}

func (s *MapStore[K, V]) All() iter.Seq2[K, V] {
	return maps.All(s.data)
}

func (s *MapStore[K, V]) Clear() error {
	clear(s.data)
	return nil
}
