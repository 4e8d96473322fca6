package keyflow

import (
	"time"
)

// Record is a single keyed event flowing through a topology. The timestamp
// carries event time and drives stream-time punctuation; nodes that do not
// set it inherit the timestamp of the record they were invoked with.
type Record[K, V any] struct {
	Key       K
	Value     V
	Timestamp time.Time
}

// NewRecord builds a record with the given event time.
func NewRecord[K, V any](key K, value V, ts time.Time) Record[K, V] {
	return Record[K, V]{Key: key, Value: value, Timestamp: ts}
}

// WithValue returns a copy of the record carrying a new value, preserving
// key and timestamp. Useful for enrichment steps that transform the value
// but must keep the record's identity and event time intact.
func WithValue[K, V, VOut any](rec Record[K, V], value VOut) Record[K, VOut] {
	return Record[K, VOut]{Key: rec.Key, Value: value, Timestamp: rec.Timestamp}
}

// WithKey returns a copy of the record carrying a new key, preserving value
// and timestamp. This is the re-keying primitive: forwarding the result over
// a partitioned edge moves the record to the partition owning the new key.
func WithKey[K, V, KOut any](rec Record[K, V], key KOut) Record[KOut, V] {
	return Record[KOut, V]{Key: key, Value: rec.Value, Timestamp: rec.Timestamp}
}
