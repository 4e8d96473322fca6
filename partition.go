package keyflow

import (
	"fmt"
	"hash/fnv"

	"github.com/birdayz/keyflow/kserde"
)

// partitionFor maps serialized key bytes onto a partition with 32-bit
// FNV-1a. The mapping is stable across runs and independent of partition
// worker scheduling, so a key always lands on the same partition for a
// given partition count.
func partitionFor(key []byte, partitions int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(partitions))
}

// keyRouter builds a per-record partition function from a key
// serializer. Serialization failures are reported as data errors carrying
// the offending key; a partitioned edge cannot route what it cannot hash.
func keyRouter[K, V any](serialize kserde.Serializer[K], partitions int) func(rec Record[K, V]) (int, error) {
	return func(rec Record[K, V]) (int, error) {
		kb, err := serialize(rec.Key)
		if err != nil {
			return 0, DataError(fmt.Errorf("%w: %v", ErrKeyRequired, err), rec.Key)
		}
		return partitionFor(kb, partitions), nil
	}
}
