package kserde

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Integer returns a Serde for any integer type, encoded as 8 big-endian
// bytes. Non-negative values sort numerically under a bytewise comparison,
// which keeps ordered scans over integer keys meaningful.
func Integer[T constraints.Integer]() Serde[T] {
	return Serde[T]{
		Serializer: func(data T) ([]byte, error) {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(data))
			return buf, nil
		},
		Deserializer: func(data []byte) (T, error) {
			if len(data) != 8 {
				return 0, fmt.Errorf("integer deserialization requires exactly 8 bytes, got %d", len(data))
			}
			return T(binary.BigEndian.Uint64(data)), nil
		},
	}
}

// Int64 is a Serde for int64 values.
var Int64 = Integer[int64]()

// Int32 is a Serde for int32 values.
var Int32 = Integer[int32]()

var Float64Serializer = func(data float64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(data))
	return buf, nil
}

var Float64Deserializer = func(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("float64 deserialization requires exactly 8 bytes, got %d", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

// Float64 is a Serde for float64 values.
var Float64 = Serde[float64]{
	Serializer:   Float64Serializer,
	Deserializer: Float64Deserializer,
}
