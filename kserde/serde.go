// Package kserde provides serializer/deserializer pairs for record keys and
// values. Serdes are used at partition boundaries (key hashing), at the
// kvstore boundary, and by the Kafka source and sink.
package kserde

type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)

var StringSerializer = func(data string) ([]byte, error) {
	return []byte(data), nil
}

var StringDeserializer = func(data []byte) (string, error) {
	return string(data), nil
}

// String is a Serde for string values.
var String = Serde[string]{
	Serializer:   StringSerializer,
	Deserializer: StringDeserializer,
}

// Bytes is a pass-through Serde for raw payloads.
var Bytes = Serde[[]byte]{
	Serializer:   func(data []byte) ([]byte, error) { return data, nil },
	Deserializer: func(data []byte) ([]byte, error) { return data, nil },
}
