package ksink

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/kserde"
)

// Kafka produces records to one topic. Produces are asynchronous;
// Flush waits for everything outstanding and surfaces the collected
// failures. Delivery is at-most-once: a record that fails to produce is
// reported, not retried by the sink.
type Kafka[K, V any] struct {
	client   *kgo.Client
	topic    string
	keySer   kserde.Serializer[K]
	valueSer kserde.Serializer[V]

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func NewKafka[K, V any](brokers []string, topic string, keySer kserde.Serializer[K], valueSer kserde.Serializer[V]) (*Kafka[K, V], error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka[K, V]{
		client:   client,
		topic:    topic,
		keySer:   keySer,
		valueSer: valueSer,
	}, nil
}

func (k *Kafka[K, V]) Write(_ context.Context, rec keyflow.Record[K, V]) error {
	key, err := k.keySer(rec.Key)
	if err != nil {
		return keyflow.DataError(fmt.Errorf("serialize key: %w", err), rec.Key)
	}
	value, err := k.valueSer(rec.Value)
	if err != nil {
		return keyflow.DataError(fmt.Errorf("serialize value: %w", err), rec.Key)
	}
	k.wg.Add(1)
	// Background context: the produce must be allowed to finish even if
	// the dispatch context ends right after Write returns.
	k.client.Produce(context.Background(), &kgo.Record{
		Topic:     k.topic,
		Key:       key,
		Value:     value,
		Timestamp: rec.Timestamp,
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			k.mu.Lock()
			k.errs = append(k.errs, err)
			k.mu.Unlock()
		}
		k.wg.Done()
	})
	return nil
}

func (k *Kafka[K, V]) Flush(context.Context) error {
	k.wg.Wait()
	k.mu.Lock()
	defer k.mu.Unlock()
	err := multierr.Combine(k.errs...)
	k.errs = nil
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

func (k *Kafka[K, V]) Close() error {
	k.client.Close()
	return nil
}
