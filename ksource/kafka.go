package ksource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/kserde"
)

const defaultKafkaPollTimeout = time.Second * 2

type kafkaConfig struct {
	pos         StartPosition
	log         *slog.Logger
	pollTimeout time.Duration
}

type KafkaOption func(*kafkaConfig)

// WithStartPosition selects where consumption begins when no offsets
// are known. Defaults to Oldest.
var WithStartPosition = func(pos StartPosition) KafkaOption {
	return func(c *kafkaConfig) {
		c.pos = pos
	}
}

// WithKafkaLogger sets the logger used for dropped records.
var WithKafkaLogger = func(log *slog.Logger) KafkaOption {
	return func(c *kafkaConfig) {
		c.log = log
	}
}

// WithKafkaPollTimeout bounds a single poll.
var WithKafkaPollTimeout = func(d time.Duration) KafkaOption {
	return func(c *kafkaConfig) {
		c.pollTimeout = d
	}
}

// Kafka consumes one topic and emits its records decoded with the given
// deserializers, stamped with the broker timestamp. Records that fail
// to decode are dropped and counted. The source has no natural end; it
// runs until the job is cancelled.
type Kafka[K, V any] struct {
	client      *kgo.Client
	topic       string
	keyDeser    kserde.Deserializer[K]
	valueDeser  kserde.Deserializer[V]
	log         *slog.Logger
	pollTimeout time.Duration
	dropped     int64
}

func NewKafka[K, V any](brokers []string, topic string, keyDeser kserde.Deserializer[K], valueDeser kserde.Deserializer[V], opts ...KafkaOption) (*Kafka[K, V], error) {
	cfg := kafkaConfig{pos: Oldest, log: slog.Default(), pollTimeout: defaultKafkaPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	offset := kgo.NewOffset().AtStart()
	if cfg.pos == Current {
		offset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(offset),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka[K, V]{
		client:      client,
		topic:       topic,
		keyDeser:    keyDeser,
		valueDeser:  valueDeser,
		log:         cfg.log,
		pollTimeout: cfg.pollTimeout,
	}, nil
}

func (k *Kafka[K, V]) Run(ctx context.Context, emit keyflow.Emit[K, V]) error {
	if err := k.checkTopic(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pollCtx, cancel := context.WithTimeout(ctx, k.pollTimeout)
		fetches := k.client.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			return nil
		}
		if err := fetchError(fetches); err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("fetch: %w", err)
		}
		var emitErr error
		fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
			if emitErr != nil {
				return
			}
			for _, rec := range ftp.Records {
				key, err := k.keyDeser(rec.Key)
				if err != nil {
					k.dropped++
					k.log.Warn("Dropping record with undecodable key", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
					continue
				}
				value, err := k.valueDeser(rec.Value)
				if err != nil {
					k.dropped++
					k.log.Warn("Dropping record with undecodable value", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
					continue
				}
				if err := emit(ctx, keyflow.NewRecord(key, value, rec.Timestamp)); err != nil {
					emitErr = err
					return
				}
			}
		})
		if emitErr != nil {
			return emitErr
		}
	}
}

// checkTopic verifies the topic exists before the first poll, turning a
// typo into a setup failure instead of a silent empty stream.
func (k *Kafka[K, V]) checkTopic(ctx context.Context) error {
	adm := kadm.NewClient(k.client)
	topics, err := adm.ListTopics(ctx, k.topic)
	if err != nil {
		return keyflow.SetupError(fmt.Errorf("list topics: %w", err))
	}
	if !topics.Has(k.topic) {
		return keyflow.SetupError(fmt.Errorf("topic %q does not exist", k.topic))
	}
	return nil
}

// fetchError returns the first non-timeout fetch error. Poll deadline
// expiry is the idle case, not a failure.
func fetchError(fetches kgo.Fetches) error {
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		return fe.Err
	}
	return nil
}

func (k *Kafka[K, V]) Close() error {
	k.client.Close()
	return nil
}
