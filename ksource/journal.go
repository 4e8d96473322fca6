package ksource

import (
	"context"
	"log/slog"
	"time"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/kvstore"
)

// StartPosition selects where a journal source begins relative to the
// store's history.
type StartPosition int

const (
	// Oldest replays retained history before streaming live changes.
	Oldest StartPosition = iota
	// Current streams only changes made after the source started.
	Current
)

type journalConfig struct {
	log *slog.Logger
}

type JournalOption func(*journalConfig)

// WithJournalLogger sets the logger used for skipped undecodable
// changes.
var WithJournalLogger = func(log *slog.Logger) JournalOption {
	return func(c *journalConfig) {
		c.log = log
	}
}

// Journal streams the change feed of a kvstore map as records: every
// put becomes one record keyed by the entry key, stamped with receipt
// time. Deletes carry no value and are skipped. The stream ends when
// the backing store closes; an undecodable change is dropped and
// counted, never fatal.
type Journal[K, V any] struct {
	m       *kvstore.Map[K, V]
	pos     StartPosition
	log     *slog.Logger
	dropped int64
}

func NewJournal[K, V any](m *kvstore.Map[K, V], pos StartPosition, opts ...JournalOption) *Journal[K, V] {
	cfg := journalConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Journal[K, V]{m: m, pos: pos, log: cfg.log}
}

func (j *Journal[K, V]) Run(ctx context.Context, emit keyflow.Emit[K, V]) error {
	from := kvstore.FromOldest
	if j.pos == Current {
		from = kvstore.FromCurrent
	}
	feed, err := j.m.Backend().Watch(ctx, from)
	if err != nil {
		return err
	}
	for change := range feed {
		if change.Op == kvstore.OpDelete {
			continue
		}
		key, err := j.m.DecodeKey(change.Key)
		if err != nil {
			j.dropped++
			j.log.Warn("Dropping undecodable journal key", "error", err)
			continue
		}
		value, err := j.m.DecodeValue(change.Value)
		if err != nil {
			j.dropped++
			j.log.Warn("Dropping undecodable journal value", "error", err)
			continue
		}
		if err := emit(ctx, keyflow.NewRecord(key, value, time.Now())); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Feed closed because the store closed: end of stream.
	return nil
}

func (j *Journal[K, V]) Close() error {
	return nil
}
