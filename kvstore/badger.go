package kvstore

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"

	"github.com/birdayz/keyflow/internal/runtime"
)

// Badger is a Backend over an embedded badger database. It serves the live
// key-value enrichment strategy when lookups must survive restarts, and its
// change feed drives replicated lookups and journal sources.
type Badger struct {
	db *badger.DB
}

// NewBadger opens (or creates) a badger database at path. Badger's own
// logging is disabled; the engine logs at its boundaries instead.
func NewBadger(path string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &Badger{db: db}, nil
}

// NewBadgerInMemory opens a badger database without a backing directory.
func NewBadgerInMemory() (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *Badger) Put(ctx context.Context, key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (b *Badger) Delete(ctx context.Context, key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *Badger) Scan(ctx context.Context, fn func(key, value []byte) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), value) {
				return nil
			}
		}
		return nil
	})
}

// Watch follows badger's publisher. With FromOldest the current contents are
// replayed as puts before live changes; the subscription is registered before
// the snapshot scan, so a write racing the scan can be delivered twice rather
// than lost. FromOldest consumers must therefore apply changes idempotently.
func (b *Badger) Watch(ctx context.Context, from WatchFrom) (<-chan Change, error) {
	ch := make(chan Change)
	live := runtime.NewQueue[Change](1)

	// The publisher callback must never block badger's write path, so live
	// changes are buffered and pumped out separately.
	subscribed := make(chan struct{})
	go func() {
		defer live.Close()
		close(subscribed)
		_ = b.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				c := Change{Op: OpPut, Key: kv.Key, Value: kv.Value}
				// Badger publishes tombstones with an empty value.
				if len(kv.Value) == 0 {
					c = Change{Op: OpDelete, Key: kv.Key}
				}
				live.Put(c)
			}
			return nil
		}, []pb.Match{{}})
	}()

	go func() {
		defer close(ch)

		<-subscribed
		if from == FromOldest {
			err := b.Scan(ctx, func(key, value []byte) bool {
				select {
				case ch <- Change{Op: OpPut, Key: key, Value: value}:
					return true
				case <-ctx.Done():
					return false
				}
			})
			if err != nil || ctx.Err() != nil {
				return
			}
		}

		for {
			c, ok, err := live.Poll(ctx, 0)
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

func (b *Badger) Close() error {
	return b.db.Close()
}
