package klookup

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/keyflow/kserde"
	"github.com/birdayz/keyflow/kvstore"
)

func newRefMap(t *testing.T) *kvstore.Map[int64, string] {
	t.Helper()
	backend := kvstore.NewMemory()
	t.Cleanup(func() { backend.Close() })
	return kvstore.NewMap(backend, kserde.Integer[int64](), kserde.String)
}

func TestStaticResolver(t *testing.T) {
	r := Static(map[int64]string{1: "one"})

	v, found, err := r.Resolve(context.Background(), 1)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "one", v)

	_, found, err = r.Resolve(context.Background(), 2)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMapResolverSeesLiveUpdates(t *testing.T) {
	ctx := context.Background()
	m := newRefMap(t)
	assert.NoError(t, m.Put(ctx, 31, "EFA"))

	r := NewMapResolver(m)
	assert.NoError(t, r.Init(ctx))
	defer r.Close()

	v, found, err := r.Resolve(ctx, 31)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "EFA", v)

	// A committed update is visible to the very next lookup.
	assert.NoError(t, m.Put(ctx, 31, "EFA Holdings"))
	v, _, err = r.Resolve(ctx, 31)
	assert.NoError(t, err)
	assert.Equal(t, "EFA Holdings", v)

	assert.NoError(t, m.Delete(ctx, 31))
	_, found, err = r.Resolve(ctx, 31)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestReplicatedResolver(t *testing.T) {
	ctx := context.Background()
	m := newRefMap(t)
	assert.NoError(t, m.Put(ctx, 1, "existing"))

	r := NewReplicated(m)
	assert.NoError(t, r.Init(ctx))
	defer r.Close()

	t.Run("initial load", func(t *testing.T) {
		v, found, err := r.Resolve(ctx, 1)
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "existing", v)
	})

	t.Run("converges on live updates", func(t *testing.T) {
		assert.NoError(t, m.Put(ctx, 2, "added"))

		deadline := time.Now().Add(2 * time.Second)
		for {
			v, found, err := r.Resolve(ctx, 2)
			assert.NoError(t, err)
			if found {
				assert.Equal(t, "added", v)
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("replica never saw the update")
			}
			time.Sleep(time.Millisecond)
		}
	})

	t.Run("converges on deletes", func(t *testing.T) {
		assert.NoError(t, m.Delete(ctx, 1))

		deadline := time.Now().Add(2 * time.Second)
		for {
			_, found, err := r.Resolve(ctx, 1)
			assert.NoError(t, err)
			if !found {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("replica never saw the delete")
			}
			time.Sleep(time.Millisecond)
		}
	})
}

func TestReplicatedResolverCloseStopsFeed(t *testing.T) {
	ctx := context.Background()
	m := newRefMap(t)

	r := NewReplicated(m)
	assert.NoError(t, r.Init(ctx))
	assert.NoError(t, r.Close())

	// Closing twice is fine, and further writes must not panic anything.
	assert.NoError(t, r.Close())
	assert.NoError(t, m.Put(ctx, 9, "after close"))
}

func TestHashJoinResolver(t *testing.T) {
	ctx := context.Background()
	m := newRefMap(t)
	assert.NoError(t, m.Put(ctx, 10, "snapshotted"))

	r := NewHashJoin(FromMap(m))
	assert.NoError(t, r.Init(ctx))

	v, found, err := r.Resolve(ctx, 10)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "snapshotted", v)

	// The table is read-only after Init: later store writes are invisible.
	assert.NoError(t, m.Put(ctx, 11, "late"))
	_, found, err = r.Resolve(ctx, 11)
	assert.NoError(t, err)
	assert.False(t, found)

	// Close releases the table.
	assert.NoError(t, r.Close())
	_, found, err = r.Resolve(ctx, 10)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestHashJoinLoadFailureIsFatal(t *testing.T) {
	r := NewHashJoin(func(ctx context.Context) (map[int64]string, error) {
		return nil, context.DeadlineExceeded
	})
	assert.Error(t, r.Init(context.Background()))
}
