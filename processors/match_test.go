package processors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/keyflow"
)

type rideEvent struct {
	Kind string
	Loc  string
}

func classifyRide(v rideEvent) EventKind {
	switch v.Kind {
	case "pickup":
		return KindStart
	case "dropoff":
		return KindEnd
	default:
		return KindIgnore
	}
}

func mergeRide(start, end rideEvent) (string, error) {
	if end.Loc == "" {
		return "", errors.New("dropoff location missing")
	}
	return start.Loc + "->" + end.Loc, nil
}

func TestMatch(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("merges start and end for the same key", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, RejectDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"pickup", "JFK"}, base)))
		assert.Equal(t, 0, len(fctx.records()))

		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"dropoff", "SoHo"}, base.Add(time.Minute))))

		recs := fctx.records()
		assert.Equal(t, 1, len(recs))
		assert.Equal(t, int64(7), recs[0].Key)
		assert.Equal(t, "JFK->SoHo", recs[0].Value)
		// The result carries the end event's timestamp.
		assert.Equal(t, base.Add(time.Minute), recs[0].Timestamp)
	})

	t.Run("keys are independent", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, RejectDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(1), rideEvent{"pickup", "A"}, base)))
		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(2), rideEvent{"pickup", "B"}, base)))
		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(2), rideEvent{"dropoff", "Y"}, base)))
		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(1), rideEvent{"dropoff", "X"}, base)))

		recs := fctx.records()
		assert.Equal(t, 2, len(recs))
		assert.Equal(t, "B->Y", recs[0].Value)
		assert.Equal(t, "A->X", recs[1].Value)
	})

	t.Run("ignored events pass without effect", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, RejectDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"ping", ""}, base)))
		assert.Equal(t, 0, len(fctx.records()))
	})

	t.Run("end without start is a data error", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, RejectDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		err := proc.Process(context.Background(), keyflow.NewRecord(int64(9), rideEvent{"dropoff", "Z"}, base))
		class, ok := keyflow.ClassOf(err)
		assert.True(t, ok)
		assert.Equal(t, keyflow.ClassData, class)
	})

	t.Run("reject policy keeps the first start", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, RejectDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"pickup", "first"}, base)))
		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"pickup", "second"}, base)))
		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"dropoff", "end"}, base)))

		recs := fctx.records()
		assert.Equal(t, 1, len(recs))
		assert.Equal(t, "first->end", recs[0].Value)
	})

	t.Run("overwrite policy keeps the second start", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, OverwriteDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"pickup", "first"}, base)))
		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"pickup", "second"}, base)))
		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"dropoff", "end"}, base)))

		recs := fctx.records()
		assert.Equal(t, 1, len(recs))
		assert.Equal(t, "second->end", recs[0].Value)
	})

	t.Run("merge failure discards the pair", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, RejectDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"pickup", "JFK"}, base)))
		err := proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"dropoff", ""}, base))
		class, ok := keyflow.ClassOf(err)
		assert.True(t, ok)
		assert.Equal(t, keyflow.ClassOperator, class)

		// The pending start is gone; a second end finds nothing.
		err = proc.Process(context.Background(), keyflow.NewRecord(int64(7), rideEvent{"dropoff", "SoHo"}, base))
		class, _ = keyflow.ClassOf(err)
		assert.Equal(t, keyflow.ClassData, class)
		assert.Equal(t, 0, len(fctx.records()))
	})

	t.Run("unmatched starts are abandoned at end of stream", func(t *testing.T) {
		fctx := newFakeContext[int64, string]()
		proc := Match[int64](classifyRide, mergeRide, RejectDuplicate)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		for i := int64(0); i < 3; i++ {
			assert.NoError(t, proc.Process(context.Background(), keyflow.NewRecord(i, rideEvent{"pickup", fmt.Sprintf("loc-%d", i)}, base)))
		}
		assert.NoError(t, proc.(keyflow.Completer).Complete(context.Background()))
		assert.Equal(t, 0, len(fctx.records()))

		// State is cleared: an end after completion finds no start.
		err := proc.Process(context.Background(), keyflow.NewRecord(int64(0), rideEvent{"dropoff", "Z"}, base))
		class, _ := keyflow.ClassOf(err)
		assert.Equal(t, keyflow.ClassData, class)
	})
}
