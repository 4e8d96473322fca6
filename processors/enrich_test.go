package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/klookup"
)

type trade struct {
	ProductID int64
	Amount    int
}

type enrichedTrade struct {
	trade
	Product string
}

func mergeTrade(t trade, product string) (enrichedTrade, error) {
	if product == "" {
		return enrichedTrade{}, errors.New("empty product name")
	}
	return enrichedTrade{trade: t, Product: product}, nil
}

type countingResolver struct {
	klookup.Resolver[int64, string]
	inits  int
	closes int
}

func (r *countingResolver) Init(ctx context.Context) error {
	r.inits++
	return r.Resolver.Init(ctx)
}

func (r *countingResolver) Close() error {
	r.closes++
	return r.Resolver.Close()
}

func TestEnrich(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	products := klookup.Static(map[int64]string{1: "EURUSD", 2: "GBPUSD"})

	extract := func(tr trade) int64 { return tr.ProductID }

	t.Run("merges resolved data into the record", func(t *testing.T) {
		fctx := newFakeContext[string, enrichedTrade]()
		proc := Enrich[string](products, extract, mergeTrade)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		rec := keyflow.NewRecord("t-1", trade{ProductID: 2, Amount: 100}, base)
		assert.NoError(t, proc.Process(context.Background(), rec))

		recs := fctx.records()
		assert.Equal(t, 1, len(recs))
		assert.Equal(t, "t-1", recs[0].Key)
		assert.Equal(t, "GBPUSD", recs[0].Value.Product)
		assert.Equal(t, 100, recs[0].Value.Amount)
		assert.Equal(t, base, recs[0].Timestamp)
	})

	t.Run("repeat enrichment yields identical output", func(t *testing.T) {
		fctx := newFakeContext[string, enrichedTrade]()
		proc := Enrich[string](products, extract, mergeTrade)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		rec := keyflow.NewRecord("t-1", trade{ProductID: 1, Amount: 50}, base)
		assert.NoError(t, proc.Process(context.Background(), rec))
		assert.NoError(t, proc.Process(context.Background(), rec))

		recs := fctx.records()
		assert.Equal(t, 2, len(recs))
		assert.Equal(t, recs[0], recs[1])
	})

	t.Run("missing reference data is a data error", func(t *testing.T) {
		fctx := newFakeContext[string, enrichedTrade]()
		proc := Enrich[string](products, extract, mergeTrade)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		err := proc.Process(context.Background(), keyflow.NewRecord("t-2", trade{ProductID: 99}, base))
		class, ok := keyflow.ClassOf(err)
		assert.True(t, ok)
		assert.Equal(t, keyflow.ClassData, class)
		assert.Equal(t, 0, len(fctx.records()))
	})

	t.Run("resolver failure is an external error", func(t *testing.T) {
		cause := errors.New("connection reset")
		failing := klookup.ResolverFunc[int64, string](func(context.Context, int64) (string, bool, error) {
			return "", false, cause
		})
		fctx := newFakeContext[string, enrichedTrade]()
		proc := Enrich[string](failing, extract, mergeTrade)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		err := proc.Process(context.Background(), keyflow.NewRecord("t-3", trade{ProductID: 1}, base))
		class, ok := keyflow.ClassOf(err)
		assert.True(t, ok)
		assert.Equal(t, keyflow.ClassExternal, class)
		assert.IsError(t, err, cause)
	})

	t.Run("a pre-classified resolver failure keeps its class", func(t *testing.T) {
		classified := klookup.ResolverFunc[int64, string](func(context.Context, int64) (string, bool, error) {
			return "", false, keyflow.DataError(errors.New("tombstoned product"), nil)
		})
		fctx := newFakeContext[string, enrichedTrade]()
		proc := Enrich[string](classified, extract, mergeTrade)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		err := proc.Process(context.Background(), keyflow.NewRecord("t-4", trade{ProductID: 1}, base))
		class, _ := keyflow.ClassOf(err)
		assert.Equal(t, keyflow.ClassData, class)
	})

	t.Run("merge failure is an operator error", func(t *testing.T) {
		blank := klookup.Static(map[int64]string{1: ""})
		fctx := newFakeContext[string, enrichedTrade]()
		proc := Enrich[string](blank, extract, mergeTrade)()
		assert.NoError(t, proc.Init(context.Background(), fctx))

		err := proc.Process(context.Background(), keyflow.NewRecord("t-5", trade{ProductID: 1}, base))
		class, ok := keyflow.ClassOf(err)
		assert.True(t, ok)
		assert.Equal(t, keyflow.ClassOperator, class)
	})

	t.Run("shared resolver lifecycle runs once", func(t *testing.T) {
		resolver := &countingResolver{Resolver: products}
		build := Enrich[string](resolver, extract, mergeTrade)

		first, second := build(), build()
		assert.NoError(t, first.Init(context.Background(), newFakeContext[string, enrichedTrade]()))
		assert.NoError(t, second.Init(context.Background(), newFakeContext[string, enrichedTrade]()))
		assert.Equal(t, 1, resolver.inits)

		assert.NoError(t, first.Close())
		assert.NoError(t, second.Close())
		assert.Equal(t, 1, resolver.closes)
	})
}
