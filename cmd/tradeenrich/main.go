// Command tradeenrich runs a demo pipeline that enriches a stream of
// trades with product and broker names. Each enrichment stage resolves
// ids through a configurable strategy: a live key-value store (memory or
// badger), a replicated in-process copy of that store, a hash join over a
// reference file loaded at job start, or an external request/reply
// service (NATS, with an in-process stub as fallback).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/klookup"
	"github.com/birdayz/keyflow/kserde"
	"github.com/birdayz/keyflow/ksink"
	"github.com/birdayz/keyflow/ksource"
	"github.com/birdayz/keyflow/kvstore"
	"github.com/birdayz/keyflow/processors"
	"github.com/knadh/koanf/v2"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

const (
	productCount = 32
	brokerCount  = 12
)

type trade struct {
	TradeID   int64
	ProductID int64
	BrokerID  int64
	Quantity  int64
	Price     float64
	Product   string
	Broker    string
}

func main() {
	ko, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if ko.Bool("verbose") {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(ko, log); err != nil {
		log.Error("tradeenrich failed", "error", err)
		os.Exit(1)
	}
}

func run(ko *koanf.Koanf, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := keyflow.NewMetrics(reg)
	if addr := ko.String("metrics-addr"); addr != "" {
		go serveMetrics(log, addr, reg)
	}

	env := &lookupEnv{ko: ko, log: log}
	defer func() {
		if err := env.close(); err != nil {
			log.Warn("Closing lookup stores", "error", err)
		}
	}()

	products, err := referenceEntries(ko.String("products.file"), "Product", productCount)
	if err != nil {
		return err
	}
	brokers, err := referenceEntries(ko.String("brokers.file"), "Broker", brokerCount)
	if err != nil {
		return err
	}

	top := keyflow.NewTopology()

	if err := registerTrades(ctx, top, ko, log, products, brokers); err != nil {
		return err
	}

	productsStage, err := enrichStage(ctx, env, stage{
		name:    "products",
		entries: products,
		subject: ko.String("nats.products-subject"),
		extract: func(t trade) int64 { return t.ProductID },
		merge: func(t trade, name string) (trade, error) {
			t.Product = name
			return t, nil
		},
	})
	if err != nil {
		return err
	}
	keyflow.MustRegisterProcessor(top, productsStage, "products", []string{"trades"})

	brokersStage, err := enrichStage(ctx, env, stage{
		name:    "brokers",
		entries: brokers,
		subject: ko.String("nats.brokers-subject"),
		extract: func(t trade) int64 { return t.BrokerID },
		merge: func(t trade, name string) (trade, error) {
			t.Broker = name
			return t, nil
		},
	})
	if err != nil {
		return err
	}
	keyflow.MustRegisterProcessor(top, brokersStage, "brokers", []string{"products"})

	keyflow.MustRegisterSink(top, "log",
		ksink.NewLogger[int64, trade](log, "Enriched trade"), []string{"brokers"})

	if topic := ko.String("kafka.out-topic"); topic != "" {
		sink, err := ksink.NewKafka(ko.Strings("kafka.brokers"), topic,
			kserde.Int64.Serializer, kserde.JSON[trade]().Serializer)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		keyflow.MustRegisterSink(top, "out", sink, []string{"brokers"})
	}

	job := keyflow.MustNew(top,
		keyflow.WithPartitions(ko.Int("partitions")),
		keyflow.WithLogger(log),
		keyflow.WithMetrics(metrics),
	)
	if err := job.Run(ctx); err != nil {
		return err
	}
	log.Info("Done", "status", job.Status().String())
	return nil
}

func registerTrades(ctx context.Context, top *keyflow.Topology, ko *koanf.Koanf, log *slog.Logger, products, brokers []klookup.Entry) error {
	switch ko.String("source") {
	case "kafka":
		src, err := ksource.NewKafka(ko.Strings("kafka.brokers"), ko.String("kafka.topic"),
			kserde.Int64.Deserializer, kserde.JSON[trade]().Deserializer,
			ksource.WithKafkaLogger(log))
		if err != nil {
			return fmt.Errorf("kafka source: %w", err)
		}
		keyflow.MustRegisterSource(top, "trades", src, keyflow.KeyedBy(kserde.Int64.Serializer))
	case "generate":
		seed := ko.Int64("seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		keyflow.MustRegisterSource(top, "trades",
			ksource.NewGenerator(ko.Duration("interval"), ko.Int64("trades"),
				newTradeFeed(seed, products, brokers)),
			keyflow.KeyedBy(kserde.Int64.Serializer))
	default:
		return fmt.Errorf("unknown source %q", ko.String("source"))
	}
	return nil
}

// stage describes one enrichment hop. Both hops share the trade record
// shape, so only the id extraction and the merge differ.
type stage struct {
	name    string
	entries []klookup.Entry
	subject string
	extract func(trade) int64
	merge   func(trade, string) (trade, error)
}

// lookupEnv owns resources shared by the enrichment stages: store
// backends and the NATS connection. The stages' resolvers and services
// close themselves with the job; backends and the connection outlive it.
type lookupEnv struct {
	ko  *koanf.Koanf
	log *slog.Logger

	closers []func() error
	nc      *nats.Conn
}

func (e *lookupEnv) close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i]())
	}
	if e.nc != nil {
		e.nc.Close()
	}
	return err
}

func (e *lookupEnv) backendFor(name string) (kvstore.Backend, error) {
	switch e.ko.String("store.backend") {
	case "memory":
		b := kvstore.NewMemory()
		e.closers = append(e.closers, b.Close)
		return b, nil
	case "badger":
		path := e.ko.String("store.path")
		if path == "" {
			return nil, fmt.Errorf("store.path is required for the badger backend")
		}
		b, err := kvstore.NewBadger(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, b.Close)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", e.ko.String("store.backend"))
	}
}

func (e *lookupEnv) conn() (*nats.Conn, error) {
	if e.nc != nil {
		return e.nc, nil
	}
	nc, err := klookup.ConnectNATS(e.ko.String("nats.url"))
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	e.nc = nc
	return nc, nil
}

func enrichStage(ctx context.Context, env *lookupEnv, st stage) (keyflow.ProcessorBuilder[int64, trade, int64, trade], error) {
	strategy := env.ko.String(st.name + ".strategy")
	switch strategy {
	case "map", "replicated":
		backend, err := env.backendFor(st.name)
		if err != nil {
			return nil, err
		}
		m := kvstore.NewMap(backend, kserde.Int64, kserde.String)
		if err := klookup.SeedMap(ctx, m, st.entries); err != nil {
			return nil, err
		}
		var resolver klookup.Resolver[int64, string]
		if strategy == "map" {
			resolver = klookup.NewMapResolver(m)
		} else {
			resolver = klookup.NewReplicated(m, klookup.WithReplicaLogger(env.log))
		}
		return processors.Enrich[int64](resolver, st.extract, st.merge), nil
	case "hashjoin":
		load := func(context.Context) (map[int64]string, error) {
			return klookup.ToTable(st.entries), nil
		}
		if path := env.ko.String(st.name + ".file"); path != "" {
			load = klookup.FromFile(path)
		}
		return processors.Enrich[int64](klookup.NewHashJoin(load), st.extract, st.merge), nil
	case "service":
		var svc klookup.Service[int64, string]
		if env.ko.String("nats.url") != "" {
			nc, err := env.conn()
			if err != nil {
				return nil, err
			}
			svc = klookup.WithRetry[int64, string](
				klookup.NewNATS[int64, string](nc, st.subject), 3, 50*time.Millisecond)
		} else {
			svc = localService(klookup.ToTable(st.entries))
		}
		return processors.AsyncEnrich[int64](svc, st.extract, st.merge,
			processors.WithMaxInFlight(env.ko.Int("max-in-flight")),
			processors.WithRequestTimeout(2*time.Second)), nil
	default:
		return nil, fmt.Errorf("unknown %s strategy %q", st.name, strategy)
	}
}

// localService simulates a request/reply endpoint with a little latency.
func localService(table map[int64]string) klookup.Service[int64, string] {
	return klookup.ServiceFunc[int64, string](func(ctx context.Context, id int64) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(1+rand.Intn(3)) * time.Millisecond):
		}
		name, ok := table[id]
		if !ok {
			return "", fmt.Errorf("%w: id %d", klookup.ErrNotFound, id)
		}
		return name, nil
	})
}

// referenceEntries loads a reference file, or synthesizes n entries when
// no file is configured.
func referenceEntries(path, prefix string, n int) ([]klookup.Entry, error) {
	if path != "" {
		return klookup.LoadFile(path)
	}
	entries := make([]klookup.Entry, n)
	for i := range entries {
		entries[i] = klookup.Entry{ID: int64(i + 1), Name: fmt.Sprintf("%s-%d", prefix, i+1)}
	}
	return entries, nil
}

// newTradeFeed produces random trades over the reference ids. Roughly one
// trade in forty references an unknown product, which the default error
// handler drops and counts.
func newTradeFeed(seed int64, products, brokers []klookup.Entry) func(int64, time.Time) keyflow.Record[int64, trade] {
	rng := rand.New(rand.NewSource(seed))
	return func(i int64, now time.Time) keyflow.Record[int64, trade] {
		t := trade{
			TradeID:   i,
			ProductID: products[rng.Intn(len(products))].ID,
			BrokerID:  brokers[rng.Intn(len(brokers))].ID,
			Quantity:  int64(rng.Intn(900) + 100),
			Price:     float64(rng.Intn(100000)) / 100,
		}
		if rng.Intn(40) == 0 {
			t.ProductID = 9999
		}
		return keyflow.NewRecord(t.TradeID, t, now)
	}
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server", "error", err)
	}
}
