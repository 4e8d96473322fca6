package main

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
)

// loadConfig merges three layers: flag defaults, then an optional yaml
// file, then flags set explicitly on the command line.
func loadConfig(args []string) (*koanf.Koanf, error) {
	f := flag.NewFlagSet("tradeenrich", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: tradeenrich [flags]")
		fmt.Fprintln(os.Stderr, f.FlagUsages())
	}

	f.String("config", "", "path to a yaml config file")
	f.Int("partitions", 4, "number of partition tasks")
	f.Int64("trades", 2000, "number of trades to generate, 0 for endless")
	f.Duration("interval", time.Millisecond, "pause between generated trades")
	f.Int64("seed", 0, "random seed for the trade generator, 0 picks one")
	f.String("source", "generate", "trade source: generate or kafka")
	f.StringSlice("kafka.brokers", nil, "Kafka bootstrap brokers")
	f.String("kafka.topic", "trades", "Kafka topic to consume trades from")
	f.String("kafka.out-topic", "", "when set, enriched trades are produced to this topic")
	f.String("products.strategy", "map", "product lookup strategy: map, replicated, hashjoin or service")
	f.String("products.file", "", "product reference file with id,name lines")
	f.String("brokers.strategy", "hashjoin", "broker lookup strategy: map, replicated, hashjoin or service")
	f.String("brokers.file", "", "broker reference file with id,name lines")
	f.String("store.backend", "memory", "backend for the map and replicated strategies: memory or badger")
	f.String("store.path", "", "badger data directory")
	f.String("nats.url", "", "NATS server for the service strategy, empty for an in-process stub")
	f.String("nats.products-subject", "lookup.products", "request subject for product lookups")
	f.String("nats.brokers-subject", "lookup.brokers", "request subject for broker lookups")
	f.Int("max-in-flight", 32, "outstanding lookups per partition for the service strategy")
	f.String("metrics-addr", "", "listen address for /metrics, empty to disable")
	f.Bool("verbose", false, "enable debug logging")

	if err := f.Parse(args); err != nil {
		return nil, err
	}

	ko := koanf.New(".")
	if path, _ := f.GetString("config"); path != "" {
		if err := ko.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return nil, fmt.Errorf("merge flags: %w", err)
	}
	return ko, nil
}
