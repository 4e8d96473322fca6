// Command taxirides runs a demo pipeline over a synthetic stream of taxi
// ride events. Pickups open a ride, dropoffs close it, and every matched
// pair is scored with the ride's average speed. Events outside the New
// York bounding box are filtered out, so their dropoffs arrive without a
// pending pickup and surface as dead letters.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/birdayz/keyflow"
	"github.com/birdayz/keyflow/kserde"
	"github.com/birdayz/keyflow/ksink"
	"github.com/birdayz/keyflow/ksource"
	"github.com/birdayz/keyflow/kstate"
	"github.com/birdayz/keyflow/kvstore"
	"github.com/birdayz/keyflow/processors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

// NYC bounding box, the same cutoff the classic taxi ride exercises use.
const (
	lonWest  = -74.05
	lonEast  = -73.70
	latSouth = 40.50
	latNorth = 41.00
)

const taxiCount = 16

type rideEvent struct {
	RideID int64
	Taxi   string
	Kind   string
	Lat    float64
	Lon    float64
	Time   time.Time
}

type completedRide struct {
	RideID     int64
	DistanceKm float64
	Duration   time.Duration
	SpeedKmh   float64
}

func main() {
	f := flag.NewFlagSet("taxirides", flag.ExitOnError)
	partitions := f.Int("partitions", 4, "number of partition tasks")
	rides := f.Int64("rides", 500, "approximate number of rides to generate, 0 for endless")
	interval := f.Duration("interval", 2*time.Millisecond, "pause between generated events")
	policyName := f.String("duplicate-policy", "reject", "what a second pickup for an open ride does: reject or overwrite")
	metricsAddr := f.String("metrics-addr", "", "listen address for /metrics, empty to disable")
	verbose := f.Bool("verbose", false, "enable debug logging")
	seed := f.Int64("seed", time.Now().UnixNano(), "random seed for the ride generator")
	if err := f.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var policy processors.DuplicatePolicy
	switch *policyName {
	case "reject":
		policy = processors.RejectDuplicate
	case "overwrite":
		policy = processors.OverwriteDuplicate
	default:
		log.Error("Unknown duplicate policy", "policy", *policyName)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	metrics := keyflow.NewMetrics(reg)
	if *metricsAddr != "" {
		go serveMetrics(log, *metricsAddr, reg)
	}

	backend := kvstore.NewMemory()
	defer backend.Close()
	trips := kvstore.NewMap(backend, kserde.Int64, kserde.JSON[completedRide]())

	top := keyflow.NewTopology()

	limit := int64(0)
	if *rides > 0 {
		limit = *rides * 2
	}
	keyflow.MustRegisterSource(top, "rides",
		ksource.NewGenerator(*interval, limit, newRideFeed(*seed, time.Now())))

	keyflow.MustRegisterProcessor(top,
		processors.Filter(func(rec keyflow.Record[string, rideEvent]) bool {
			return inNYC(rec.Value.Lat, rec.Value.Lon)
		}),
		"nyc", []string{"rides"})

	keyflow.MustRegisterProcessor(top,
		processors.Map(func(rec keyflow.Record[string, rideEvent]) (keyflow.Record[int64, rideEvent], error) {
			return keyflow.WithKey(rec, rec.Value.RideID), nil
		}),
		"by_ride", []string{"nyc"},
		keyflow.PartitionedBy(kserde.Int64.Serializer))

	keyflow.MustRegisterProcessor(top,
		processors.Match[int64](classifyRide, mergeRide, policy),
		"trips", []string{"by_ride"})

	keyflow.MustRegisterSink(top, "store", ksink.NewStore(trips), []string{"trips"})

	keyflow.MustRegisterStore(top, kstate.Keyed[string, int]("speed_stats"), "speed_stats")
	keyflow.MustRegisterProcessor(top, newSpeedStats, "speeds", []string{"trips"},
		keyflow.WithStores("speed_stats"))

	keyflow.MustRegisterSink(top, "report",
		ksink.NewLogger[string, int](log, "Speed bucket"), []string{"speeds"})

	job := keyflow.MustNew(top,
		keyflow.WithPartitions(*partitions),
		keyflow.WithLogger(log),
		keyflow.WithMetrics(metrics),
		keyflow.WithErrorHandler(func(ctx context.Context, perr *keyflow.ProcessingError) keyflow.ErrorRecovery {
			if perr.Class == keyflow.ClassData {
				return keyflow.RecoveryDeadLetter
			}
			return keyflow.DefaultErrorHandler(ctx, perr)
		}),
		keyflow.WithDeadLetterDrain(func(perr *keyflow.ProcessingError) {
			log.Warn("Dead letter", "node", perr.Node, "key", perr.Key, "error", perr.Err)
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := job.Run(ctx); err != nil {
		log.Error("Job failed", "error", err)
		os.Exit(1)
	}

	var total int
	var fastest completedRide
	err := trips.Scan(context.Background(), func(_ int64, ride completedRide) bool {
		total++
		if ride.SpeedKmh > fastest.SpeedKmh {
			fastest = ride
		}
		return true
	})
	if err != nil {
		log.Error("Reading results", "error", err)
		os.Exit(1)
	}
	log.Info("Done",
		"status", job.Status().String(),
		"completed_rides", total,
		"fastest_ride", fastest.RideID,
		"fastest_kmh", fmt.Sprintf("%.1f", fastest.SpeedKmh))
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server", "error", err)
	}
}

// newRideFeed returns a generator function producing pickup and dropoff
// events. Event time is synthetic: each event advances the clock by 30
// seconds regardless of emission pace. Roughly one pickup in ten is placed
// outside the bounding box, and one in fifty is re-sent on the next tick
// so the duplicate policy has something to decide.
func newRideFeed(seed int64, start time.Time) func(int64, time.Time) keyflow.Record[string, rideEvent] {
	rng := rand.New(rand.NewSource(seed))
	var open []int64
	var nextID int64
	var resend *rideEvent
	return func(i int64, _ time.Time) keyflow.Record[string, rideEvent] {
		ts := start.Add(time.Duration(i) * 30 * time.Second)
		if resend != nil {
			ev := *resend
			ev.Time = ts
			resend = nil
			return keyflow.NewRecord(ev.Taxi, ev, ts)
		}
		if len(open) > 0 && (len(open) > 32 || rng.Intn(2) == 0) {
			k := rng.Intn(len(open))
			id := open[k]
			open = append(open[:k], open[k+1:]...)
			ev := rideEvent{
				RideID: id,
				Taxi:   taxiFor(id),
				Kind:   "dropoff",
				Lat:    latSouth + rng.Float64()*(latNorth-latSouth),
				Lon:    lonWest + rng.Float64()*(lonEast-lonWest),
				Time:   ts,
			}
			return keyflow.NewRecord(ev.Taxi, ev, ts)
		}
		id := nextID
		nextID++
		open = append(open, id)
		ev := rideEvent{
			RideID: id,
			Taxi:   taxiFor(id),
			Kind:   "pickup",
			Lat:    latSouth + rng.Float64()*(latNorth-latSouth),
			Lon:    lonWest + rng.Float64()*(lonEast-lonWest),
			Time:   ts,
		}
		if rng.Intn(10) == 0 {
			ev.Lon = lonWest - 0.5
		} else if rng.Intn(50) == 0 {
			dup := ev
			resend = &dup
		}
		return keyflow.NewRecord(ev.Taxi, ev, ts)
	}
}

func taxiFor(id int64) string {
	return fmt.Sprintf("taxi-%02d", id%taxiCount)
}

func inNYC(lat, lon float64) bool {
	return lat >= latSouth && lat <= latNorth && lon >= lonWest && lon <= lonEast
}

func classifyRide(ev rideEvent) processors.EventKind {
	switch ev.Kind {
	case "pickup":
		return processors.KindStart
	case "dropoff":
		return processors.KindEnd
	default:
		return processors.KindIgnore
	}
}

func mergeRide(start, end rideEvent) (completedRide, error) {
	elapsed := end.Time.Sub(start.Time)
	if elapsed <= 0 {
		return completedRide{}, fmt.Errorf("ride %d: dropoff at or before pickup", start.RideID)
	}
	dist := haversineKm(start.Lat, start.Lon, end.Lat, end.Lon)
	return completedRide{
		RideID:     start.RideID,
		DistanceKm: dist,
		Duration:   elapsed,
		SpeedKmh:   dist / elapsed.Hours(),
	}, nil
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// speedStats buckets completed rides by average speed in a per-partition
// store and reports bucket counts at end of stream.
type speedStats struct {
	pctx  keyflow.ProcessorContext[string, int]
	store *kstate.MapStore[string, int]
}

func newSpeedStats() keyflow.Processor[int64, completedRide, string, int] {
	return &speedStats{}
}

func (p *speedStats) Init(_ context.Context, pctx keyflow.ProcessorContext[string, int]) error {
	p.pctx = pctx
	p.store = keyflow.MustStore[*kstate.MapStore[string, int]](pctx, "speed_stats")
	return nil
}

func (p *speedStats) Process(_ context.Context, rec keyflow.Record[int64, completedRide]) error {
	bucket := speedBucket(rec.Value.SpeedKmh)
	n, _, err := p.store.Get(bucket)
	if err != nil {
		return err
	}
	return p.store.Set(bucket, n+1)
}

func (p *speedStats) Complete(ctx context.Context) error {
	for bucket, n := range p.store.All() {
		rec := keyflow.NewRecord(bucket, n, p.pctx.StreamTime())
		if err := p.pctx.Forward(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *speedStats) Close() error {
	return nil
}

func speedBucket(kmh float64) string {
	switch {
	case kmh < 20:
		return "under-20"
	case kmh < 40:
		return "20-40"
	case kmh < 60:
		return "40-60"
	default:
		return "over-60"
	}
}
