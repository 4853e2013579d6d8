// Package aggregator downsamples decoded records per vessel between flushes.
// Each collection keeps the last value per MMSI; a flush swaps the
// collection for an empty one and hands the snapshot on.
package aggregator

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/ais"
	"github.com/coder/quartz"
)

// Flush reasons.
const (
	FlushScheduled = "scheduled"
	FlushShutdown  = "shutdown"
)

// Collection names, used as metric labels.
const (
	CollectionMovements        = "movements"
	CollectionFishingMovements = "fishing_movements"
	CollectionStatics          = "statics"
)

// Collection is a last-value-wins map guarded by a mutex.
type Collection[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

func NewCollection[V any]() *Collection[V] {
	return &Collection[V]{m: make(map[string]V)}
}

func (c *Collection[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
}

// PutAll merges delta into the collection; entries in delta win.
func (c *Collection[V]) PutAll(delta map[string]V) {
	if len(delta) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range delta {
		c.m[k] = v
	}
}

func (c *Collection[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Drain atomically replaces the contents with an empty map and returns the
// old values ordered by key. Puts racing with Drain land either in the
// returned snapshot or in the next one, never in neither.
func (c *Collection[V]) Drain() []V {
	c.mu.Lock()
	old := c.m
	c.m = make(map[string]V)
	c.mu.Unlock()

	keys := make([]string, 0, len(old))
	for k := range old {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, old[k])
	}
	return out
}

// Delta is the output of processing one batch of sentences.
type Delta struct {
	Movements        map[string]ais.MovementRecord
	FishingMovements map[string]ais.MovementRecord
	Statics          map[string]ais.VesselStaticRecord
}

// Aggregator holds the three collections the relay flushes on separate
// schedules.
type Aggregator struct {
	log     slog.Logger
	clock   quartz.Clock
	metrics *Metrics

	Movements        *Collection[ais.MovementRecord]
	FishingMovements *Collection[ais.MovementRecord]
	Statics          *Collection[ais.VesselStaticRecord]
}

type Option func(a *Aggregator)

func WithLogger(log slog.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clock
	}
}

// New creates an Aggregator and registers its metrics with reg, which may be
// nil.
func New(reg prometheus.Registerer, opts ...Option) *Aggregator {
	a := &Aggregator{
		clock:            quartz.NewReal(),
		Movements:        NewCollection[ais.MovementRecord](),
		FishingMovements: NewCollection[ais.MovementRecord](),
		Statics:          NewCollection[ais.VesselStaticRecord](),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metrics = newMetrics(a)
	a.metrics.register(reg)
	return a
}

// Merge adds one processed batch.
func (a *Aggregator) Merge(d Delta) {
	a.Movements.PutAll(d.Movements)
	a.FishingMovements.PutAll(d.FishingMovements)
	a.Statics.PutAll(d.Statics)
}

// FlushMovements drains the movement collection into fn.
func (a *Aggregator) FlushMovements(ctx context.Context, reason string, fn func(context.Context, []ais.MovementRecord) error) error {
	return flush(ctx, a, CollectionMovements, reason, a.Movements, fn)
}

// FlushFishingMovements drains the fishing movement collection into fn.
func (a *Aggregator) FlushFishingMovements(ctx context.Context, reason string, fn func(context.Context, []ais.MovementRecord) error) error {
	return flush(ctx, a, CollectionFishingMovements, reason, a.FishingMovements, fn)
}

// FlushStatics drains the static collection into fn.
func (a *Aggregator) FlushStatics(ctx context.Context, reason string, fn func(context.Context, []ais.VesselStaticRecord) error) error {
	return flush(ctx, a, CollectionStatics, reason, a.Statics, fn)
}

func flush[V any](ctx context.Context, a *Aggregator, name, reason string, c *Collection[V], fn func(context.Context, []V) error) error {
	records := c.Drain()
	if len(records) == 0 {
		return nil
	}

	start := a.clock.Now()
	a.log.Debug(ctx, "flushing collection",
		slog.F("collection", name),
		slog.F("reason", reason),
		slog.F("count", len(records)),
	)
	err := fn(ctx, records)
	elapsed := a.clock.Since(start)

	a.metrics.batchSize.WithLabelValues(name).Observe(float64(len(records)))
	a.metrics.flushDuration.WithLabelValues(name, reason).Observe(elapsed.Seconds())
	if err != nil {
		a.metrics.flushesTotal.WithLabelValues(name, reason, "false").Inc()
		a.log.Warn(ctx, "flush failed",
			slog.F("collection", name),
			slog.F("reason", reason),
			slog.F("count", len(records)),
			slog.Error(err),
		)
		return err
	}
	a.metrics.flushesTotal.WithLabelValues(name, reason, "true").Inc()
	a.metrics.recordsTotal.WithLabelValues(name).Add(float64(len(records)))
	a.log.Debug(ctx, "flush complete",
		slog.F("collection", name),
		slog.F("count", len(records)),
		slog.F("elapsed", elapsed),
		slog.F("reason", reason),
	)
	return nil
}
