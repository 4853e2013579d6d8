// Package processor turns batches of feed sentences into per-vessel deltas
// and keeps the known fishing vessel set current.
package processor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/aggregator"
	"github.com/coder/aisrelay/ais"
	"github.com/coder/aisrelay/fishing"
	"github.com/coder/aisrelay/nmea"
	"github.com/coder/aisrelay/registry"
	"github.com/coder/quartz"
)

// Registry looks a vessel up by MMSI.
type Registry interface {
	Lookup(ctx context.Context, mmsi string) (registry.Asset, bool, error)
}

// DeadLetterer receives payloads that could not be decoded.
type DeadLetterer interface {
	DeadLetterRaw(ctx context.Context, payload string, cause error)
}

type Options struct {
	Logger     slog.Logger
	Clock      quartz.Clock
	Registerer prometheus.Registerer
	Fishing    *fishing.Set
	// Registry is optional. When set, static reports are classified using
	// the registry's view of the vessel if it has one.
	Registry    Registry
	DeadLetters DeadLetterer
}

type Processor struct {
	log      slog.Logger
	clock    quartz.Clock
	fishing  *fishing.Set
	registry Registry
	dead     DeadLetterer
	metrics  *metrics
}

func New(opts Options) *Processor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Fishing == nil {
		opts.Fishing = fishing.NewSet()
	}
	return &Processor{
		log:      opts.Logger,
		clock:    opts.Clock,
		fishing:  opts.Fishing,
		registry: opts.Registry,
		dead:     opts.DeadLetters,
		metrics:  newMetrics(opts.Registerer),
	}
}

// Process decodes a batch. Position reports land in the fishing or the
// general movement map depending on current membership; static reports
// update membership first. Later reports for the same vessel replace
// earlier ones. If ctx ends mid-batch the delta so far is returned.
func (p *Processor) Process(ctx context.Context, sentences []nmea.Sentence) aggregator.Delta {
	start := p.clock.Now()
	delta := aggregator.Delta{
		Movements:        make(map[string]ais.MovementRecord),
		FishingMovements: make(map[string]ais.MovementRecord),
		Statics:          make(map[string]ais.VesselStaticRecord),
	}
	p.metrics.sentences.Add(float64(len(sentences)))

	for i, s := range sentences {
		if ctx.Err() != nil {
			p.log.Warn(ctx, "batch processing cancelled",
				slog.F("processed", i),
				slog.F("total", len(sentences)),
			)
			break
		}

		report, err := ais.Decode(s.Payload, s.TrustedReceiveTime(), p.clock.Now())
		if err != nil {
			p.metrics.decodeErrors.Inc()
			p.log.Warn(ctx, "could not decode sentence", slog.F("payload", s.Payload), slog.Error(err))
			if p.dead != nil {
				p.dead.DeadLetterRaw(ctx, s.Payload, err)
			}
			continue
		}
		p.metrics.reports.WithLabelValues(report.Type.String()).Inc()

		switch {
		case report.Movement != nil:
			mv := *report.Movement
			if p.fishing.Contains(mv.MMSI) {
				delta.FishingMovements[mv.MMSI] = mv
			} else {
				delta.Movements[mv.MMSI] = mv
			}
		case report.Static != nil:
			st := *report.Static
			delta.Statics[st.MMSI] = st
			p.classify(ctx, st)
		}
	}

	elapsed := p.clock.Since(start)
	p.metrics.duration.Observe(elapsed.Seconds())
	p.log.Info(ctx, "processed batch",
		slog.F("sentences", len(sentences)),
		slog.F("movements", len(delta.Movements)),
		slog.F("fishing_movements", len(delta.FishingMovements)),
		slog.F("statics", len(delta.Statics)),
		slog.F("elapsed", elapsed),
	)
	return delta
}

func (p *Processor) classify(ctx context.Context, rec ais.VesselStaticRecord) {
	subject := rec
	if p.registry != nil {
		asset, found, err := p.registry.Lookup(ctx, rec.MMSI)
		switch {
		case err != nil:
			p.log.Info(ctx, "vessel registry lookup failed, classifying from report",
				slog.F("mmsi", rec.MMSI),
				slog.Error(err),
			)
		case found:
			subject = asset.Static()
			subject.MMSI = rec.MMSI
		}
	}
	before := p.fishing.Contains(rec.MMSI)
	after := p.fishing.Classify(subject)
	if before != after {
		p.log.Debug(ctx, "fishing vessel membership changed",
			slog.F("mmsi", rec.MMSI),
			slog.F("fishing", after),
			slog.F("ship_type", subject.ShipType),
		)
	}
}
