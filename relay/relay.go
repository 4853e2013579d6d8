// Package relay assembles the ingest pipeline: it owns the feed supervisor,
// the processor, the aggregator and the forwarder, runs their periodic
// tasks, and exposes the control API.
package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogjson"
	"github.com/coder/aisrelay/aggregator"
	"github.com/coder/aisrelay/ais"
	"github.com/coder/aisrelay/buildinfo"
	"github.com/coder/aisrelay/feed"
	"github.com/coder/aisrelay/fishing"
	"github.com/coder/aisrelay/forward"
	"github.com/coder/aisrelay/nmea"
	"github.com/coder/aisrelay/processor"
	"github.com/coder/aisrelay/pubsub"
	"github.com/coder/quartz"
)

const (
	// shutdownFlushTimeout bounds the final flush on Close.
	shutdownFlushTimeout = 15 * time.Second
	description          = "Plugin for receiving AIS positions."
)

type Options struct {
	Logger   slog.Logger
	Clock    quartz.Clock
	Registry *prometheus.Registry
	Settings Settings

	Forwarder *forward.Forwarder
	Fishing   *fishing.Set
	// VesselRegistry is consulted when classifying static reports.
	VesselRegistry processor.Registry
	// Registrar is optional. Without one the relay counts as registered.
	Registrar *Registrar
	Dialer    feed.Dialer
	// SavedMovements receives the movements withheld while only fishing
	// vessels are forwarded. Defaults to the relay logger.
	SavedMovements io.Writer
	// Pubsub, if set, is probed for latency on the status endpoint.
	Pubsub pubsub.Pubsub
}

// Relay is the running pipeline. Its periodic tasks start in New and stop
// in Close; Start and Stop only toggle the feed.
type Relay struct {
	log      slog.Logger
	savedLog slog.Logger
	clock    quartz.Clock
	registry *prometheus.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	settingsMu sync.RWMutex
	settings   Settings
	enabled    atomic.Bool

	fishing    *fishing.Set
	supervisor *feed.Supervisor
	processor  *processor.Processor
	aggregator *aggregator.Aggregator
	forwarder  *forward.Forwarder
	registrar  *Registrar
	pubsub     pubsub.Pubsub
	latency    *pubsub.LatencyMeasurer

	tasksMu sync.Mutex
	tasks   []*task

	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Relay, error) {
	if opts.Forwarder == nil {
		return nil, xerrors.New("a forwarder is required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Fishing == nil {
		opts.Fishing = fishing.NewSet()
	}

	r := &Relay{
		log:       opts.Logger,
		savedLog:  opts.Logger.Named("saved_movements"),
		clock:     opts.Clock,
		registry:  opts.Registry,
		settings:  opts.Settings,
		fishing:   opts.Fishing,
		forwarder: opts.Forwarder,
		registrar: opts.Registrar,
		pubsub:    opts.Pubsub,
		latency:   pubsub.NewLatencyMeasurer(opts.Logger.Named("latency")),
	}
	if opts.SavedMovements != nil {
		r.savedLog = slog.Make(slogjson.Sink(opts.SavedMovements))
	}
	r.forwarder.SetPluginName(opts.Settings.PluginName)
	r.forwarder.SetHomeFlagState(opts.Settings.HomeFlagState)

	feedMetrics, err := feed.NewMetrics(opts.Registry)
	if err != nil {
		return nil, xerrors.Errorf("register feed metrics: %w", err)
	}
	if err := registerMetrics(opts.Registry, r); err != nil {
		return nil, xerrors.Errorf("register relay metrics: %w", err)
	}

	r.aggregator = aggregator.New(opts.Registry,
		aggregator.WithLogger(opts.Logger.Named("aggregator")),
		aggregator.WithClock(opts.Clock),
	)
	r.processor = processor.New(processor.Options{
		Logger:      opts.Logger.Named("processor"),
		Clock:       opts.Clock,
		Registerer:  opts.Registry,
		Fishing:     opts.Fishing,
		Registry:    opts.VesselRegistry,
		DeadLetters: opts.Forwarder,
	})
	r.supervisor = feed.NewSupervisor(feed.SupervisorOptions{
		Logger:  opts.Logger.Named("supervisor"),
		Clock:   opts.Clock,
		Metrics: feedMetrics,
		NewConnection: func() feed.Connection {
			connOpts := []feed.ConnOption{
				feed.WithLogger(opts.Logger.Named("feed")),
				feed.WithClock(opts.Clock),
				feed.WithMetrics(feedMetrics),
			}
			if opts.Dialer != nil {
				connOpts = append(connOpts, feed.WithDialer(opts.Dialer))
			}
			return feed.NewConn(connOpts...)
		},
		Endpoint:     func() feed.Endpoint { return r.Settings().Endpoint() },
		Enabled:      r.enabled.Load,
		Handler:      r.handleBatch,
		ShortBackoff: opts.Settings.ShortBackoff,
		LongBackoff:  opts.Settings.LongBackoff,
	})

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.tasks = []*task{
		{name: "supervise", interval: func(s Settings) time.Duration { return s.SuperviseInterval }, fn: r.supervise},
		{name: "flush_movements", interval: func(s Settings) time.Duration { return s.MovementFlushInterval }, fn: r.scheduledFlush(r.flushMovements)},
		{name: "flush_fishing", interval: func(s Settings) time.Duration { return s.FishingFlushInterval }, fn: r.scheduledFlush(r.flushFishingMovements)},
		{name: "flush_statics", interval: func(s Settings) time.Duration { return s.StaticFlushInterval }, fn: r.scheduledFlush(r.flushStatics)},
		{name: "retry", interval: func(s Settings) time.Duration { return s.RetryInterval }, fn: r.retryPending},
	}
	r.tasksMu.Lock()
	for _, t := range r.tasks {
		r.startTaskLocked(t, opts.Settings)
	}
	r.tasksMu.Unlock()

	if r.registrar != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			// Exhausting the attempts leaves the relay unregistered, which
			// only pauses the retry task.
			_ = r.registrar.Register(r.ctx, Registration{
				Name:        opts.Settings.PluginName,
				Description: description,
				Version:     buildinfo.Version(),
				Settings:    opts.Settings.Values(),
			})
		}()
	}

	r.log.Info(r.ctx, "relay started", slog.F("settings", opts.Settings.Values()))
	return r, nil
}

func (r *Relay) Settings() Settings {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()
	return r.settings
}

func (r *Relay) Enabled() bool {
	return r.enabled.Load()
}

// Registered reports whether the orchestrator accepted the registration.
func (r *Relay) Registered() bool {
	return r.registrar == nil || r.registrar.Registered()
}

// Start enables the feed. The connection is opened on the next supervise
// tick.
func (r *Relay) Start() error {
	s := r.Settings()
	if s.Host == "" || s.Port == 0 {
		return xerrors.New("host and port must be configured before starting")
	}
	if !r.enabled.Swap(true) {
		r.log.Info(r.ctx, "feed enabled", slog.F("address", s.Endpoint().Address()))
	}
	return nil
}

// Stop disables the feed. The connection is torn down on the next supervise
// tick; collected records are still flushed on schedule.
func (r *Relay) Stop() {
	if r.enabled.Swap(false) {
		r.log.Info(r.ctx, "feed disabled")
	}
}

// SetConfig applies key/value settings atomically. Either every pair is
// applied or none is.
func (r *Relay) SetConfig(values map[string]string) error {
	r.settingsMu.Lock()
	old := r.settings
	next := old
	var merr error
	for k, v := range values {
		var err error
		next, err = next.Apply(k, v)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		merr = next.Validate()
	}
	if merr != nil {
		r.settingsMu.Unlock()
		return merr
	}
	r.settings = next
	r.settingsMu.Unlock()

	r.forwarder.SetPluginName(next.PluginName)
	r.forwarder.SetHomeFlagState(next.HomeFlagState)
	r.supervisor.SetBackoff(next.ShortBackoff, next.LongBackoff)
	r.log.Info(r.ctx, "settings updated", slog.F("settings", next.Values()))

	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	for _, t := range r.tasks {
		if t.interval(next) != t.current {
			r.restartTaskLocked(t, next)
		}
	}
	return nil
}

func (r *Relay) handleBatch(ctx context.Context, batch []nmea.Sentence) {
	delta := r.processor.Process(ctx, batch)
	r.aggregator.Merge(delta)
}

func (r *Relay) supervise(ctx context.Context) {
	r.supervisor.Tick(ctx)
}

func (r *Relay) scheduledFlush(flush func(context.Context, string) error) func(context.Context) {
	return func(ctx context.Context) {
		if err := flush(ctx, aggregator.FlushScheduled); err != nil {
			r.log.Warn(ctx, "scheduled flush failed", slog.Error(err))
		}
	}
}

func (r *Relay) flushMovements(ctx context.Context, reason string) error {
	return r.aggregator.FlushMovements(ctx, reason, func(ctx context.Context, recs []ais.MovementRecord) error {
		if r.Settings().OnlyFishingVessels {
			r.saveMovements(ctx, recs)
			return nil
		}
		r.forwarder.SendMovements(ctx, recs)
		return nil
	})
}

func (r *Relay) flushFishingMovements(ctx context.Context, reason string) error {
	return r.aggregator.FlushFishingMovements(ctx, reason, func(ctx context.Context, recs []ais.MovementRecord) error {
		r.forwarder.SendMovements(ctx, recs)
		return nil
	})
}

// flushStatics leaves the collection untouched while the feed is disabled.
func (r *Relay) flushStatics(ctx context.Context, reason string) error {
	if !r.enabled.Load() {
		return nil
	}
	return r.aggregator.FlushStatics(ctx, reason, func(ctx context.Context, recs []ais.VesselStaticRecord) error {
		r.forwarder.SendStatics(ctx, recs)
		return nil
	})
}

func (r *Relay) saveMovements(ctx context.Context, recs []ais.MovementRecord) {
	r.savedLog.Info(ctx, "start of withheld movements", slog.F("count", len(recs)))
	for _, rec := range recs {
		r.savedLog.Info(ctx, "withheld movement", slog.F("mmsi", rec.MMSI), slog.F("movement", rec))
	}
	r.savedLog.Info(ctx, "end of withheld movements", slog.F("count", len(recs)))
}

func (r *Relay) retryPending(ctx context.Context) {
	if !r.Registered() {
		r.log.Debug(ctx, "not registered, skipping retry of pending messages")
		return
	}
	res := r.forwarder.RetryPending(ctx)
	if res != (forward.Result{}) {
		r.log.Info(ctx, "retried pending messages",
			slog.F("sent", res.Sent),
			slog.F("queued", res.Queued),
			slog.F("dead_lettered", res.DeadLettered),
		)
	}
}

// Flush drains every collection now, as Close does.
func (r *Relay) Flush(ctx context.Context) error {
	var eg errgroup.Group
	eg.Go(func() error { return r.flushMovements(ctx, aggregator.FlushShutdown) })
	eg.Go(func() error { return r.flushFishingMovements(ctx, aggregator.FlushShutdown) })
	eg.Go(func() error { return r.flushStatics(ctx, aggregator.FlushShutdown) })
	return eg.Wait()
}

// Close stops the periodic tasks and the feed, flushes what has been
// collected, and withdraws the registration.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.tasksMu.Lock()
		for _, t := range r.tasks {
			_ = t.waiter.Wait()
		}
		r.tasksMu.Unlock()
		r.wg.Wait()

		r.supervisor.Destroy()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		defer cancel()
		var merr error
		if err := r.Flush(ctx); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("final flush: %w", err))
		}
		if r.registrar != nil {
			if err := r.registrar.Unregister(ctx, r.Settings().PluginName); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		r.closeErr = merr
		r.log.Info(ctx, "relay stopped", slog.F("pending_retries", r.forwarder.Pending()))
	})
	return r.closeErr
}

type task struct {
	name     string
	interval func(Settings) time.Duration
	fn       func(ctx context.Context)

	current time.Duration
	cancel  context.CancelFunc
	waiter  quartz.Waiter
}

// startTaskLocked runs t every interval until the relay closes. TickerFunc
// never overlaps calls, so a slow flush delays the next one instead.
func (r *Relay) startTaskLocked(t *task, s Settings) {
	ctx, cancel := context.WithCancel(r.ctx)
	t.current = t.interval(s)
	t.cancel = cancel
	t.waiter = r.clock.TickerFunc(ctx, t.current, func() error {
		t.fn(ctx)
		return nil
	}, "relay", t.name)
}

func (r *Relay) restartTaskLocked(t *task, s Settings) {
	t.cancel()
	_ = t.waiter.Wait()
	if r.ctx.Err() != nil {
		return
	}
	r.log.Debug(r.ctx, "rescheduling task",
		slog.F("task", t.name),
		slog.F("old_interval", t.current),
		slog.F("new_interval", t.interval(s)),
	)
	r.startTaskLocked(t, s)
}
