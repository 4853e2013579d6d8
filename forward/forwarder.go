package forward

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/ais"
	"github.com/coder/quartz"
)

// deliveryTimeout bounds a single delivery attempt.
const deliveryTimeout = 30 * time.Second

type Options struct {
	Logger      slog.Logger
	Clock       quartz.Clock
	Registerer  prometheus.Registerer
	Sink        Sink
	DeadLetters DeadLetterSink
	// PluginName identifies this relay in outgoing messages.
	PluginName string
	// HomeFlagState raises the priority of movements flagged in it.
	HomeFlagState string
}

// Forwarder maps records to messages and delivers them with at-least-once
// semantics while the process lives.
type Forwarder struct {
	log     slog.Logger
	clock   quartz.Clock
	sink    Sink
	dead    DeadLetterSink
	pending *PendingQueue
	metrics *Metrics

	plugin   atomic.String
	homeFlag atomic.String
}

func New(opts Options) (*Forwarder, error) {
	if opts.Sink == nil {
		return nil, xerrors.New("a sink is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = LogSink{Log: opts.Logger}
	}
	f := &Forwarder{
		log:     opts.Logger,
		clock:   opts.Clock,
		sink:    opts.Sink,
		dead:    opts.DeadLetters,
		pending: NewPendingQueue(),
	}
	f.plugin.Store(opts.PluginName)
	f.homeFlag.Store(opts.HomeFlagState)

	metrics, err := NewMetrics(opts.Registerer, func() float64 { return float64(f.pending.Len()) })
	if err != nil {
		return nil, xerrors.Errorf("register forwarder metrics: %w", err)
	}
	f.metrics = metrics
	return f, nil
}

func (f *Forwarder) SetHomeFlagState(s string) { f.homeFlag.Store(s) }

func (f *Forwarder) SetPluginName(s string) { f.plugin.Store(s) }

func (f *Forwarder) mapper() Mapper {
	return Mapper{Plugin: f.plugin.Load(), HomeFlagState: f.homeFlag.Load()}
}

// Pending returns the number of messages waiting for a retry.
func (f *Forwarder) Pending() int {
	return f.pending.Len()
}

// Result counts the outcome of a send.
type Result struct {
	Sent         int `json:"sent"`
	Queued       int `json:"queued"`
	DeadLettered int `json:"dead_lettered"`
}

func (r *Result) add(o Result) {
	r.Sent += o.Sent
	r.Queued += o.Queued
	r.DeadLettered += o.DeadLettered
}

// SendMovements maps and delivers each movement individually.
func (f *Forwarder) SendMovements(ctx context.Context, recs []ais.MovementRecord) Result {
	var res Result
	m := f.mapper()
	for _, rec := range recs {
		msg, err := m.Movement(rec, f.clock.Now())
		if err != nil {
			f.deadLetterRecord(ctx, rec, err)
			res.DeadLettered++
			continue
		}
		res.add(f.deliver(ctx, msg))
	}
	f.log.Info(ctx, "sent movements",
		slog.F("count", len(recs)),
		slog.F("sent", res.Sent),
		slog.F("queued", res.Queued),
		slog.F("dead_lettered", res.DeadLettered),
	)
	return res
}

// SendStatics maps and delivers each static record individually.
func (f *Forwarder) SendStatics(ctx context.Context, recs []ais.VesselStaticRecord) Result {
	var res Result
	m := f.mapper()
	for _, rec := range recs {
		msg, err := m.Static(rec, f.clock.Now())
		if err != nil {
			f.deadLetterRecord(ctx, rec, err)
			res.DeadLettered++
			continue
		}
		res.add(f.deliver(ctx, msg))
	}
	f.log.Info(ctx, "sent vessel updates",
		slog.F("count", len(recs)),
		slog.F("sent", res.Sent),
		slog.F("queued", res.Queued),
		slog.F("dead_lettered", res.DeadLettered),
	)
	return res
}

// RetryPending drains the retry queue and delivers each message again.
// Messages that fail transiently again go back on the queue; if ctx ends
// the remainder is put back untouched.
func (f *Forwarder) RetryPending(ctx context.Context) Result {
	var res Result
	msgs := f.pending.Drain()
	if len(msgs) == 0 {
		return res
	}
	f.log.Info(ctx, "retrying pending messages", slog.F("count", len(msgs)))
	for i, msg := range msgs {
		if ctx.Err() != nil {
			rest := msgs[i:]
			f.requeue(rest...)
			res.Queued += len(rest)
			break
		}
		res.add(f.deliver(ctx, msg))
	}
	return res
}

func (f *Forwarder) deliver(ctx context.Context, msg Message) Result {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	retryable, err := f.sink.Deliver(ctx, msg)
	if err == nil {
		f.metrics.sent.WithLabelValues(string(msg.Kind)).Inc()
		if msg.Kind == KindMovement {
			f.metrics.incoming.Inc()
		}
		return Result{Sent: 1}
	}

	f.metrics.failed.WithLabelValues(string(msg.Kind), strconv.FormatBool(retryable)).Inc()
	if retryable {
		f.log.Debug(ctx, "delivery failed, queued for retry",
			slog.F("msg_id", msg.ID),
			slog.F("mmsi", msg.MMSI()),
			slog.Error(err),
		)
		f.requeue(msg)
		return Result{Queued: 1}
	}

	f.log.Warn(ctx, "delivery failed permanently",
		slog.F("msg_id", msg.ID),
		slog.F("mmsi", msg.MMSI()),
		slog.Error(err),
	)
	payload, merr := json.Marshal(msg)
	if merr != nil {
		payload = []byte(msg.ID.String())
	}
	f.deadLetter(ctx, ReasonDelivery, payload, err)
	return Result{DeadLettered: 1}
}

func (f *Forwarder) requeue(msgs ...Message) {
	f.pending.Push(msgs...)
	f.metrics.requeued.Add(float64(len(msgs)))
}

func (f *Forwarder) deadLetterRecord(ctx context.Context, rec any, cause error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		f.log.Error(ctx, "marshal dead letter record", slog.Error(err))
		return
	}
	f.log.Warn(ctx, "record could not be mapped", slog.Error(cause))
	f.deadLetter(ctx, ReasonMapping, payload, cause)
}

// DeadLetterRaw sends unparseable input, such as an undecodable payload, to
// the dead-letter sink.
func (f *Forwarder) DeadLetterRaw(ctx context.Context, payload string, cause error) {
	f.deadLetter(ctx, ReasonDecode, []byte(payload), cause)
}

func (f *Forwarder) deadLetter(ctx context.Context, reason string, payload []byte, cause error) {
	dl := DeadLetter{
		ID:         uuid.New(),
		Source:     Source,
		Type:       DeadLetterType,
		Reason:     reason,
		Payload:    payload,
		ReceivedAt: f.clock.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	f.metrics.deadLetters.WithLabelValues(reason).Inc()

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	if err := f.dead.DeadLetter(ctx, dl); err != nil {
		// Nowhere left to put it.
		f.log.Error(ctx, "store dead letter",
			slog.F("reason", reason),
			slog.F("payload", string(payload)),
			slog.Error(err),
		)
	}
}
