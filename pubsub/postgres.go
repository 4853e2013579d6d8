package pubsub

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// MaxMessageSize is the largest payload Postgres accepts in a NOTIFY.
const MaxMessageSize = 7999

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = 10 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PGPubsub is a Pubsub backed by Postgres LISTEN/NOTIFY. Channels are
// listened to while they have at least one subscriber.
type PGPubsub struct {
	logger   slog.Logger
	db       *sql.DB
	listener *pq.Listener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mut       sync.Mutex
	listeners map[string]map[uuid.UUID]genericListener
	closed    bool

	publishes  *prometheus.CounterVec
	messages   prometheus.Counter
	connected  prometheus.Gauge
	published  prometheus.Counter
	received   prometheus.Counter
	subscribes *prometheus.CounterVec
}

// NewPostgres connects a listener to connectURL and returns a Pubsub that
// publishes through db.
func NewPostgres(ctx context.Context, logger slog.Logger, db *sql.DB, connectURL string) (*PGPubsub, error) {
	p := &PGPubsub{
		logger:    logger,
		db:        db,
		done:      make(chan struct{}),
		listeners: make(map[string]map[uuid.UUID]genericListener),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "pubsub",
			Name:      "publishes_total",
			Help:      "Total number of calls to Publish, by success.",
		}, []string{"success"}),
		subscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "pubsub",
			Name:      "subscribes_total",
			Help:      "Total number of calls to Subscribe, by success.",
		}, []string{"success"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "pubsub",
			Name:      "messages_total",
			Help:      "Total number of messages received from Postgres.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "pubsub",
			Name:      "published_bytes_total",
			Help:      "Total number of bytes successfully published.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "pubsub",
			Name:      "received_bytes_total",
			Help:      "Total number of bytes received from Postgres.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aisrelay",
			Subsystem: "pubsub",
			Name:      "connected",
			Help:      "Whether the pubsub listener is connected, 1 or 0.",
		}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	p.listener = pq.NewListener(connectURL, minReconnectInterval, maxReconnectInterval, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventConnected:
			p.connected.Set(1)
			select {
			case errCh <- nil:
			default:
			}
		case pq.ListenerEventDisconnected:
			p.connected.Set(0)
			p.logger.Warn(p.ctx, "pubsub listener disconnected", slog.Error(err))
		case pq.ListenerEventReconnected:
			p.connected.Set(1)
			p.logger.Info(p.ctx, "pubsub listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			select {
			case errCh <- err:
			default:
			}
		}
	})

	select {
	case err := <-errCh:
		if err != nil {
			_ = p.listener.Close()
			return nil, xerrors.Errorf("connect pubsub listener: %w", err)
		}
	case <-ctx.Done():
		_ = p.listener.Close()
		return nil, ctx.Err()
	}

	go p.listen()
	return p, nil
}

func (p *PGPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	return p.subscribeGeneric(event, genericListener{l: listener})
}

func (p *PGPubsub) SubscribeWithErr(event string, listener ListenerWithErr) (cancel func(), err error) {
	return p.subscribeGeneric(event, genericListener{le: listener})
}

func (p *PGPubsub) subscribeGeneric(event string, listener genericListener) (cancel func(), err error) {
	defer func() {
		p.subscribes.WithLabelValues(successLabel(err)).Inc()
	}()

	p.mut.Lock()
	defer p.mut.Unlock()
	if p.closed {
		return nil, errClosed
	}

	listeners, ok := p.listeners[event]
	if !ok {
		if err := p.listener.Listen(event); err != nil && !xerrors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, xerrors.Errorf("listen %q: %w", event, err)
		}
		listeners = map[uuid.UUID]genericListener{}
		p.listeners[event] = listeners
	}
	id := uuid.New()
	listeners[id] = listener

	return func() {
		p.mut.Lock()
		defer p.mut.Unlock()
		delete(p.listeners[event], id)
		if len(p.listeners[event]) > 0 || p.closed {
			return
		}
		delete(p.listeners, event)
		if err := p.listener.Unlisten(event); err != nil {
			p.logger.Warn(p.ctx, "unlisten pubsub channel", slog.F("event", event), slog.Error(err))
		}
	}, nil
}

func (p *PGPubsub) Publish(event string, message []byte) (err error) {
	defer func() {
		p.publishes.WithLabelValues(successLabel(err)).Inc()
	}()
	if len(message) > MaxMessageSize {
		return xerrors.Errorf("message of %d bytes exceeds the NOTIFY limit", len(message))
	}
	_, err = p.db.ExecContext(p.ctx, `select pg_notify($1, $2)`, event, string(message))
	if err != nil {
		return xerrors.Errorf("exec pg_notify: %w", err)
	}
	p.published.Add(float64(len(message)))
	return nil
}

func (p *PGPubsub) Close() error {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return nil
	}
	p.closed = true
	p.mut.Unlock()

	p.cancel()
	err := p.listener.Close()
	<-p.done
	return err
}

func (p *PGPubsub) listen() {
	defer close(p.done)
	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ping.C:
			go func() {
				_ = p.listener.Ping()
			}()
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			// A nil notification means the connection was re-established
			// and anything sent meanwhile is lost.
			if n == nil {
				p.broadcastErr(ErrDroppedMessages)
				continue
			}
			p.messages.Inc()
			p.received.Add(float64(len(n.Extra)))
			p.deliver(n.Channel, []byte(n.Extra))
		}
	}
}

func (p *PGPubsub) snapshot(event string) []genericListener {
	p.mut.Lock()
	defer p.mut.Unlock()
	out := make([]genericListener, 0, len(p.listeners[event]))
	for _, l := range p.listeners[event] {
		out = append(out, l)
	}
	return out
}

func (p *PGPubsub) deliver(event string, message []byte) {
	for _, l := range p.snapshot(event) {
		l.send(p.ctx, message)
	}
}

func (p *PGPubsub) broadcastErr(err error) {
	p.mut.Lock()
	var targets []ListenerWithErr
	for _, listeners := range p.listeners {
		for _, l := range listeners {
			if l.le != nil {
				targets = append(targets, l.le)
			}
		}
	}
	p.mut.Unlock()
	for _, le := range targets {
		le(p.ctx, nil, err)
	}
}

// Describe implements prometheus.Collector.
func (p *PGPubsub) Describe(descs chan<- *prometheus.Desc) {
	p.publishes.Describe(descs)
	p.subscribes.Describe(descs)
	p.messages.Describe(descs)
	p.published.Describe(descs)
	p.received.Describe(descs)
	p.connected.Describe(descs)
}

// Collect implements prometheus.Collector.
func (p *PGPubsub) Collect(metrics chan<- prometheus.Metric) {
	p.publishes.Collect(metrics)
	p.subscribes.Collect(metrics)
	p.messages.Collect(metrics)
	p.published.Collect(metrics)
	p.received.Collect(metrics)
	p.connected.Collect(metrics)
}

func successLabel(err error) string {
	if err != nil {
		return "false"
	}
	return "true"
}
