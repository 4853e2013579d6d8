package feed

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/nmea"
	"github.com/coder/quartz"
)

const (
	DefaultShortBackoff = time.Minute
	DefaultLongBackoff  = 10 * time.Minute

	// maxShortAttempts is the number of reconnects made at the short backoff
	// before switching to the long one.
	maxShortAttempts = 5
	// destroyWait bounds how long Destroy waits for an in-flight batch
	// before cancelling it.
	destroyWait = 15 * time.Second
)

// Connection is the part of *Conn the supervisor drives.
type Connection interface {
	Open(ep Endpoint)
	IsOpen() bool
	Sentences() []nmea.Sentence
	Close()
}

// BatchHandler processes one drained batch. It must return once ctx is
// cancelled.
type BatchHandler func(ctx context.Context, batch []nmea.Sentence)

type SupervisorOptions struct {
	Logger  slog.Logger
	Clock   quartz.Clock
	Metrics *Metrics

	// NewConnection creates an unopened connection.
	NewConnection func() Connection
	// Endpoint returns the current feed endpoint. It is read on every
	// connect so configuration changes take effect on the next reconnect.
	Endpoint func() Endpoint
	// Enabled reports whether the feed should be connected at all.
	Enabled func() bool
	Handler BatchHandler

	ShortBackoff time.Duration
	LongBackoff  time.Duration
}

type batch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor keeps one Connection alive. Each Tick drains it, hands the
// batch to the handler asynchronously, and replaces the connection when it
// is down or has been silent for longer than the backoff.
type Supervisor struct {
	opts SupervisorOptions

	mu           sync.Mutex
	conn         Connection
	attempts     int
	lastAttempt  time.Time
	shortBackoff time.Duration
	longBackoff  time.Duration
	inflight     []*batch
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Enabled == nil {
		opts.Enabled = func() bool { return true }
	}
	if opts.Handler == nil {
		opts.Handler = func(context.Context, []nmea.Sentence) {}
	}
	if opts.ShortBackoff <= 0 {
		opts.ShortBackoff = DefaultShortBackoff
	}
	if opts.LongBackoff <= 0 {
		opts.LongBackoff = DefaultLongBackoff
	}
	return &Supervisor{
		opts:         opts,
		shortBackoff: opts.ShortBackoff,
		longBackoff:  opts.LongBackoff,
	}
}

// SetBackoff changes the stuck-connection thresholds. Zero keeps the
// current value.
func (s *Supervisor) SetBackoff(short, long time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if short > 0 {
		s.shortBackoff = short
	}
	if long > 0 {
		s.longBackoff = long
	}
}

// Tick runs one supervision step. ctx is the parent of the batch contexts;
// cancelling it does not cancel batches already dispatched.
func (s *Supervisor) Tick(ctx context.Context) {
	if !s.opts.Enabled() {
		s.Destroy()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connectionDownLocked(ctx) {
		return
	}
	s.reapLocked()

	sentences := s.conn.Sentences()
	if len(sentences) > 0 {
		s.opts.Metrics.received(len(sentences))
		s.attempts = 0
		s.dispatchLocked(ctx, sentences)
		return
	}

	if s.shouldReconnectLocked() {
		s.opts.Logger.Info(ctx, "no data from feed, reconnecting",
			slog.F("attempt", s.attempts+1),
			slog.F("last_attempt", s.lastAttempt),
		)
		s.reconnectLocked(ctx, reconnectStuck)
	}
}

// connectionDownLocked makes sure a connection exists and is open. It
// reports true when the connection is still down afterwards.
func (s *Supervisor) connectionDownLocked(ctx context.Context) bool {
	if s.conn == nil {
		s.conn = s.opts.NewConnection()
		s.connectLocked(ctx)
	} else if !s.conn.IsOpen() {
		s.connectLocked(ctx)
	}
	if s.conn.IsOpen() {
		return false
	}

	s.opts.Logger.Warn(ctx, "feed connection is down, reconnecting")
	s.reconnectLocked(ctx, reconnectDown)
	return !s.conn.IsOpen()
}

func (s *Supervisor) backoffLocked() time.Duration {
	if s.attempts < maxShortAttempts {
		return s.shortBackoff
	}
	return s.longBackoff
}

func (s *Supervisor) shouldReconnectLocked() bool {
	now := s.opts.Clock.Now("supervisor", "backoff")
	return now.After(s.lastAttempt.Add(s.backoffLocked()))
}

func (s *Supervisor) reconnectLocked(ctx context.Context, reason string) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.attempts++
	s.opts.Metrics.reconnected(reason)
	s.conn = s.opts.NewConnection()
	s.connectLocked(ctx)
}

func (s *Supervisor) connectLocked(ctx context.Context) {
	s.lastAttempt = s.opts.Clock.Now("supervisor", "connect")
	var ep Endpoint
	if s.opts.Endpoint != nil {
		ep = s.opts.Endpoint()
	}
	s.opts.Logger.Debug(ctx, "opening feed connection", slog.F("address", ep.Address()))
	s.conn.Open(ep)
}

func (s *Supervisor) dispatchLocked(ctx context.Context, sentences []nmea.Sentence) {
	// Batches outlive the tick that started them; Destroy cancels them.
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &batch{cancel: cancel, done: make(chan struct{})}
	s.inflight = append(s.inflight, b)
	s.opts.Metrics.setInflight(len(s.inflight))

	go func() {
		defer close(b.done)
		defer cancel()
		s.opts.Handler(bctx, sentences)
	}()
}

func (s *Supervisor) reapLocked() {
	kept := s.inflight[:0]
	for _, b := range s.inflight {
		select {
		case <-b.done:
		default:
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(s.inflight); i++ {
		s.inflight[i] = nil
	}
	s.inflight = kept
	s.opts.Metrics.setInflight(len(s.inflight))
}

// Destroy closes the connection and waits for in-flight batches, cancelling
// any that do not finish within 15 seconds. The next Tick starts over with a
// fresh connection.
func (s *Supervisor) Destroy() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.attempts = 0
	inflight := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	for _, b := range inflight {
		t := s.opts.Clock.NewTimer(destroyWait, "supervisor", "destroy")
		select {
		case <-b.done:
		case <-t.C:
			s.opts.Logger.Warn(context.Background(), "batch did not finish in time, cancelling")
			b.cancel()
			<-b.done
		}
		t.Stop()
	}
	s.opts.Metrics.setInflight(0)
}

// SupervisorStats is a snapshot of the supervisor state.
type SupervisorStats struct {
	Open               bool      `json:"open"`
	ReconnectAttempts  int       `json:"reconnect_attempts"`
	LastConnectAttempt time.Time `json:"last_connect_attempt"`
	InflightBatches    int       `json:"inflight_batches"`
}

func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SupervisorStats{
		Open:               s.conn != nil && s.conn.IsOpen(),
		ReconnectAttempts:  s.attempts,
		LastConnectAttempt: s.lastAttempt,
		InflightBatches:    len(s.inflight),
	}
}
