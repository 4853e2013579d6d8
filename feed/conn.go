// Package feed owns the connection to the upstream AIS feed: the socket read
// loop with its fixed-delay reconnect, and the supervisor that detects a
// socket which stays open but stops delivering data.
package feed

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/nmea"
	"github.com/coder/quartz"
)

const (
	// DefaultRetryDelay is how long the read loop waits before reconnecting
	// after the socket was lost.
	DefaultRetryDelay = 10 * time.Second
	// DefaultReadTimeout bounds a single blocking read.
	DefaultReadTimeout = 5 * time.Minute
	// DefaultQueueSize bounds the number of undrained sentences.
	DefaultQueueSize = 100_000

	dialTimeout   = 30 * time.Second
	keepAlive     = 30 * time.Second
	writeTimeout  = 10 * time.Second
	maxLineLength = 64 * 1024
)

// Endpoint is the address and credentials of the upstream feed.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// LoginLine is the handshake written once after connecting.
func (e Endpoint) LoginLine() string {
	return "\x01" + e.Username + "\x00" + e.Password + "\x00"
}

// Dialer opens the feed socket.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Conn is a resilient connection to the feed. Open starts a read loop that
// reconnects after a fixed delay until Close is called. A Conn is single
// use: it cannot be reopened after Close.
type Conn struct {
	log         slog.Logger
	clock       quartz.Clock
	dialer      Dialer
	metrics     *Metrics
	retryDelay  time.Duration
	readTimeout time.Duration
	queueSize   int

	running atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	netConn net.Conn
	queue   []nmea.Sentence
}

type ConnOption func(c *Conn)

func WithLogger(log slog.Logger) ConnOption {
	return func(c *Conn) {
		c.log = log
	}
}

func WithClock(clock quartz.Clock) ConnOption {
	return func(c *Conn) {
		c.clock = clock
	}
}

func WithDialer(d Dialer) ConnOption {
	return func(c *Conn) {
		c.dialer = d
	}
}

func WithMetrics(m *Metrics) ConnOption {
	return func(c *Conn) {
		c.metrics = m
	}
}

func WithRetryDelay(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.retryDelay = d
	}
}

func WithReadTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.readTimeout = d
	}
}

func WithQueueSize(n int) ConnOption {
	return func(c *Conn) {
		c.queueSize = n
	}
}

func NewConn(opts ...ConnOption) *Conn {
	c := &Conn{
		clock:       quartz.NewReal(),
		dialer:      &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive},
		retryDelay:  DefaultRetryDelay,
		readTimeout: DefaultReadTimeout,
		queueSize:   DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts the read loop and returns once it is running. It is a no-op if
// the loop is already running or the connection was closed.
func (c *Conn) Open(ep Endpoint) {
	c.mu.Lock()
	if c.cancel != nil || c.closed.Load() {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	started := make(chan struct{})
	go c.run(ctx, ep, started)
	<-started
}

// IsOpen reports whether the read loop is alive. It says nothing about
// whether data is arriving.
func (c *Conn) IsOpen() bool {
	return c.running.Load()
}

// Close stops the read loop and closes the socket. It does not wait for the
// loop to exit.
func (c *Conn) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.netConn != nil {
		_ = c.netConn.Close()
	}
}

// Sentences drains the queued sentences.
func (c *Conn) Sentences() []nmea.Sentence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *Conn) enqueue(ctx context.Context, s nmea.Sentence) {
	c.mu.Lock()
	full := len(c.queue) >= c.queueSize
	if !full {
		c.queue = append(c.queue, s)
	}
	c.mu.Unlock()
	if full {
		c.metrics.sentenceDropped()
		c.log.Debug(ctx, "sentence queue full, dropping sentence", slog.F("queue_size", c.queueSize))
	}
}

func (c *Conn) run(ctx context.Context, ep Endpoint, started chan<- struct{}) {
	c.running.Store(true)
	defer c.running.Store(false)
	close(started)

	log := c.log.With(slog.F("address", ep.Address()))
	for {
		err := c.session(ctx, log, ep)
		if ctx.Err() != nil {
			log.Debug(ctx, "feed read loop stopped")
			return
		}
		c.metrics.disconnected()
		log.Warn(ctx, "feed connection lost", slog.Error(err), slog.F("retry_in", c.retryDelay))

		t := c.clock.NewTimer(c.retryDelay, "feed", "retry")
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connect, login and read cycle. It always returns a
// non-nil error describing why the socket was lost.
func (c *Conn) session(ctx context.Context, log slog.Logger, ep Endpoint) error {
	log.Info(ctx, "connecting to feed")
	nc, err := c.dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return xerrors.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.netConn = nc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.netConn = nil
		c.mu.Unlock()
		_ = nc.Close()
	}()
	// Close may have run between the dial and storing the socket.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(nc, ep.LoginLine()); err != nil {
		return xerrors.Errorf("write login: %w", err)
	}
	log.Info(ctx, "feed connection established")

	var (
		asm    nmea.Assembler
		reader = bufio.NewReaderSize(nc, maxLineLength)
	)
	for {
		_ = nc.SetReadDeadline(time.Now().Add(c.readTimeout))
		line, err := reader.ReadString('\n')
		if line != "" {
			c.metrics.lineRead()
			s, ok, ferr := asm.Feed(line)
			switch {
			case ferr != nil:
				c.metrics.lineSkipped()
				log.Warn(ctx, "skipping malformed feed line", slog.F("line", line), slog.Error(ferr))
			case ok:
				c.enqueue(ctx, s)
			}
		}
		if err != nil {
			if xerrors.Is(err, io.EOF) {
				return xerrors.New("feed closed the connection")
			}
			return xerrors.Errorf("read: %w", err)
		}
	}
}
