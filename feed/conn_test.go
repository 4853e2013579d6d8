package feed_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/aisrelay/feed"
	"github.com/coder/aisrelay/nmea"
	"github.com/coder/aisrelay/testutil"
	"github.com/coder/quartz"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

var testEndpoint = feed.Endpoint{
	Host:     "feed.example",
	Port:     4712,
	Username: "relay",
	Password: "hunter2",
}

// acceptLogin accepts one connection and consumes the login line.
func acceptLogin(t *testing.T, l net.Listener) net.Conn {
	t.Helper()
	srv, err := l.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	login := make([]byte, len(testEndpoint.LoginLine()))
	_, err = io.ReadFull(srv, login)
	require.NoError(t, err)
	require.Equal(t, "\x01relay\x00hunter2\x00", string(login))
	return srv
}

func writeLines(t *testing.T, w io.Writer, lines ...string) {
	t.Helper()
	bw := bufio.NewWriter(w)
	for _, line := range lines {
		_, err := bw.WriteString(line + "\r\n")
		require.NoError(t, err)
	}
	require.NoError(t, bw.Flush())
}

func drainUntil(ctx context.Context, t *testing.T, c *feed.Conn, n int) []nmea.Sentence {
	t.Helper()
	var got []nmea.Sentence
	testutil.Eventually(ctx, t, func(context.Context) bool {
		got = append(got, c.Sentences()...)
		return len(got) >= n
	}, testutil.IntervalFast)
	return got
}

func TestConn(t *testing.T) {
	t.Parallel()

	t.Run("ReadsSentences", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		network := testutil.NewInProcNet()
		l, err := network.Listen("tcp", testEndpoint.Address())
		require.NoError(t, err)
		defer l.Close()

		c := feed.NewConn(
			feed.WithLogger(testutil.Logger(t)),
			feed.WithClock(quartz.NewMock(t)),
			feed.WithDialer(network),
		)
		defer c.Close()
		c.Open(testEndpoint)
		require.True(t, c.IsOpen())

		srv := acceptLogin(t, l)
		writeLines(t, srv,
			`\1G1:32,s:516,c:1652227200*5B\!ABVDM,1,1,0,B,15RTgt0PAso;90TKcjM8h6g208CQ,0*7D`,
			`$ABVSI,r3669961,1,013536.96326433,1386,-98,,*1A`,
			`\1G2:310,s:452,c:1652227201*6B\!ABVDM,2,1,1,A,55?MbV02;H;s<HtKR20EHE:0@T4@Dn2222222216L961O5Gf0NSQEp6ClRp8,0*1A`,
			`\2G2:310*4F\!ABVDM,2,2,1,A,88888888880,2*26`,
		)

		got := drainUntil(ctx, t, c, 2)
		require.Len(t, got, 2)
		require.Equal(t, "15RTgt0PAso;90TKcjM8h6g208CQ", got[0].Payload)
		require.Equal(t, "1G1:32,s:516,c:1652227200*5B", got[0].CommentBlock)
		require.Equal(t, "55?MbV02;H;s<HtKR20EHE:0@T4@Dn2222222216L961O5Gf0NSQEp6ClRp888888888880", got[1].Payload)

		// Draining empties the queue.
		require.Empty(t, c.Sentences())
	})

	t.Run("ReconnectsAfterDelay", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		network := testutil.NewInProcNet()
		l, err := network.Listen("tcp", testEndpoint.Address())
		require.NoError(t, err)
		defer l.Close()

		mClock := quartz.NewMock(t)
		trap := mClock.Trap().NewTimer("feed", "retry")
		defer trap.Close()

		reg := prometheus.NewRegistry()
		metrics, err := feed.NewMetrics(reg)
		require.NoError(t, err)

		c := feed.NewConn(
			feed.WithLogger(testutil.Logger(t)),
			feed.WithClock(mClock),
			feed.WithDialer(network),
			feed.WithMetrics(metrics),
		)
		defer c.Close()
		c.Open(testEndpoint)

		srv := acceptLogin(t, l)
		require.NoError(t, srv.Close())

		call := trap.MustWait(ctx)
		require.Equal(t, feed.DefaultRetryDelay, call.Duration)
		call.MustRelease(ctx)
		require.True(t, c.IsOpen(), "read loop stays alive between sessions")
		require.True(t, testutil.PromCounterHasValue(t, testutil.Gather(t, reg), 1, "aisrelay_feed_disconnects_total"))

		mClock.Advance(feed.DefaultRetryDelay).MustWait(ctx)
		srv = acceptLogin(t, l)
		writeLines(t, srv, "!AIVDM,1,1,,A,B52K>;h00Fc>jpUlNV@ikwpUoP06,0*4C")
		got := drainUntil(ctx, t, c, 1)
		require.Equal(t, "B52K>;h00Fc>jpUlNV@ikwpUoP06", got[0].Payload)
		require.Equal(t, 2, network.Dials())
	})

	t.Run("BoundedQueue", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		network := testutil.NewInProcNet()
		l, err := network.Listen("tcp", testEndpoint.Address())
		require.NoError(t, err)
		defer l.Close()

		reg := prometheus.NewRegistry()
		metrics, err := feed.NewMetrics(reg)
		require.NoError(t, err)

		c := feed.NewConn(
			feed.WithLogger(testutil.Logger(t)),
			feed.WithClock(quartz.NewMock(t)),
			feed.WithDialer(network),
			feed.WithMetrics(metrics),
			feed.WithQueueSize(1),
		)
		defer c.Close()
		c.Open(testEndpoint)

		srv := acceptLogin(t, l)
		writeLines(t, srv,
			"!ABVDM,1,1,0,B,13@p;@P0020hrRFPqG5EQUHHP00,0*5C",
			"!ABVDM,1,1,0,B,15RTgt0PAso;90TKcjM8h6g208CQ,0*7D",
			"!ABVDM,x,1,0,B,15RTgt0PAso;90TKcjM8h6g208CQ,0*7D",
			"!ABVDM,1,1,0,B,15RTgt0PAso;90TKcjM8h6g208CQ,0*7D",
		)
		testutil.Eventually(ctx, t, func(context.Context) bool {
			metrics := testutil.Gather(t, reg)
			return testutil.PromCounterHasValue(t, metrics, 4, "aisrelay_feed_lines_read_total")
		}, testutil.IntervalFast)

		metrics := testutil.Gather(t, reg)
		require.True(t, testutil.PromCounterHasValue(t, metrics, 1, "aisrelay_feed_lines_skipped_total"))
		require.True(t, testutil.PromCounterHasValue(t, metrics, 2, "aisrelay_feed_sentences_dropped_total"))
		got := c.Sentences()
		require.Len(t, got, 1)
		require.Equal(t, "13@p;@P0020hrRFPqG5EQUHHP00", got[0].Payload)
	})

	t.Run("CloseIsFinal", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		network := testutil.NewInProcNet()
		l, err := network.Listen("tcp", testEndpoint.Address())
		require.NoError(t, err)
		defer l.Close()

		c := feed.NewConn(
			feed.WithLogger(testutil.Logger(t)),
			feed.WithClock(quartz.NewMock(t)),
			feed.WithDialer(network),
		)
		c.Open(testEndpoint)
		srv := acceptLogin(t, l)

		c.Close()
		c.Close()
		testutil.Eventually(ctx, t, func(context.Context) bool {
			return !c.IsOpen()
		}, testutil.IntervalFast)

		// The peer sees the socket go away.
		_ = srv.SetReadDeadline(time.Now().Add(testutil.WaitShort))
		_, err = srv.Read(make([]byte, 1))
		require.Error(t, err)

		c.Open(testEndpoint)
		require.False(t, c.IsOpen())
	})
}
