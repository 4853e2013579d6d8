package testutil_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/aisrelay/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func TestEventually(t *testing.T) {
	t.Parallel()
	t.Run("OK", func(t *testing.T) {
		t.Parallel()
		state := 0
		condition := func(_ context.Context) bool {
			defer func() {
				state++
			}()
			return state > 2
		}
		ctx := testutil.Context(t, testutil.WaitShort)
		require.True(t, testutil.Eventually(ctx, t, condition, testutil.IntervalFast))
	})

	t.Run("Timeout", func(t *testing.T) {
		t.Parallel()
		condition := func(_ context.Context) bool {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), testutil.IntervalMedium)
		defer cancel()
		mockT := new(testing.T)
		assert.False(t, testutil.Eventually(ctx, mockT, condition, testutil.IntervalFast))
		assert.True(t, mockT.Failed())
	})

	t.Run("Panic", func(t *testing.T) {
		t.Parallel()

		panicky := func() {
			mockT := new(testing.T)
			condition := func(_ context.Context) bool { return true }
			testutil.Eventually(context.Background(), mockT, condition, testutil.IntervalFast)
		}
		assert.Panics(t, panicky)
	})
}

func TestInProcNet(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	_, err := n.DialContext(ctx, "tcp", "feed:1")
	require.Error(t, err)

	l, err := n.Listen("tcp", "feed:1")
	require.NoError(t, err)
	defer l.Close()
	_, err = n.Listen("tcp", "feed:1")
	require.Error(t, err)

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			_, err = c.Write([]byte("hi"))
			_ = c.Close()
		}
		accepted <- err
	}()
	c, err := n.DialContext(ctx, "tcp", "feed:1")
	require.NoError(t, err)
	defer c.Close()
	buf := make([]byte, 2)
	_, err = c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))
	require.NoError(t, testutil.RequireReceive(ctx, t, accepted))
	require.Equal(t, 2, n.Dials())
}
