package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/aisrelay/relay"
	"github.com/coder/aisrelay/testutil"
)

type orchestrator struct {
	mu            sync.Mutex
	failures      int
	registrations []relay.Registration
	unregistered  []string
}

func (o *orchestrator) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		if o.failures > 0 {
			o.failures--
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var reg relay.Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		o.registrations = append(o.registrations, reg)
		rw.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		o.unregistered = append(o.unregistered, r.URL.Path)
		rw.WriteHeader(http.StatusNoContent)
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (o *orchestrator) snapshot() ([]relay.Registration, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]relay.Registration(nil), o.registrations...), append([]string(nil), o.unregistered...)
}

func TestRegistrar(t *testing.T) {
	t.Parallel()

	t.Run("RetriesUntilAccepted", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		o := &orchestrator{failures: 2}
		srv := httptest.NewServer(o)
		defer srv.Close()

		r, err := relay.NewRegistrar(relay.RegistrarOptions{
			Logger:   testutil.Logger(t),
			URL:      srv.URL + "/plugins",
			Interval: time.Millisecond,
		})
		require.NoError(t, err)

		err = r.Register(ctx, relay.Registration{Name: "ais", Settings: map[string]string{"host": "x"}})
		require.NoError(t, err)
		require.True(t, r.Registered())
		require.Equal(t, 3, r.Attempts())

		require.NoError(t, r.Unregister(ctx, "ais"))
		require.False(t, r.Registered())
		regs, unregs := o.snapshot()
		require.Len(t, regs, 1)
		require.Equal(t, "x", regs[0].Settings["host"])
		require.Equal(t, []string{"/plugins/ais"}, unregs)
	})

	t.Run("GivesUp", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		o := &orchestrator{failures: 100}
		srv := httptest.NewServer(o)
		defer srv.Close()

		r, err := relay.NewRegistrar(relay.RegistrarOptions{
			Logger:      testutil.Logger(t),
			URL:         srv.URL,
			Interval:    time.Millisecond,
			MaxAttempts: 3,
		})
		require.NoError(t, err)

		err = r.Register(ctx, relay.Registration{Name: "ais"})
		require.Error(t, err)
		require.False(t, r.Registered())
		require.Equal(t, 3, r.Attempts())

		// Nothing to withdraw.
		require.NoError(t, r.Unregister(ctx, "ais"))
		_, unregs := o.snapshot()
		require.Empty(t, unregs)
	})

	t.Run("InvalidURL", func(t *testing.T) {
		t.Parallel()
		_, err := relay.NewRegistrar(relay.RegistrarOptions{URL: "ftp://example.com"})
		require.Error(t, err)
	})
}

func TestRelayRegisters(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	o := &orchestrator{}
	srv := httptest.NewServer(o)
	defer srv.Close()

	registrar, err := relay.NewRegistrar(relay.RegistrarOptions{
		Logger:   testutil.Logger(t),
		URL:      srv.URL,
		Interval: time.Millisecond,
	})
	require.NoError(t, err)
	e := newEnv(t, envOptions{registrar: registrar})

	testutil.Eventually(ctx, t, func(context.Context) bool {
		return e.relay.Registered()
	}, testutil.IntervalFast)
	regs, _ := o.snapshot()
	require.Equal(t, relay.DefaultPluginName, regs[0].Name)
	require.Equal(t, "********", regs[0].Settings[relay.KeyPassword])

	require.NoError(t, e.relay.Close())
	_, unregs := o.snapshot()
	require.Equal(t, []string{"/" + relay.DefaultPluginName}, unregs)
}
