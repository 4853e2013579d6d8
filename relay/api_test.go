package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/aisrelay/httpapi"
	"github.com/coder/aisrelay/pubsub"
	"github.com/coder/aisrelay/relay"
	"github.com/coder/aisrelay/testutil"
)

func do(ctx context.Context, t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestAPI(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	e := newEnv(t, envOptions{})
	srv := httptest.NewServer(e.relay.Handler())
	defer srv.Close()

	res := do(ctx, t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = do(ctx, t, http.MethodPost, srv.URL+"/api/v1/start", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, e.relay.Enabled())

	res = do(ctx, t, http.MethodPut, srv.URL+"/api/v1/config", relay.ConfigRequest{
		Settings: []relay.Setting{
			{Key: "HOME_FLAG_STATE", Value: "nor"},
			{Key: "onlyAisFromFishingVessels", Value: "true"},
		},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st relay.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	require.Equal(t, "NOR", st.Settings[relay.KeyHomeFlagState])
	require.Equal(t, "true", st.Settings[relay.KeyOnlyFishingVessels])
	require.True(t, st.Enabled)

	t.Run("UnknownSetting", func(t *testing.T) {
		res := do(ctx, t, http.MethodPut, srv.URL+"/api/v1/config", relay.ConfigRequest{
			Settings: []relay.Setting{{Key: "colour", Value: "blue"}},
		})
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
		var resp httpapi.Response
		require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
		require.Len(t, resp.Errors, 1)
		require.Equal(t, "colour", resp.Errors[0].Field)
	})

	t.Run("EmptySettings", func(t *testing.T) {
		res := do(ctx, t, http.MethodPut, srv.URL+"/api/v1/config", relay.ConfigRequest{})
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("InvalidValue", func(t *testing.T) {
		res := do(ctx, t, http.MethodPut, srv.URL+"/api/v1/config", relay.ConfigRequest{
			Settings: []relay.Setting{{Key: "port", Value: "many"}},
		})
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
		require.Equal(t, 4712, e.relay.Settings().Port)
	})

	t.Run("Status", func(t *testing.T) {
		res := do(ctx, t, http.MethodGet, srv.URL+"/api/v1/status", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		var st relay.Status
		require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
		require.True(t, st.Registered, "no registrar counts as registered")
		require.Equal(t, "********", st.Settings[relay.KeyPassword])
		require.Nil(t, st.PubsubLatency)
	})

	t.Run("Metrics", func(t *testing.T) {
		res := do(ctx, t, http.MethodGet, srv.URL+"/metrics", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.True(t, strings.Contains(string(body), "ais_knownfishingvessels_size 0"))
		require.True(t, strings.Contains(string(body), "aisrelay_relay_enabled 1"))
	})

	t.Run("NotFound", func(t *testing.T) {
		res := do(ctx, t, http.MethodGet, srv.URL+"/api/v2", nil)
		require.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	// Runs after the subtests above, which are not parallel.
	res = do(ctx, t, http.MethodPost, srv.URL+"/api/v1/stop", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.False(t, e.relay.Enabled())
}

func TestAPIPubsubLatency(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ps := pubsub.NewInMemory()
	defer ps.Close()
	e := newEnv(t, envOptions{pubsub: ps})
	srv := httptest.NewServer(e.relay.Handler())
	defer srv.Close()

	res := do(ctx, t, http.MethodGet, srv.URL+"/api/v1/status", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st relay.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	require.NotNil(t, st.PubsubLatency)
	require.Empty(t, st.PubsubLatency.Error)
	require.GreaterOrEqual(t, st.PubsubLatency.ReceiveSeconds, 0.0)
}
