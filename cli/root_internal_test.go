package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/aisrelay/buildinfo"
	"github.com/coder/aisrelay/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func TestVersion(t *testing.T) {
	t.Parallel()

	t.Run("Human", func(t *testing.T) {
		t.Parallel()
		var stdout bytes.Buffer
		inv := (&RootCmd{}).Command().Invoke("version")
		inv.Stdout = &stdout
		require.NoError(t, inv.Run())
		require.Contains(t, stdout.String(), "aisrelay "+buildinfo.Version())
	})

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()
		var stdout bytes.Buffer
		inv := (&RootCmd{}).Command().Invoke("version", "--json")
		inv.Stdout = &stdout
		require.NoError(t, inv.Run())

		var out struct {
			Version string `json:"version"`
		}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
		require.Equal(t, buildinfo.Version(), out.Version)
	})
}
