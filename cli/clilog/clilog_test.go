package clilog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/aisrelay/cli/clilog"
	"github.com/coder/aisrelay/testutil"
	"github.com/coder/serpent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func invocation() (*serpent.Invocation, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	inv := (&serpent.Command{Use: "test"}).Invoke()
	inv.Stdout = &stdout
	inv.Stderr = &stderr
	return inv, &stdout, &stderr
}

func TestBuilder(t *testing.T) {
	t.Parallel()

	t.Run("NoConfiguration", func(t *testing.T) {
		t.Parallel()
		inv, _, _ := invocation()
		_, _, err := clilog.New().Build(inv)
		require.Error(t, err)
	})

	t.Run("HumanStderr", func(t *testing.T) {
		t.Parallel()
		inv, _, stderr := invocation()
		logger, closeLog, err := clilog.New(clilog.WithHuman("/dev/stderr")).Build(inv)
		require.NoError(t, err)
		defer closeLog()

		logger.Info(context.Background(), "feed enabled")
		logger.Debug(context.Background(), "hidden without verbose")
		require.Contains(t, stderr.String(), "feed enabled")
		require.NotContains(t, stderr.String(), "hidden without verbose")
	})

	t.Run("JSONStdout", func(t *testing.T) {
		t.Parallel()
		inv, stdout, _ := invocation()
		logger, closeLog, err := clilog.New(clilog.WithJSON("/dev/stdout"), clilog.WithVerbose()).Build(inv)
		require.NoError(t, err)
		defer closeLog()

		logger.Debug(context.Background(), "processed batch")
		var entry map[string]any
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &entry))
		require.Equal(t, "processed batch", entry["msg"])
	})

	t.Run("Filter", func(t *testing.T) {
		t.Parallel()
		inv, _, stderr := invocation()
		logger, closeLog, err := clilog.New(clilog.WithHuman("/dev/stderr"), clilog.WithFilter("feed")).Build(inv)
		require.NoError(t, err)
		defer closeLog()

		ctx := context.Background()
		logger.Named("feed").Debug(ctx, "line read")
		logger.Named("processor").Debug(ctx, "decoded report")
		logger.Named("processor").Info(ctx, "processed batch")
		out := stderr.String()
		require.Contains(t, out, "line read")
		require.NotContains(t, out, "decoded report")
		require.Contains(t, out, "processed batch")
	})

	t.Run("BadFilter", func(t *testing.T) {
		t.Parallel()
		inv, _, _ := invocation()
		_, _, err := clilog.New(clilog.WithHuman("/dev/stderr"), clilog.WithFilter("(")).Build(inv)
		require.Error(t, err)
	})

	t.Run("File", func(t *testing.T) {
		t.Parallel()
		inv, _, _ := invocation()
		path := filepath.Join(t.TempDir(), "relay.log")
		logger, closeLog, err := clilog.New(clilog.WithJSON(path)).Build(inv)
		require.NoError(t, err)
		logger.Info(context.Background(), "written to file")
		closeLog()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.True(t, strings.Contains(string(data), "written to file"))

		// Writes after close are rejected rather than reopening the file.
		w := clilog.RotatingFile(path)
		require.NoError(t, w.Close())
		_, err = w.Write([]byte("late"))
		require.Error(t, err)
	})
}
