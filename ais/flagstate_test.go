package ais_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/aisrelay/ais"
)

func TestFlagState(t *testing.T) {
	t.Parallel()

	for mmsi, want := range map[string]string{
		"265789456":  "SWE",
		"826500702":  "SWE",
		"0026500702": "SWE",
		"03699999":   "USA",
		"111257456":  "NOR",
		"970257456":  "NOR",
		"992572500":  "NOR",
		"982574565":  "NOR",
		"371798000":  "PAN",

		"":      ais.FlagStateUnknown,
		"9":     ais.FlagStateUnknown,
		"98":    ais.FlagStateUnknown,
		"826":   ais.FlagStateUnknown,
		"9825":  ais.FlagStateUnknown,
		"00222": ais.FlagStateUnknown,
	} {
		require.Equal(t, want, ais.FlagState(mmsi), "mmsi %q", mmsi)
	}
	require.Equal(t, "ERR", ais.FlagState("9"))
}

func TestMID(t *testing.T) {
	t.Parallel()

	mid, ok := ais.MID("970257456")
	require.True(t, ok)
	require.Equal(t, "257", mid)

	// Too short for the SAR format, so the first three digits are used.
	mid, ok = ais.MID("97025")
	require.True(t, ok)
	require.Equal(t, "970", mid)

	_, ok = ais.MID("26")
	require.False(t, ok)
}

func TestReconstructTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 30, 20, 500, time.UTC)

	t.Run("SameMinute", func(t *testing.T) {
		t.Parallel()
		got := ais.ReconstructTimestamp(10, time.Time{}, now)
		require.Equal(t, time.Date(2024, 3, 1, 12, 30, 10, 0, time.UTC), got)
	})

	t.Run("PreviousMinute", func(t *testing.T) {
		t.Parallel()
		got := ais.ReconstructTimestamp(45, time.Time{}, now)
		require.Equal(t, time.Date(2024, 3, 1, 12, 29, 45, 0, time.UTC), got)
	})

	t.Run("NotAvailable", func(t *testing.T) {
		t.Parallel()
		got := ais.ReconstructTimestamp(60, time.Time{}, now)
		require.Equal(t, time.Date(2024, 3, 1, 12, 30, 20, 0, time.UTC), got)
	})

	t.Run("ReceiveTimeWins", func(t *testing.T) {
		t.Parallel()
		receive := time.Date(2022, 5, 11, 0, 0, 5, 0, time.UTC)
		got := ais.ReconstructTimestamp(3, receive, now)
		require.Equal(t, time.Date(2022, 5, 11, 0, 0, 3, 0, time.UTC), got)
	})
}

func TestShipTypeCategory(t *testing.T) {
	t.Parallel()

	require.Equal(t, ais.ShipTypeFishing, ais.ShipTypeCategory(30))
	require.Equal(t, "Cargo", ais.ShipTypeCategory(79))
	require.Equal(t, "Tanker", ais.ShipTypeCategory(80))
	require.Empty(t, ais.ShipTypeCategory(0))
	require.Empty(t, ais.ShipTypeCategory(255))
}
