package ais_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/aisrelay/ais"
)

func mustBits(t *testing.T, payload string) ais.Bits {
	t.Helper()
	b, ok := ais.ArmorToBits(payload)
	require.True(t, ok, "payload %q not decodable", payload)
	return b
}

// armor encodes a string of '0' and '1' back into payload characters.
func armor(bits string) string {
	for len(bits)%6 != 0 {
		bits += "0"
	}
	var sb strings.Builder
	for i := 0; i < len(bits); i += 6 {
		var v byte
		for _, c := range bits[i : i+6] {
			v = v<<1 | byte(c-'0')
		}
		c := v + 48
		if c > 87 {
			c += 8
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// setField overwrites bits [start:end) with the two's complement of v.
func setField(bits string, start, end int, v int64) string {
	width := end - start
	u := uint64(v) & (1<<uint(width) - 1)
	field := fmt.Sprintf("%0*b", width, u)
	return bits[:start] + field + bits[end:]
}

func TestArmorToBits(t *testing.T) {
	t.Parallel()

	t.Run("UnsupportedLeader", func(t *testing.T) {
		t.Parallel()
		_, ok := ais.ArmorToBits("A5RTgt0PAso;90TKcjM8h6g208CQ")
		require.False(t, ok)
		_, ok = ais.ArmorToBits("")
		require.False(t, ok)
	})

	t.Run("StopsAtFillBits", func(t *testing.T) {
		t.Parallel()
		b := mustBits(t, "15RTgt0PAso;90TKcjM8h6g208CQ,0*4A")
		require.Equal(t, 168, b.Len())
	})

	t.Run("ShortRead", func(t *testing.T) {
		t.Parallel()
		b := mustBits(t, "15")
		_, err := b.Uint(8, 38)
		require.ErrorIs(t, err, ais.ErrShortPayload)
	})
}

func TestDecodeMessageType(t *testing.T) {
	t.Parallel()

	for payload, want := range map[string]ais.MessageType{
		"15RTgt0PAso;90TKcjM8h6g208CQ":      ais.MessageTypePosition123,
		"25Cjtd0Oj;Jp7ilG7=UkKBoB0<06":      ais.MessageTypePosition123,
		"38Id705000rRVJhE7cl9n;160000":      ais.MessageTypePosition123,
		"B52K>;h00Fc>jpUlNV@ikwpUoP06":      ais.MessageTypePosition18,
		"55?MbV02;H;s<HtKR20EHE:0@T4@Dn222": ais.MessageTypeStatic5,
		"H42O55i18tMET00000000000000":       ais.MessageTypeStatic24,
	} {
		require.Equal(t, want, ais.DecodeMessageType(mustBits(t, payload)), payload)
	}
}

func TestDecodePosition123(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 30, 50, 0, time.UTC)

	tests := []struct {
		name     string
		payload  string
		mmsi     string
		flag     string
		lat, lon float64
		heading  int
		speed    float64
		accuracy int
		second   int
	}{
		{"Type1", "15RTgt0PAso;90TKcjM8h6g208CQ,0*4A", "371798000", "PAN", 48.38163333333333, -123.39538333333333, 215, 12.3, 1, 33},
		{"Type2", "25Cjtd0Oj;Jp7ilG7=UkKBoB0<06", "356302000", "PAN", 40.39235833333333, -71.62614333333333, 91, 13.9, 0, 41},
		{"Type3", "38Id705000rRVJhE7cl9n;160000", "563808000", "SGP", 36.91, -76.32753333333334, 352, 0, 1, 35},
		{"Danish", "13@p;@P0020hrRFPqG5EQUHHP00,0*5C", "219024194", "DNK", 57.490381666666664, 10.685565, 172, 0.2, 0, 12},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, ok, err := ais.DecodePosition123(mustBits(t, tc.payload), time.Time{}, now)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.mmsi, rec.MMSI)
			assert.Equal(t, tc.flag, rec.FlagState)
			assert.InDelta(t, tc.lat, rec.Latitude, 1e-9)
			assert.InDelta(t, tc.lon, rec.Longitude, 1e-9)
			assert.Equal(t, tc.heading, rec.TrueHeadingDeg)
			require.NotNil(t, rec.SpeedKnots)
			assert.InDelta(t, tc.speed, *rec.SpeedKnots, 1e-9)
			assert.Equal(t, tc.accuracy, rec.PositionAccuracy)
			assert.Equal(t, tc.second, rec.PositionTime.Second())
			assert.Nil(t, rec.ReceiveTime)
		})
	}
}

func TestDecodePositionWithReceiveTime(t *testing.T) {
	t.Parallel()

	t.Run("Type1", func(t *testing.T) {
		t.Parallel()
		receive := time.Unix(1652227200, 0)
		rec, ok, err := ais.DecodePosition123(mustBits(t, "15RTgt0PAso;90TKcjM8h6g208CQ,0*4A"), receive, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, time.Unix(1652227200-60+33, 0).UTC(), rec.PositionTime)
		require.NotNil(t, rec.ReceiveTime)
		require.True(t, receive.Equal(*rec.ReceiveTime))
	})

	t.Run("Type18", func(t *testing.T) {
		t.Parallel()
		receive := time.Unix(1653900489, 0)
		rec, ok, err := ais.DecodePosition18(mustBits(t, "B52K>;h00Fc>jpUlNV@ikwpUoP06,0*4C"), receive, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 49, rec.PositionTime.Second())
		require.Equal(t, time.Unix(1653900480-60+49, 0).UTC(), rec.PositionTime)
	})
}

func TestDecodePosition18(t *testing.T) {
	t.Parallel()

	rec, ok, err := ais.DecodePosition18(mustBits(t, "B52K>;h00Fc>jpUlNV@ikwpUoP06,0*4C"), time.Time{}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "338087471", rec.MMSI)
	require.Equal(t, "USA", rec.FlagState)
	require.InDelta(t, 40.68454, rec.Latitude, 1e-9)
	require.InDelta(t, -74.07213166666666, rec.Longitude, 1e-9)
	require.Equal(t, 0, rec.PositionAccuracy)
	require.Equal(t, 18, rec.MessageID)
}

func TestDecodePositionNotAvailable(t *testing.T) {
	t.Parallel()

	base := mustBits(t, "15RTgt0PAso;90TKcjM8h6g208CQ").String()

	t.Run("Longitude", func(t *testing.T) {
		t.Parallel()
		payload := armor(setField(base, 61, 89, 181*600000))
		_, ok, err := ais.DecodePosition123(mustBits(t, payload), time.Time{}, time.Now())
		require.NoError(t, err)
		require.False(t, ok)

		report, err := ais.Decode(payload, time.Time{}, time.Now())
		require.NoError(t, err)
		require.Nil(t, report.Movement)
	})

	t.Run("Latitude", func(t *testing.T) {
		t.Parallel()
		payload := armor(setField(base, 89, 116, 91*600000))
		_, ok, err := ais.DecodePosition123(mustBits(t, payload), time.Time{}, time.Now())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("Speed", func(t *testing.T) {
		t.Parallel()
		payload := armor(setField(base, 50, 60, 1023))
		rec, ok, err := ais.DecodePosition123(mustBits(t, payload), time.Time{}, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		require.Nil(t, rec.SpeedKnots)
	})
}

func TestDecodeStatic5(t *testing.T) {
	t.Parallel()

	rec, err := ais.DecodeStatic5(mustBits(t, "55?MbV02;H;s<HtKR20EHE:0@T4@Dn2222222216L961O5Gf0NSQEp6ClRp8"))
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(ais.VesselStaticRecord{
		MMSI:      "351759000",
		Name:      "EVER DIADEM",
		Callsign:  "3FOF8",
		ShipType:  "Cargo",
		FlagState: "PAN",
		UpdatedBy: "AIS Message Type 5",
	}, rec))

	fishing, err := ais.DecodeStatic5(mustBits(t, "5CpuqR029m2U<pLP00084i@T<40000000000000N1HN814lf0<1i6CR@@PC52@ii6CR@@00"))
	require.NoError(t, err)
	require.Equal(t, "261061000", fishing.MMSI)
	require.Equal(t, ais.ShipTypeFishing, fishing.ShipType)

	_, err = ais.DecodeStatic5(mustBits(t, "55?MbV02;H;s<HtKR20EHE"))
	require.ErrorIs(t, err, ais.ErrShortPayload)
}

func TestDecodeStatic24(t *testing.T) {
	t.Parallel()

	partA, err := ais.DecodeStatic24(mustBits(t, "H42O55i18tMET00000000000000,2*6D"))
	require.NoError(t, err)
	require.Equal(t, "271041815", partA.MMSI)
	require.Equal(t, "PROGUY", partA.Name)
	require.Empty(t, partA.Callsign)
	require.Empty(t, partA.FlagState)

	partB, err := ais.DecodeStatic24(mustBits(t, "H42O55lti4hhhilD3nink000?050,0*40"))
	require.NoError(t, err)
	require.Equal(t, "271041815", partB.MMSI)
	require.Equal(t, "TC6163", partB.Callsign)
	require.Equal(t, "Passenger", partB.ShipType)
	require.Equal(t, "TUR", partB.FlagState)
	require.Empty(t, partB.Name)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	report, err := ais.Decode("Z000000", time.Time{}, time.Now())
	require.NoError(t, err)
	require.Equal(t, ais.MessageTypeUnknown, report.Type)

	report, err = ais.Decode("B52K>;h00Fc>jpUlNV@ikwpUoP06,0*4C", time.Time{}, time.Now())
	require.NoError(t, err)
	require.Equal(t, ais.MessageTypePosition18, report.Type)
	require.NotNil(t, report.Movement)
	require.Nil(t, report.Static)

	report, err = ais.Decode("H42O55i18tMET00000000000000,2*6D", time.Time{}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, report.Static)

	_, err = ais.Decode("15RTgt0PAso", time.Time{}, time.Now())
	require.Error(t, err)
}
