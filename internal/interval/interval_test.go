package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMs(t *testing.T) {
	tests := []struct {
		code string
		want int64
	}{
		{"1m", 60_000},
		{"3m", 180_000},
		{"5m", 300_000},
		{"15m", 900_000},
		{"30m", 1_800_000},
		{"1h", 3_600_000},
		{"2h", 7_200_000},
		{"4h", 14_400_000},
		{"6h", 21_600_000},
		{"8h", 28_800_000},
		{"12h", 43_200_000},
		{"1d", 86_400_000},
		{"3d", 259_200_000},
		{"1w", 604_800_000},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ms, err := Ms(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ms)
			assert.True(t, IsSupported(tt.code))
		})
	}
}

func TestMsRejectsUnknownCodes(t *testing.T) {
	for _, code := range []string{"", "2w", "1M", "60m", "1H", " 1h", "7d"} {
		t.Run("code="+code, func(t *testing.T) {
			_, err := Ms(code)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unsupported interval")
			assert.False(t, IsSupported(code))
		})
	}
}

func TestSupportedIsACopy(t *testing.T) {
	got := Supported()
	require.Len(t, got, 14)
	assert.Equal(t, "1m", got[0])
	assert.Equal(t, "1w", got[len(got)-1])

	got[0] = "mutated"
	assert.Equal(t, "1m", Supported()[0])
}

func TestFloor(t *testing.T) {
	const hour = int64(3_600_000)

	tests := []struct {
		name string
		ts   int64
		step int64
		want int64
	}{
		{"exact boundary", 7_200_000, hour, 7_200_000},
		{"mid bar", 7_199_999, hour, 3_600_000},
		{"one past boundary", 7_200_001, hour, 7_200_000},
		{"zero", 0, hour, 0},
		{"negative mid bar floors down", -1, hour, -hour},
		{"negative boundary", -hour, hour, -hour},
		{"minute step", 1_634_567_890_123, 60_000, 1_634_567_880_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Floor(tt.ts, tt.step))
		})
	}
}

func TestFloorPanicsOnNonPositiveStep(t *testing.T) {
	assert.Panics(t, func() { Floor(1000, 0) })
	assert.Panics(t, func() { Floor(1000, -60_000) })
}

func TestApprox(t *testing.T) {
	tests := []struct {
		name string
		ms   int64
		want string
	}{
		{"zero", 0, "0s"},
		{"sub second", 250, "250ms"},
		{"seconds", 45_000, "45s"},
		{"minutes", 2_700_000, "45m"},
		{"hours and minutes", 3_660_000, "1h1m"},
		{"exact hours", 10_800_000, "3h"},
		{"days and hours", 187_200_000, "2d4h"},
		{"weeks and days", 777_600_000, "1w2d"},
		{"skips empty middle unit", 605_400_000, "1w10m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Approx(tt.ms))
		})
	}
}
