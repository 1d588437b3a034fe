package codec_test

import (
	"testing"

	"codeberg.org/mutker/bmcfanctl/internal/codec"
	"github.com/stretchr/testify/assert"
)

func TestPercentToRaw(t *testing.T) {
	tests := []struct {
		name    string
		percent int
		want    int
	}{
		{"zero maps to raw floor", 0, 1},
		{"full scale", 100, 255},
		{"midpoint rounds half-up", 50, 128},
		{"seventy-three percent", 73, 186},
		{"one percent", 1, 3},
		{"negative input clamped", -10, 1},
		{"overscale input clamped", 140, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codec.PercentToRaw(tt.percent))
		})
	}
}

func TestRawToPercent(t *testing.T) {
	tests := []struct {
		name string
		raw  int
		want int
	}{
		{"below floor is off", 0, 0},
		{"negative is off", -5, 0},
		{"floor value", 1, 0},
		{"full scale", 255, 100},
		{"seventy-three percent raw", 186, 73},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codec.RawToPercent(tt.raw))
		})
	}
}

// The raw scale has 255 steps against 100 percent steps, so an exact
// round-trip is impossible for every value; the error must stay within
// one percent.
func TestRoundTripWithinOnePercent(t *testing.T) {
	for p := 0; p <= 100; p++ {
		got := codec.RawToPercent(codec.PercentToRaw(p))
		diff := got - p
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqualf(t, diff, 1, "round trip of %d%% drifted to %d%%", p, got)
	}
}

func TestPercentToRawMonotonic(t *testing.T) {
	prev := codec.PercentToRaw(0)
	for p := 1; p <= 100; p++ {
		cur := codec.PercentToRaw(p)
		assert.GreaterOrEqualf(t, cur, prev, "raw value decreased at %d%%", p)
		prev = cur
	}
}

func TestMinFloor(t *testing.T) {
	tests := []struct {
		name       string
		maxRaw     int
		hysteresis int
		want       int
	}{
		{"normal band", 186, 4, 182},
		{"floor never below one", 3, 10, 1},
		{"zero hysteresis", 200, 0, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codec.MinFloor(tt.maxRaw, tt.hysteresis))
		})
	}
}

func TestMinFloorBounds(t *testing.T) {
	for p := 0; p <= 100; p++ {
		raw := codec.PercentToRaw(p)
		floor := codec.MinFloor(raw, 4)
		assert.GreaterOrEqual(t, floor, 1)
		assert.LessOrEqual(t, floor, raw)
	}
}
