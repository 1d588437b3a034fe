// Package codec converts between the 0-100 percent domain used by callers
// and the controller's native 1-255 raw duty-cycle domain.
package codec

const (
	// RawMin is the lowest raw value the controller accepts. A literal 0
	// means "fan off" on some firmware and must never be sent through the
	// percent path.
	RawMin = 1
	// RawMax is the highest raw duty-cycle value.
	RawMax = 255

	percentMin = 0
	percentMax = 100
)

// PercentToRaw converts a percent value to the raw duty-cycle domain.
// Rounding is half-up; the result is clamped to [RawMin, RawMax].
func PercentToRaw(percent int) int {
	p := clamp(percent, percentMin, percentMax)
	raw := (p*RawMax + percentMax/2) / percentMax

	return clamp(raw, RawMin, RawMax)
}

// RawToPercent converts a raw duty-cycle value back to percent. Values
// below RawMin map to 0. Note that 255 does not evenly divide 100, so
// RawToPercent(PercentToRaw(p)) may differ from p by one at resolution
// boundaries.
func RawToPercent(raw int) int {
	if raw < RawMin {
		return 0
	}

	p := (raw*percentMax + RawMax/2) / RawMax

	return clamp(p, percentMin, percentMax)
}

// MinFloor returns the low-bound companion for a raw "max" setpoint. The
// controller holds speed inside the [min, max] band, so the floor sits
// hysteresisSteps below the ceiling instead of at an exact fixed point.
func MinFloor(maxRaw, hysteresisSteps int) int {
	return clamp(maxRaw-hysteresisSteps, RawMin, RawMax)
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}

	if value > maxValue {
		return maxValue
	}

	return value
}
