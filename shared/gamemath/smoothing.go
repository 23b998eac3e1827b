package gamemath

import "math"

// WrapToPi normalizes an angle in radians into (-π, π].
func WrapToPi(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// AngleDiff returns the signed shortest rotation from -> to, in (-π, π].
func AngleDiff(from, to float64) float64 {
	return WrapToPi(to - from)
}

// SmoothingFactor returns the frame-rate independent blend weight for
// exponential smoothing: min(1, dt*rate). Non-positive dt yields 0.
func SmoothingFactor(dt, rate float64) float64 {
	if dt <= 0 || rate <= 0 {
		return 0
	}
	return math.Min(1, dt*rate)
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
