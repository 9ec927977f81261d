package engine

import (
	"math"

	"waterguard/internal/config"
)

func isZero(t config.Thresholds, v float64) bool {
	return v <= t.ZeroConsumption
}

// approxEqual compares a against reference b with relative tolerance. A
// non-positive reference only matches a zero reading.
func approxEqual(t config.Thresholds, a, b float64) bool {
	if b <= 0 {
		return isZero(t, a)
	}
	return math.Abs(a-b)/b <= t.ConsumptionTolerance
}

// leakLevel reports whether real exceeds predicted by the leak ratio. The
// consumption floor keeps low-volume buildings from tripping on noise.
func leakLevel(t config.Thresholds, measured, predicted float64) bool {
	if measured < t.MinConsumptionForLeak {
		return false
	}
	return measured > predicted*t.LeakDetectionRatio
}

func muchHigher(t config.Thresholds, measured, predicted float64) bool {
	if predicted <= 0 {
		return measured > t.ZeroConsumption
	}
	return measured > predicted*t.HighConsumptionMultiplier
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func boolMetric(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
