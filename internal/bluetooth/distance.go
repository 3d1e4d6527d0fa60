package bluetooth

import (
	"math"

	"ble-tracker.klederson.com/internal/config"
)

// Estimate is the distance and normalized proximity derived from a
// smoothed signal.
type Estimate struct {
	DistanceMeters float64 `json:"distance_m"`
	Proximity      float64 `json:"proximity"` // [0, 1], 1 = closest
}

// Estimator maps smoothed RSSI to an Estimate using the log-distance path
// loss model. The calibration constants are tunable, not learned.
type Estimator struct {
	ReferenceRSSI    float64 // RSSI at 1 meter (dBm)
	PathLossExponent float64
}

// DefaultEstimator returns an Estimator with the built-in calibration.
func DefaultEstimator() Estimator {
	return Estimator{
		ReferenceRSSI:    config.ReferenceRSSI,
		PathLossExponent: config.PathLossExp,
	}
}

// Estimate returns the estimate for rssi. It reports false when rssi is
// zero or non-finite, in which case distance is undefined.
func (e Estimator) Estimate(rssi float64) (Estimate, bool) {
	if rssi == 0 || math.IsNaN(rssi) || math.IsInf(rssi, 0) {
		return Estimate{}, false
	}
	return Estimate{
		DistanceMeters: RSSIToDistance(rssi, e.ReferenceRSSI, e.PathLossExponent),
		Proximity:      Proximity(rssi),
	}, true
}

// RSSIToDistance estimates distance from RSSI using the log-distance path loss model.
// Formula: d = 10^((measuredPower - rssi) / (10 * n))
func RSSIToDistance(rssi, measuredPower, pathLossExp float64) float64 {
	return math.Pow(10, (measuredPower-rssi)/(10*pathLossExp))
}

// Proximity normalizes rssi linearly over the operating window and clamps
// the result to [0, 1].
func Proximity(rssi float64) float64 {
	p := (rssi - config.ProximityFar) / (config.ProximityNear - config.ProximityFar)
	return math.Max(0, math.Min(1, p))
}
