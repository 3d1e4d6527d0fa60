package bluetooth

import "math"

// KalmanFilter is a one-dimensional Kalman filter for RSSI readings,
// modelling the signal as a constant with process noise.
type KalmanFilter struct {
	processNoise     float64 // R
	measurementNoise float64 // Q

	x           float64 // estimate
	cov         float64 // estimate uncertainty
	initialized bool
}

// NewKalmanFilter creates a filter with the given noise factors.
func NewKalmanFilter(processNoise, measurementNoise float64) *KalmanFilter {
	return &KalmanFilter{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
	}
}

// Filter folds one measurement into the estimate and returns it.
// Non-finite measurements are ignored and the previous estimate is returned.
func (f *KalmanFilter) Filter(z float64) float64 {
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return f.x
	}

	if !f.initialized {
		f.x = z
		f.cov = f.measurementNoise
		f.initialized = true
		return f.x
	}

	predCov := f.cov + f.processNoise
	gain := predCov / (predCov + f.measurementNoise)
	f.x += gain * (z - f.x)
	f.cov = predCov - gain*predCov
	return f.x
}

// Value returns the current estimate (zero before the first measurement).
func (f *KalmanFilter) Value() float64 {
	return f.x
}

// Gain returns the weight the next measurement will receive.
func (f *KalmanFilter) Gain() float64 {
	if !f.initialized {
		return 1
	}
	predCov := f.cov + f.processNoise
	return predCov / (predCov + f.measurementNoise)
}

// Smoother keeps one KalmanFilter per device. It is not safe for
// concurrent use; the Roster serializes access.
type Smoother struct {
	processNoise     float64
	measurementNoise float64
	filters          map[string]*KalmanFilter
}

// NewSmoother creates a Smoother whose filters use the given noise factors.
func NewSmoother(processNoise, measurementNoise float64) *Smoother {
	return &Smoother{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
		filters:          make(map[string]*KalmanFilter),
	}
}

// Filter smooths raw for the device, creating its filter on first use.
func (s *Smoother) Filter(id string, raw float64) float64 {
	f, ok := s.filters[id]
	if !ok {
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			return 0
		}
		f = NewKalmanFilter(s.processNoise, s.measurementNoise)
		s.filters[id] = f
	}
	return f.Filter(raw)
}

// Forget discards the filter state for id.
func (s *Smoother) Forget(id string) {
	delete(s.filters, id)
}

// Len returns the number of devices with filter state.
func (s *Smoother) Len() int {
	return len(s.filters)
}
