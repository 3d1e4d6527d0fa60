// Package location records where tracked devices were seen. Captures are
// throttled per device and run off the discovery path.
package location

import (
	"context"
	"time"

	"ble-tracker.klederson.com/internal/timeutil"
)

// Fix is one captured position.
type Fix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Record is one row of the append-only location log.
type Record struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Locator captures the current position. Implementations must honor ctx.
type Locator interface {
	Capture(ctx context.Context) (Fix, error)
}

// Sink is the append-only write side of the location log.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// StaticLocator reports a fixed position, for hosts without a location
// service.
type StaticLocator struct {
	Latitude  float64
	Longitude float64
	Clock     timeutil.Clock
}

// Capture returns the configured coordinates stamped with the current time.
func (s StaticLocator) Capture(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return Fix{Latitude: s.Latitude, Longitude: s.Longitude, CapturedAt: clock.Now()}, nil
}
