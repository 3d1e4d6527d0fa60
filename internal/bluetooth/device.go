package bluetooth

import (
	"strings"
	"time"
)

// AdapterState is the power state reported by the radio adapter.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterPoweredOn
	AdapterPoweredOff
)

func (s AdapterState) String() string {
	switch s {
	case AdapterPoweredOn:
		return "PoweredOn"
	case AdapterPoweredOff:
		return "PoweredOff"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s AdapterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DiscoveryEvent is one scan observation. RSSI is in dBm; zero means the
// advertisement carried no signal reading.
type DiscoveryEvent struct {
	DeviceID     string
	Name         string // advertised local name
	Manufacturer string // label derived from manufacturer data
	RSSI         int16
	ObservedAt time.Time
}

// HasRSSI reports whether the event carries a signal reading.
func (e DiscoveryEvent) HasRSSI() bool {
	return e.RSSI != 0
}

// TrackedDevice is a roster entry.
type TrackedDevice struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	RSSI         float64   `json:"rssi"` // smoothed, dBm
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Bonded       bool      `json:"bonded"`
	Estimate     *Estimate `json:"estimate,omitempty"`
}

// DisplayName returns the device name, then the manufacturer label, or
// "[unnamed]" if both are empty.
func (d *TrackedDevice) DisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Manufacturer != "":
		return d.Manufacturer
	default:
		return "[unnamed]"
	}
}

// NormalizeID canonicalizes a device identifier (MAC addresses compare
// case-insensitively).
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
