package config

import "time"

const (
	// RSSI to distance estimation
	ReferenceRSSI = -60.0 // RSSI at 1 meter (dBm)
	PathLossExp   = 2.5   // Path loss exponent (N)

	// Proximity window (dBm)
	ProximityFar  = -100.0
	ProximityNear = -50.0

	// Kalman smoothing
	ProcessNoise     = 0.008
	MeasurementNoise = 4.0

	// Device management
	DeviceTimeout = 15 * time.Second // Remove devices not seen for this long
	EvictInterval = 1 * time.Second  // How often to run eviction

	// Connection reconciliation
	ProbeTimeout = 2 * time.Second // Per-probe bound

	// Location logging
	LocationInterval       = 300 * time.Second // At most one record per device per window
	LocationCaptureTimeout = 10 * time.Second
	LocationDBPath         = "locations.db"

	// UI
	TargetFPS        = 10 // Roster refresh rate for the terminal view
	ConnPollInterval = 5 * time.Second
	HistoryLen       = 60 // RSSI samples kept per device for the sparkline

	// Demo mode
	DemoDeviceMin = 8  // Minimum fake devices
	DemoDeviceMax = 12 // Maximum fake devices

	// App
	AppName    = "BLE-TRACKER"
	AppVersion = "1.0"
)
