package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BLE_TRACKER_LOG_LEVEL.
const EnvPrefix = "BLE_TRACKER"

// Location providers.
const (
	ProviderGeoClue = "geoclue"
	ProviderStatic  = "static"
)

// Config is the runtime configuration assembled from defaults, an optional
// config file, the environment and command line flags.
type Config struct {
	Adapter  string
	Demo     bool
	Headless bool
	HTTPAddr string

	LogLevel string
	LogFile  string

	Tracking   Tracking
	Distance   Distance
	Connection Connection
	Location   Location
}

// Tracking tunes the roster and its smoother.
type Tracking struct {
	StaleTimeout     time.Duration
	SweepInterval    time.Duration
	ProcessNoise     float64
	MeasurementNoise float64
}

// Distance holds the path-loss calibration.
type Distance struct {
	ReferenceRSSI    float64
	PathLossExponent float64
}

// Connection tunes the reconciler.
type Connection struct {
	ProbeTimeout time.Duration
}

// Location configures the throttled location logger.
type Location struct {
	Enabled        bool
	Interval       time.Duration
	CaptureTimeout time.Duration
	DBPath         string
	Provider       string
	Latitude       float64
	Longitude      float64
	Devices        []string
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("adapter", "hci0")
	v.SetDefault("demo", false)
	v.SetDefault("headless", false)
	v.SetDefault("http.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("tracking.stale_timeout", DeviceTimeout)
	v.SetDefault("tracking.sweep_interval", EvictInterval)
	v.SetDefault("tracking.process_noise", ProcessNoise)
	v.SetDefault("tracking.measurement_noise", MeasurementNoise)

	v.SetDefault("distance.reference_rssi", ReferenceRSSI)
	v.SetDefault("distance.path_loss_exponent", PathLossExp)

	v.SetDefault("connection.probe_timeout", ProbeTimeout)

	v.SetDefault("location.enabled", false)
	v.SetDefault("location.interval", LocationInterval)
	v.SetDefault("location.capture_timeout", LocationCaptureTimeout)
	v.SetDefault("location.db_path", LocationDBPath)
	v.SetDefault("location.provider", ProviderGeoClue)
	v.SetDefault("location.latitude", 0.0)
	v.SetDefault("location.longitude", 0.0)
	v.SetDefault("location.devices", []string{})
}

// Load reads the config file (if path is non-empty) and environment into v
// and decodes the result. Flags must already be bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Adapter:  v.GetString("adapter"),
		Demo:     v.GetBool("demo"),
		Headless: v.GetBool("headless"),
		HTTPAddr: v.GetString("http.addr"),
		LogLevel: v.GetString("log.level"),
		LogFile:  v.GetString("log.file"),
		Tracking: Tracking{
			StaleTimeout:     v.GetDuration("tracking.stale_timeout"),
			SweepInterval:    v.GetDuration("tracking.sweep_interval"),
			ProcessNoise:     v.GetFloat64("tracking.process_noise"),
			MeasurementNoise: v.GetFloat64("tracking.measurement_noise"),
		},
		Distance: Distance{
			ReferenceRSSI:    v.GetFloat64("distance.reference_rssi"),
			PathLossExponent: v.GetFloat64("distance.path_loss_exponent"),
		},
		Connection: Connection{
			ProbeTimeout: v.GetDuration("connection.probe_timeout"),
		},
		Location: Location{
			Enabled:        v.GetBool("location.enabled"),
			Interval:       v.GetDuration("location.interval"),
			CaptureTimeout: v.GetDuration("location.capture_timeout"),
			DBPath:         v.GetString("location.db_path"),
			Provider:       strings.ToLower(v.GetString("location.provider")),
			Latitude:       v.GetFloat64("location.latitude"),
			Longitude:      v.GetFloat64("location.longitude"),
			Devices:        v.GetStringSlice("location.devices"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Tracking.StaleTimeout <= 0 {
		errs = append(errs, errors.New("tracking.stale_timeout must be positive"))
	}
	if c.Tracking.SweepInterval <= 0 {
		errs = append(errs, errors.New("tracking.sweep_interval must be positive"))
	}
	if c.Tracking.ProcessNoise <= 0 || c.Tracking.MeasurementNoise <= 0 {
		errs = append(errs, errors.New("tracking noise factors must be positive"))
	}
	if c.Distance.PathLossExponent <= 0 {
		errs = append(errs, errors.New("distance.path_loss_exponent must be positive"))
	}
	if c.Connection.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("connection.probe_timeout must be positive"))
	}
	if c.Location.Enabled {
		if c.Location.Interval <= 0 || c.Location.CaptureTimeout <= 0 {
			errs = append(errs, errors.New("location durations must be positive"))
		}
		switch c.Location.Provider {
		case ProviderGeoClue, ProviderStatic:
		default:
			errs = append(errs, fmt.Errorf("unknown location.provider %q", c.Location.Provider))
		}
		if c.Location.DBPath == "" {
			errs = append(errs, errors.New("location.db_path is required"))
		}
	}
	return errors.Join(errs...)
}
