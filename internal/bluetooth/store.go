package bluetooth

import (
	"context"
	"sort"
	"sync"
	"time"

	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/logger"
	"ble-tracker.klederson.com/internal/timeutil"
)

// Roster is the thread-safe set of tracked devices. Ingest and Sweep share
// one lock, so scan callbacks and the eviction timer never race.
type Roster struct {
	mu        sync.RWMutex
	devices   map[string]*TrackedDevice
	smoother  *Smoother
	bonded    map[string]bool
	estimator Estimator
	timeout   time.Duration
	clock     timeutil.Clock
	log       *logger.Logger
}

// RosterOption configures a Roster.
type RosterOption func(*Roster)

// WithClock sets the time source used for lastSeen and eviction.
func WithClock(c timeutil.Clock) RosterOption {
	return func(r *Roster) { r.clock = c }
}

// WithTimeout sets the staleness timeout.
func WithTimeout(d time.Duration) RosterOption {
	return func(r *Roster) { r.timeout = d }
}

// WithNoise sets the smoother's process and measurement noise factors.
func WithNoise(process, measurement float64) RosterOption {
	return func(r *Roster) { r.smoother = NewSmoother(process, measurement) }
}

// WithEstimator sets the distance calibration.
func WithEstimator(e Estimator) RosterOption {
	return func(r *Roster) { r.estimator = e }
}

// WithLogger sets the roster logger.
func WithLogger(l *logger.Logger) RosterOption {
	return func(r *Roster) { r.log = l }
}

// NewRoster creates an empty Roster with default tuning.
func NewRoster(opts ...RosterOption) *Roster {
	r := &Roster{
		devices:   make(map[string]*TrackedDevice),
		smoother:  NewSmoother(config.ProcessNoise, config.MeasurementNoise),
		bonded:    make(map[string]bool),
		estimator: DefaultEstimator(),
		timeout:   config.DeviceTimeout,
		clock:     timeutil.RealClock{},
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ingest applies one discovery event. Events without an advertised name never
// create a record, even when they carry a manufacturer label; they only
// refresh an existing one.
func (r *Roster) Ingest(ev DiscoveryEvent) {
	id := NormalizeID(ev.DeviceID)
	if id == "" {
		r.log.Debugw("dropped event without device id")
		return
	}

	seen := ev.ObservedAt
	if seen.IsZero() {
		seen = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[id]; ok {
		if seen.After(existing.LastSeen) {
			existing.LastSeen = seen
		}
		if ev.Name != "" {
			existing.Name = ev.Name
		}
		if ev.Manufacturer != "" {
			existing.Manufacturer = ev.Manufacturer
		}
		if ev.HasRSSI() {
			existing.RSSI = r.smoother.Filter(id, float64(ev.RSSI))
		}
		return
	}

	if ev.Name == "" || !ev.HasRSSI() {
		return
	}

	r.smoother.Forget(id)
	r.devices[id] = &TrackedDevice{
		ID:           id,
		Name:         ev.Name,
		Manufacturer: ev.Manufacturer,
		RSSI:         r.smoother.Filter(id, float64(ev.RSSI)),
		FirstSeen:    seen,
		LastSeen:     seen,
		Bonded:       r.bonded[id],
	}
	r.log.Debugw("device tracked", "id", id, "name", ev.Name, "rssi", ev.RSSI)
}

// Sweep evicts devices not seen within the timeout, discarding their
// smoother state. Returns the number of evicted devices.
func (r *Roster) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, dev := range r.devices {
		if now.Sub(dev.LastSeen) > r.timeout {
			delete(r.devices, id)
			r.smoother.Forget(id)
			count++
		}
	}
	if count > 0 {
		r.log.Debugw("evicted stale devices", "count", count, "remaining", len(r.devices))
	}
	return count
}

// Run sweeps every interval until ctx is cancelled.
func (r *Roster) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.Sweep()
		}
	}
}

// Snapshot returns a sorted copy of all devices (strongest RSSI first).
// The order is recomputed on every call.
func (r *Roster) Snapshot() []TrackedDevice {
	r.mu.RLock()
	result := make([]TrackedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		result = append(result, r.copyLocked(d))
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].RSSI != result[j].RSSI {
			return result[i].RSSI > result[j].RSSI // Strongest first (less negative)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Get returns a copy of one device.
func (r *Roster) Get(id string) (TrackedDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[NormalizeID(id)]
	if !ok {
		return TrackedDevice{}, false
	}
	return r.copyLocked(d), true
}

func (r *Roster) copyLocked(d *TrackedDevice) TrackedDevice {
	cp := *d
	if est, ok := r.estimator.Estimate(d.RSSI); ok {
		cp.Estimate = &est
	}
	return cp
}

// SetBonded replaces the set of bonded device ids and updates tracked
// devices accordingly.
func (r *Roster) SetBonded(ids []string) {
	bonded := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = NormalizeID(id); id != "" {
			bonded[id] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.bonded = bonded
	for id, d := range r.devices {
		d.Bonded = bonded[id]
	}
}

// Count returns the total number of tracked devices.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Reset drops every device and all filter state.
func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.devices {
		r.smoother.Forget(id)
	}
	r.devices = make(map[string]*TrackedDevice)
}
