package bluetooth

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"ble-tracker.klederson.com/internal/config"
)

var mockDeviceNames = []string{
	"iPhone 15 Pro",
	"Galaxy S24 Ultra",
	"Pixel 9 Pro",
	"AirPods Pro",
	"Galaxy Buds Pro",
	"MacBook Air",
	"Apple Watch",
	"Fitbit Charge 6",
	"Sony WH-1000XM5",
	"JBL Flip 6",
	"Tile Tracker",
	"Tesla Model 3",
	"Nintendo Switch",
	"iPad Pro",
	"OnePlus Buds 3",
}

type mockDevice struct {
	mac       string
	name      string
	baseRSSI  float64
	phase     float64
	amplitude float64
	active    bool
	connected bool
}

// MockScanner generates fake devices for demo mode. It also stands in for
// the adapter power source and the radio-stack connection queries.
type MockScanner struct {
	interval time.Duration

	mu      sync.Mutex
	devices []mockDevice
	handler EventHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMockScanner creates a mock scanner with random fake devices.
func NewMockScanner() *MockScanner {
	total := config.DemoDeviceMin + rand.Intn(config.DemoDeviceMax-config.DemoDeviceMin+1)
	if total > len(mockDeviceNames) {
		total = len(mockDeviceNames)
	}

	perm := rand.Perm(len(mockDeviceNames))
	devices := make([]mockDevice, total)
	for i := range devices {
		devices[i] = mockDevice{
			mac:       randomMAC(),
			name:      mockDeviceNames[perm[i]],
			baseRSSI:  -40 - rand.Float64()*50, // -40 to -90 dBm
			phase:     rand.Float64() * 2 * math.Pi,
			amplitude: 3 + rand.Float64()*8, // 3-11 dBm fluctuation
			active:    true,
			connected: rand.Intn(4) == 0,
		}
	}

	return &MockScanner{devices: devices, interval: 200 * time.Millisecond}
}

// StartScan begins emitting fake discovery events to h.
func (s *MockScanner) StartScan(h EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.handler = h
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	return nil
}

func (s *MockScanner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	t := 0.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t += s.interval.Seconds()
			s.emitDevices(t)
		}
	}
}

func (s *MockScanner) emitDevices(t float64) {
	s.mu.Lock()
	h := s.handler
	events := make([]DiscoveryEvent, 0, len(s.devices))
	now := time.Now()
	for i := range s.devices {
		d := &s.devices[i]

		// Randomly toggle device visibility (appear/disappear)
		if rand.Float64() < 0.005 {
			d.active = !d.active
		}
		if !d.active {
			continue
		}

		// Sinusoidal RSSI fluctuation + noise
		rssi := d.baseRSSI + d.amplitude*math.Sin(t*0.5+d.phase) + (rand.Float64()-0.5)*4

		name := d.name
		// Some advertisements carry no name (realistic)
		if rand.Float64() < 0.05 {
			name = ""
		}

		events = append(events, DiscoveryEvent{
			DeviceID:   d.mac,
			Name:       name,
			RSSI:       int16(rssi),
			ObservedAt: now,
		})
	}
	s.mu.Unlock()

	if h == nil {
		return
	}
	for _, ev := range events {
		h(ev)
	}
}

// StopScan halts the mock scanner.
func (s *MockScanner) StopScan() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.handler = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// AdapterState always reports a powered adapter.
func (s *MockScanner) AdapterState(context.Context) (AdapterState, error) {
	return AdapterPoweredOn, nil
}

// SubscribeState never delivers changes; the demo adapter stays on.
func (s *MockScanner) SubscribeState(func(AdapterState)) (func(), error) {
	return func() {}, nil
}

// ConnectedPeripherals returns the fake devices marked connected.
func (s *MockScanner) ConnectedPeripherals(_ context.Context, _ []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, d := range s.devices {
		if d.connected && d.active {
			ids = append(ids, d.mac)
		}
	}
	return ids, nil
}

// IsPeripheralConnected reports the fake connection flag for id.
func (s *MockScanner) IsPeripheralConnected(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if strings.EqualFold(d.mac, id) {
			return d.connected && d.active, nil
		}
	}
	return false, fmt.Errorf("unknown device %s", id)
}

func randomMAC() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}
