package bluetooth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"ble-tracker.klederson.com/internal/logger"
)

// EventHandler receives discovery events. It may be called from the radio
// stack's own goroutine.
type EventHandler func(DiscoveryEvent)

// BLEScanner handles Bluetooth Low Energy scanning.
type BLEScanner struct {
	adapter *bluetooth.Adapter
	log     *logger.Logger

	mu       sync.Mutex
	enabled  bool
	scanning bool
	handler  EventHandler
	done     chan struct{}
}

// NewBLEScanner creates a scanner on the default adapter.
func NewBLEScanner(log *logger.Logger) *BLEScanner {
	return &BLEScanner{
		adapter: bluetooth.DefaultAdapter,
		log:     log,
	}
}

// StartScan begins BLE scanning in a goroutine; each advertisement is
// passed to h. Calling StartScan while scanning is a no-op.
func (s *BLEScanner) StartScan(h EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanning {
		return nil
	}
	if !s.enabled {
		if err := s.adapter.Enable(); err != nil {
			return fmt.Errorf("failed to enable BLE adapter: %w (try running with sudo or setcap cap_net_admin+ep)", err)
		}
		s.enabled = true
	}

	s.handler = h
	s.scanning = true
	done := make(chan struct{})
	s.done = done

	go func() {
		defer close(done)
		err := s.adapter.Scan(s.onResult)
		if err != nil {
			s.log.Warnw("ble scan ended", "err", err)
		}
		s.mu.Lock()
		if s.done == done {
			s.scanning = false
			s.handler = nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *BLEScanner) onResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return
	}

	addr := result.Address.String()
	var companies []uint16
	for _, m := range result.ManufacturerData() {
		companies = append(companies, m.CompanyID)
	}

	h(DiscoveryEvent{
		DeviceID:     addr,
		Name:         strings.TrimSpace(result.LocalName()),
		Manufacturer: ManufacturerLabel(addr, companies),
		RSSI:         result.RSSI,
		ObservedAt:   time.Now(),
	})
}

// StopScan deregisters the handler and halts the BLE scanner. It waits
// briefly for the scan goroutine to exit.
func (s *BLEScanner) StopScan() error {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.handler = nil
	s.scanning = false
	done := s.done
	s.mu.Unlock()

	err := s.adapter.StopScan()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.log.Warnw("ble scan goroutine did not exit after StopScan")
	}
	return err
}
