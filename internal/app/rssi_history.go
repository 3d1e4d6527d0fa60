package app

import "ble-tracker.klederson.com/internal/bluetooth"

// RSSIRing is a circular buffer for RSSI history values.
type RSSIRing struct {
	buf   []float64
	pos   int
	count int
}

// NewRSSIRing creates a new circular buffer with the given capacity.
func NewRSSIRing(capacity int) *RSSIRing {
	if capacity < 1 {
		capacity = 1
	}
	return &RSSIRing{
		buf: make([]float64, capacity),
	}
}

// Push adds a value to the ring buffer.
func (r *RSSIRing) Push(val float64) {
	r.buf[r.pos] = val
	r.pos = (r.pos + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Values returns all stored values in chronological order.
func (r *RSSIRing) Values() []float64 {
	if r.count == 0 {
		return nil
	}
	result := make([]float64, r.count)
	if r.count < len(r.buf) {
		copy(result, r.buf[:r.count])
	} else {
		start := r.pos
		n := copy(result, r.buf[start:])
		copy(result[n:], r.buf[:start])
	}
	return result
}

// Last returns the most recent value, or 0 if empty.
func (r *RSSIRing) Last() float64 {
	if r.count == 0 {
		return 0
	}
	idx := (r.pos - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx]
}

// Len returns the number of stored values.
func (r *RSSIRing) Len() int {
	return r.count
}

// SignalHistory keeps one RSSIRing per tracked device. It is owned by the
// UI goroutine and is not safe for concurrent use.
type SignalHistory struct {
	capacity int
	rings    map[string]*RSSIRing
	seen     map[string]int64
}

// NewSignalHistory returns a history keeping capacity samples per device.
func NewSignalHistory(capacity int) *SignalHistory {
	return &SignalHistory{
		capacity: capacity,
		rings:    make(map[string]*RSSIRing),
		seen:     make(map[string]int64),
	}
}

// Record appends the smoothed RSSI of every device whose LastSeen moved
// since the previous call, and forgets devices no longer in the roster.
func (h *SignalHistory) Record(devices []bluetooth.TrackedDevice) {
	present := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		present[d.ID] = struct{}{}
		stamp := d.LastSeen.UnixNano()
		if last, ok := h.seen[d.ID]; ok && last == stamp {
			continue
		}
		h.seen[d.ID] = stamp

		ring, ok := h.rings[d.ID]
		if !ok {
			ring = NewRSSIRing(h.capacity)
			h.rings[d.ID] = ring
		}
		ring.Push(d.RSSI)
	}
	for id := range h.rings {
		if _, ok := present[id]; !ok {
			delete(h.rings, id)
			delete(h.seen, id)
		}
	}
}

// Values returns the samples for id in chronological order.
func (h *SignalHistory) Values(id string) []float64 {
	if ring, ok := h.rings[id]; ok {
		return ring.Values()
	}
	return nil
}

// Len returns the number of devices with history.
func (h *SignalHistory) Len() int { return len(h.rings) }
