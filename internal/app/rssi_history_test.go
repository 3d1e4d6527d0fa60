package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ble-tracker.klederson.com/internal/bluetooth"
)

func TestRSSIRing(t *testing.T) {
	r := NewRSSIRing(3)
	assert.Nil(t, r.Values())
	assert.Equal(t, 0.0, r.Last())

	r.Push(-50)
	r.Push(-60)
	assert.Equal(t, []float64{-50, -60}, r.Values())

	r.Push(-70)
	r.Push(-80)
	assert.Equal(t, []float64{-60, -70, -80}, r.Values())
	assert.Equal(t, -80.0, r.Last())
	assert.Equal(t, 3, r.Len())
}

func TestSignalHistory(t *testing.T) {
	h := NewSignalHistory(4)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	h.Record([]bluetooth.TrackedDevice{{ID: "AA", RSSI: -50, LastSeen: at}, {ID: "BB", RSSI: -80, LastSeen: at}})
	// Same LastSeen: no new sample.
	h.Record([]bluetooth.TrackedDevice{{ID: "AA", RSSI: -50, LastSeen: at}, {ID: "BB", RSSI: -80, LastSeen: at}})
	h.Record([]bluetooth.TrackedDevice{{ID: "AA", RSSI: -55, LastSeen: at.Add(time.Second)}})

	assert.Equal(t, []float64{-50, -55}, h.Values("AA"))
	assert.Nil(t, h.Values("BB"), "evicted device history is dropped")
	assert.Equal(t, 1, h.Len())
}
