package bluetooth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker.klederson.com/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRoster() (*Roster, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(epoch)
	return NewRoster(WithClock(clock)), clock
}

func TestRoster_AdmissionRequiresName(t *testing.T) {
	r, _ := newTestRoster()

	r.Ingest(DiscoveryEvent{DeviceID: "AA", RSSI: -70})
	assert.Equal(t, 0, r.Count(), "anonymous event must not create a record")

	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag"})
	assert.Equal(t, 0, r.Count(), "event without signal must not create a record")

	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -70})
	assert.Equal(t, 1, r.Count())
}

func TestRoster_ManufacturerLabelDoesNotAdmit(t *testing.T) {
	r, _ := newTestRoster()

	label := ManufacturerLabel("AA:BB:CC:DD:EE:FF", []uint16{0x004C})
	r.Ingest(DiscoveryEvent{DeviceID: "AA:BB:CC:DD:EE:FF", Manufacturer: label, RSSI: -70})
	assert.Equal(t, 0, r.Count(), "a manufacturer label is not a name")

	r.Ingest(DiscoveryEvent{DeviceID: "AA:BB:CC:DD:EE:FF", Name: "AirTag", RSSI: -70})
	r.Ingest(DiscoveryEvent{DeviceID: "AA:BB:CC:DD:EE:FF", Manufacturer: label, RSSI: -72})

	d, ok := r.Get("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	assert.Equal(t, "AirTag", d.Name)
	assert.Equal(t, "Apple EE:FF", d.Manufacturer)
}

func TestRoster_DropsEmptyID(t *testing.T) {
	r, _ := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "  ", Name: "Ghost", RSSI: -40})
	assert.Equal(t, 0, r.Count())
}

func TestRoster_AnonymousEventRefreshesExisting(t *testing.T) {
	r, clock := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -70})

	clock.Advance(5 * time.Second)
	r.Ingest(DiscoveryEvent{DeviceID: "AA"})

	d, ok := r.Get("AA")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(5*time.Second), d.LastSeen)
	assert.Equal(t, -70.0, d.RSSI, "no signal, no re-smoothing")
	assert.Equal(t, "Tag", d.Name)

	r.Ingest(DiscoveryEvent{DeviceID: "AA", RSSI: -60})
	d, _ = r.Get("AA")
	assert.Greater(t, d.RSSI, -70.0)
	assert.Less(t, d.RSSI, -60.0)
}

func TestRoster_LastSeenMonotonic(t *testing.T) {
	r, _ := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -70, ObservedAt: epoch.Add(10 * time.Second)})
	r.Ingest(DiscoveryEvent{DeviceID: "AA", RSSI: -71, ObservedAt: epoch.Add(2 * time.Second)})

	d, _ := r.Get("AA")
	assert.Equal(t, epoch.Add(10*time.Second), d.LastSeen)
}

func TestRoster_SnapshotOrder(t *testing.T) {
	r, _ := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "BB", Name: "Far", RSSI: -85})
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Near", RSSI: -60})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "AA", snap[0].ID)
	assert.Equal(t, "BB", snap[1].ID)

	// Order follows the signal as it changes.
	for i := 0; i < 30; i++ {
		r.Ingest(DiscoveryEvent{DeviceID: "BB", RSSI: -40})
	}
	snap = r.Snapshot()
	assert.Equal(t, "BB", snap[0].ID)
}

func TestRoster_SnapshotCarriesEstimate(t *testing.T) {
	r, _ := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "aa:bb:cc:dd:ee:ff", Name: "Beacon", RSSI: -60})

	want := []TrackedDevice{{
		ID:        "AA:BB:CC:DD:EE:FF",
		Name:      "Beacon",
		RSSI:      -60,
		FirstSeen: epoch,
		LastSeen:  epoch,
		Estimate:  &Estimate{DistanceMeters: 1, Proximity: 0.8},
	}}
	if diff := cmp.Diff(want, r.Snapshot(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestRoster_SnapshotIsCopy(t *testing.T) {
	r, _ := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -70})

	snap := r.Snapshot()
	snap[0].Name = "mutated"

	d, _ := r.Get("AA")
	assert.Equal(t, "Tag", d.Name)
}

func TestRoster_EvictionAndFreshReentry(t *testing.T) {
	r, clock := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -50})
	r.Ingest(DiscoveryEvent{DeviceID: "AA", RSSI: -90})

	clock.Advance(15 * time.Second)
	assert.Equal(t, 0, r.Sweep(), "exactly at the timeout is still fresh")

	clock.Advance(time.Second)
	assert.Equal(t, 1, r.Sweep())
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 0, r.smoother.Len())

	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -77})
	d, ok := r.Get("AA")
	require.True(t, ok)
	assert.Equal(t, -77.0, d.RSSI, "no pre-eviction history")
	assert.Equal(t, clock.Now(), d.FirstSeen)
}

func TestRoster_EndToEndSingleDevice(t *testing.T) {
	r, clock := newTestRoster()
	for i, rssi := range []int16{-80, -78, -81, -79} {
		if i > 0 {
			clock.Advance(time.Second)
		}
		r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: rssi})
		r.Sweep()
	}

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "AA", snap[0].ID)
	assert.Greater(t, snap[0].RSSI, -81.0)
	assert.Less(t, snap[0].RSSI, -78.0)

	for i := 0; i < 16; i++ {
		clock.Advance(time.Second)
		r.Sweep()
	}
	assert.Empty(t, r.Snapshot())
}

func TestRoster_RunSweepsOnTicker(t *testing.T) {
	r, clock := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -70})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(16 * time.Second)
	assert.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, clock.Tickers())
}

func TestRoster_SetBonded(t *testing.T) {
	r, _ := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Headset", RSSI: -60})
	r.SetBonded([]string{"aa", "CC"})

	d, _ := r.Get("AA")
	assert.True(t, d.Bonded)

	r.Ingest(DiscoveryEvent{DeviceID: "CC", Name: "Keyboard", RSSI: -65})
	d, _ = r.Get("CC")
	assert.True(t, d.Bonded)

	r.SetBonded(nil)
	d, _ = r.Get("AA")
	assert.False(t, d.Bonded)
}

func TestRoster_ConcurrentIngestAndSweep(t *testing.T) {
	r := NewRoster()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Ingest(DiscoveryEvent{DeviceID: string(rune('A' + g)), Name: "dev", RSSI: int16(-40 - i%50)})
				if i%10 == 0 {
					r.Sweep()
					_ = r.Snapshot()
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 8, r.Count())
	assert.Equal(t, 8, r.smoother.Len())
}

func TestRoster_Reset(t *testing.T) {
	r, _ := newTestRoster()
	r.Ingest(DiscoveryEvent{DeviceID: "AA", Name: "Tag", RSSI: -70})
	r.Reset()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.smoother.Len())
}
