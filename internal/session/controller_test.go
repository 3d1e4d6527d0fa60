package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/connection"
	"ble-tracker.klederson.com/internal/timeutil"
)

type fakeScanner struct {
	mu      sync.Mutex
	handler bluetooth.EventHandler
	starts  int
	stops   int
	err     error
}

func (f *fakeScanner) StartScan(h bluetooth.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.err != nil {
		return f.err
	}
	f.handler = h
	return nil
}

func (f *fakeScanner) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.handler = nil
	return nil
}

// emit mimics a late callback from the radio: it calls the last handler
// even after StopScan.
func (f *fakeScanner) emit(h bluetooth.EventHandler, ev bluetooth.DiscoveryEvent) {
	if h != nil {
		h(ev)
	}
}

func (f *fakeScanner) current() bluetooth.EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeScanner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakePower struct {
	mu    sync.Mutex
	state bluetooth.AdapterState
	err   error
	subs  []func(bluetooth.AdapterState)
	unsub int
}

func (f *fakePower) AdapterState(context.Context) (bluetooth.AdapterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

func (f *fakePower) SubscribeState(fn func(bluetooth.AdapterState)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {
		f.mu.Lock()
		f.unsub++
		f.subs = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakePower) set(s bluetooth.AdapterState) {
	f.mu.Lock()
	f.state = s
	subs := append([]func(bluetooth.AdapterState){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

type fakePerms struct {
	mu      sync.Mutex
	granted bool
	calls   int
}

func (f *fakePerms) Request(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.granted, nil
}

func (f *fakePerms) set(granted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted = granted
}

type bondedOnly struct {
	connection.LegacyStack
	ids []string
}

func (b bondedOnly) BondedDevices(context.Context) ([]connection.BondedDevice, error) {
	out := make([]connection.BondedDevice, 0, len(b.ids))
	for _, id := range b.ids {
		out = append(out, connection.BondedDevice{ID: id})
	}
	return out, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	scanner *fakeScanner
	power   *fakePower
	perms   *fakePerms
	clock   *timeutil.MockClock
	roster  *bluetooth.Roster
	ctrl    *Controller
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		scanner: &fakeScanner{},
		power:   &fakePower{state: bluetooth.AdapterPoweredOn},
		perms:   &fakePerms{granted: true},
		clock:   timeutil.NewMockClock(t0),
	}
	h.roster = bluetooth.NewRoster(bluetooth.WithClock(h.clock))
	h.ctrl = New(h.scanner, h.power, h.perms, h.roster, opts...)
	t.Cleanup(func() { _ = h.ctrl.StopSession() })
	return h
}

func (h *harness) waitSweeper(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.clock.Tickers() == 1 }, time.Second, time.Millisecond)
}

func ev(id, name string, rssi int16) bluetooth.DiscoveryEvent {
	return bluetooth.DiscoveryEvent{DeviceID: id, Name: name, RSSI: rssi, ObservedAt: t0}
}

func TestStartSession_ScansAndFeedsRoster(t *testing.T) {
	var observed []string
	h := newHarness(t, WithObserver(func(e bluetooth.DiscoveryEvent) { observed = append(observed, e.DeviceID) }))

	require.NoError(t, h.ctrl.StartSession(context.Background()))
	assert.Equal(t, State{Status: Scanning, Adapter: bluetooth.AdapterPoweredOn}, h.ctrl.State())

	h.scanner.emit(h.scanner.current(), ev("AA", "Phone", -60))
	h.scanner.emit(h.scanner.current(), ev("BB", "Watch", -85))

	roster := h.ctrl.CurrentRoster()
	require.Len(t, roster, 2)
	assert.Equal(t, "AA", roster[0].ID)
	assert.Equal(t, []string{"AA", "BB"}, observed)
}

func TestStartSession_Idempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.StartSession(context.Background()))
	require.NoError(t, h.ctrl.StartSession(context.Background()))

	starts, _ := h.scanner.counts()
	assert.Equal(t, 1, starts)
	h.waitSweeper(t)
}

func TestStartSession_PoweredOffWaitsForAdapter(t *testing.T) {
	h := newHarness(t)
	h.power.state = bluetooth.AdapterPoweredOff

	require.NoError(t, h.ctrl.StartSession(context.Background()))
	assert.Equal(t, Paused, h.ctrl.State().Status)
	starts, _ := h.scanner.counts()
	assert.Zero(t, starts)

	h.power.set(bluetooth.AdapterPoweredOn)
	assert.Equal(t, Scanning, h.ctrl.State().Status)
	assert.Equal(t, bluetooth.AdapterPoweredOn, h.ctrl.AdapterState())
}

func TestAdapterPowerCycleRestartsScan(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.StartSession(context.Background()))

	h.power.set(bluetooth.AdapterPoweredOff)
	assert.Equal(t, Paused, h.ctrl.State().Status)
	_, stops := h.scanner.counts()
	assert.Equal(t, 1, stops)

	h.power.set(bluetooth.AdapterPoweredOn)
	assert.Equal(t, Scanning, h.ctrl.State().Status)
	starts, _ := h.scanner.counts()
	assert.Equal(t, 2, starts)
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.perms.granted = false

	err := h.ctrl.StartSession(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.True(t, IsDenied(err))
	assert.Equal(t, Denied, h.ctrl.State().Status)
	starts, _ := h.scanner.counts()
	assert.Zero(t, starts)

	// A power cycle does not retry the request.
	h.power.set(bluetooth.AdapterPoweredOff)
	h.power.set(bluetooth.AdapterPoweredOn)
	assert.Equal(t, Denied, h.ctrl.State().Status)
	assert.Equal(t, 1, h.perms.calls)

	// An explicit start does.
	h.perms.set(true)
	require.NoError(t, h.ctrl.StartSession(context.Background()))
	assert.Equal(t, Scanning, h.ctrl.State().Status)
	h.waitSweeper(t)
}

func TestStartScanFailurePauses(t *testing.T) {
	h := newHarness(t)
	h.scanner.err = errors.New("adapter busy")

	err := h.ctrl.StartSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, Paused, h.ctrl.State().Status)
}

func TestStartSession_RetriesAfterScanFailure(t *testing.T) {
	h := newHarness(t)
	h.scanner.err = errors.New("adapter busy")
	require.Error(t, h.ctrl.StartSession(context.Background()))
	require.Equal(t, Paused, h.ctrl.State().Status)

	h.scanner.mu.Lock()
	h.scanner.err = nil
	h.scanner.mu.Unlock()

	require.NoError(t, h.ctrl.StartSession(context.Background()))
	assert.Equal(t, Scanning, h.ctrl.State().Status)
	starts, _ := h.scanner.counts()
	assert.Equal(t, 2, starts)
	h.waitSweeper(t)
}

func TestStartSession_RetriesAfterAdapterQueryFailure(t *testing.T) {
	h := newHarness(t)
	h.power.err = errors.New("bus timeout")
	require.NoError(t, h.ctrl.StartSession(context.Background()))
	require.Equal(t, State{Status: Paused, Adapter: bluetooth.AdapterUnknown}, h.ctrl.State())

	h.power.mu.Lock()
	h.power.err = nil
	h.power.mu.Unlock()

	require.NoError(t, h.ctrl.StartSession(context.Background()))
	assert.Equal(t, State{Status: Scanning, Adapter: bluetooth.AdapterPoweredOn}, h.ctrl.State())
	h.waitSweeper(t)
}

func TestExplicitStartWhileDeniedAndOff_AsksOnPowerOn(t *testing.T) {
	h := newHarness(t)
	h.perms.set(false)
	require.ErrorIs(t, h.ctrl.StartSession(context.Background()), ErrPermissionDenied)

	h.power.set(bluetooth.AdapterPoweredOff)
	h.perms.set(true)
	require.NoError(t, h.ctrl.StartSession(context.Background()))
	assert.Equal(t, Denied, h.ctrl.State().Status)
	assert.Equal(t, 1, h.perms.calls)

	h.power.set(bluetooth.AdapterPoweredOn)
	assert.Equal(t, Scanning, h.ctrl.State().Status)
	assert.Equal(t, 2, h.perms.calls)
	h.waitSweeper(t)
}

func TestStopSession_DeregistersThenStopsSweeper(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.StartSession(context.Background()))

	late := h.scanner.current()
	h.scanner.emit(late, ev("AA", "Phone", -60))
	require.Equal(t, 1, h.roster.Count())

	require.NoError(t, h.ctrl.StopSession())
	assert.Equal(t, Idle, h.ctrl.State().Status)
	assert.Nil(t, h.scanner.current())
	assert.Equal(t, 0, h.clock.Tickers(), "sweeper stopped")
	assert.Equal(t, 1, h.power.unsub)

	h.scanner.emit(late, ev("BB", "Watch", -70))
	assert.Equal(t, 1, h.roster.Count(), "late callback ignored")

	require.NoError(t, h.ctrl.StopSession())
	_, stops := h.scanner.counts()
	assert.Equal(t, 1, stops)
}

func TestSweeperEvictsDuringSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.StartSession(context.Background()))
	h.waitSweeper(t)
	h.scanner.emit(h.scanner.current(), ev("AA", "Phone", -60))

	h.clock.Advance(16 * time.Second)
	require.Eventually(t, func() bool { return len(h.ctrl.CurrentRoster()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBondedDevicesMarked(t *testing.T) {
	h := newHarness(t, WithLegacy(bondedOnly{ids: []string{"aa"}}))
	require.NoError(t, h.ctrl.StartSession(context.Background()))

	h.scanner.emit(h.scanner.current(), ev("AA", "Headset", -60))
	h.scanner.emit(h.scanner.current(), ev("BB", "Watch", -70))

	aa, ok := h.ctrl.Device("AA")
	require.True(t, ok)
	assert.True(t, aa.Bonded)
	bb, ok := h.ctrl.Device("BB")
	require.True(t, ok)
	assert.False(t, bb.Bonded)
}

func TestObserverPanicDoesNotKillSession(t *testing.T) {
	h := newHarness(t, WithObserver(func(bluetooth.DiscoveryEvent) { panic("observer") }))
	require.NoError(t, h.ctrl.StartSession(context.Background()))

	assert.NotPanics(t, func() {
		h.scanner.emit(h.scanner.current(), ev("AA", "Phone", -60))
	})
	assert.Equal(t, 1, h.roster.Count())
	assert.Equal(t, Scanning, h.ctrl.State().Status)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var seen []Status
	cancel := h.ctrl.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	require.NoError(t, h.ctrl.StartSession(context.Background()))
	h.power.set(bluetooth.AdapterPoweredOff)
	cancel()
	h.power.set(bluetooth.AdapterPoweredOn)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{Scanning, Paused}, seen)
}

func TestIsConnectedWithoutReconciler(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.ctrl.IsConnected(context.Background(), "AA"))
	ok, trace := h.ctrl.Reconcile(context.Background(), "AA")
	assert.False(t, ok)
	assert.Nil(t, trace)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "scanning", Scanning.String())
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "denied", Denied.String())
}
