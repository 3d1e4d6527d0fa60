// Package session drives the scan session: it follows the adapter power
// state, gates scanning on permission and feeds discovery events into the
// roster and any observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/connection"
	"ble-tracker.klederson.com/internal/logger"
)

// Scanner is the radio scanning collaborator.
type Scanner interface {
	StartScan(h bluetooth.EventHandler) error
	StopScan() error
}

// PowerSource reports the adapter power state and its changes.
type PowerSource interface {
	AdapterState(ctx context.Context) (bluetooth.AdapterState, error)
	SubscribeState(fn func(bluetooth.AdapterState)) (cancel func(), err error)
}

// Status is the session state seen by callers.
type Status int

const (
	Idle Status = iota
	Scanning
	Paused
	Denied
)

func (s Status) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Paused:
		return "paused"
	case Denied:
		return "denied"
	default:
		return "idle"
	}
}

// MarshalText renders the status by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is what subscribers are told on every change.
type State struct {
	Status  Status                 `json:"status"`
	Adapter bluetooth.AdapterState `json:"adapter"`
}

// Controller owns one scan session at a time.
type Controller struct {
	scanner    Scanner
	power      PowerSource
	perms      Permissions
	roster     *bluetooth.Roster
	legacy     connection.LegacyStack
	reconciler *connection.Reconciler
	observers  []func(bluetooth.DiscoveryEvent)
	sweepEvery time.Duration
	log        *logger.Logger

	mu          sync.Mutex
	active      bool
	state       State
	retryPerms  bool // an explicit start arrived while denied and powered off
	unsubscribe func()
	stopSweep   context.CancelFunc
	sweepDone   chan struct{}

	live atomic.Bool

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithSweepInterval sets the roster eviction cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Controller) { c.sweepEvery = d }
}

// WithObserver registers fn to receive every discovery event after the
// roster has ingested it.
func WithObserver(fn func(bluetooth.DiscoveryEvent)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// WithLegacy supplies the classic radio stack used to mark bonded devices.
func WithLegacy(l connection.LegacyStack) Option {
	return func(c *Controller) { c.legacy = l }
}

// WithReconciler supplies the connection reconciler behind IsConnected.
func WithReconciler(r *connection.Reconciler) Option {
	return func(c *Controller) { c.reconciler = r }
}

// New creates an idle controller.
func New(scanner Scanner, power PowerSource, perms Permissions, roster *bluetooth.Roster, opts ...Option) *Controller {
	c := &Controller{
		scanner:    scanner,
		power:      power,
		perms:      perms,
		roster:     roster,
		sweepEvery: config.EvictInterval,
		log:        logger.Nop(),
		listeners:  make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession begins following the adapter and scanning while it is on.
// It is a no-op while scanning. Otherwise it re-reads the adapter and tries
// again, asking for permission again after a denial. ErrPermissionDenied is
// returned when scanning is not allowed; other errors leave the session
// paused.
func (c *Controller) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.active && c.state.Status == Scanning {
		c.mu.Unlock()
		return nil
	}

	if !c.active {
		c.active = true
		c.startSweeperLocked()
		unsubscribe, err := c.power.SubscribeState(c.onAdapterState)
		if err != nil {
			c.log.Warnw("adapter state subscription failed", "err", err)
			unsubscribe = func() {}
		}
		c.unsubscribe = unsubscribe
	}

	adapter, err := c.power.AdapterState(ctx)
	if err != nil {
		c.log.Warnw("adapter state unavailable", "err", err)
		adapter = bluetooth.AdapterUnknown
	}
	err = c.applyLocked(ctx, adapter, true)
	st := c.state
	c.mu.Unlock()

	c.notify(st)
	return err
}

// StopSession stops scanning, deregisters the discovery callback and then
// stops the eviction sweeper. It is a no-op when no session is running.
func (c *Controller) StopSession() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.retryPerms = false

	c.live.Store(false)
	var err error
	if c.state.Status == Scanning {
		if err = c.scanner.StopScan(); err != nil {
			c.log.Warnw("stop scan failed", "err", err)
		}
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.stopSweeperLocked()

	c.state.Status = Idle
	st := c.state
	c.mu.Unlock()

	c.log.Infow("scan session stopped")
	c.notify(st)
	return err
}

func (c *Controller) onAdapterState(adapter bluetooth.AdapterState) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.ProbeTimeout)
	defer cancel()
	if err := c.applyLocked(ctx, adapter, false); err != nil {
		c.log.Warnw("adapter transition", "state", adapter, "err", err)
	}
	st := c.state
	c.mu.Unlock()

	c.notify(st)
}

// applyLocked moves the session to match the adapter state. explicit is true
// when the caller asked to start. A denial is retried only on an explicit
// start, or on the first power-on after one made while the adapter was off.
func (c *Controller) applyLocked(ctx context.Context, adapter bluetooth.AdapterState, explicit bool) error {
	c.state.Adapter = adapter

	if adapter != bluetooth.AdapterPoweredOn {
		if c.state.Status == Scanning {
			c.live.Store(false)
			if err := c.scanner.StopScan(); err != nil {
				c.log.Warnw("stop scan failed", "err", err)
			}
		}
		if c.state.Status != Denied {
			c.state.Status = Paused
		} else if explicit {
			c.retryPerms = true
		}
		c.log.Infow("scanning paused", "adapter", adapter)
		return nil
	}

	if c.state.Status == Scanning {
		return nil
	}
	if c.state.Status == Denied && !explicit && !c.retryPerms {
		return nil
	}
	c.retryPerms = false

	granted, err := c.perms.Request(ctx)
	if err != nil {
		c.log.Warnw("permission request failed", "err", err)
	}
	if !granted {
		c.state.Status = Denied
		c.log.Warnw("bluetooth permission denied; scanning halted")
		return ErrPermissionDenied
	}

	c.live.Store(true)
	if err := c.scanner.StartScan(c.dispatch); err != nil {
		c.live.Store(false)
		c.state.Status = Paused
		return fmt.Errorf("start scan: %w", err)
	}
	c.state.Status = Scanning
	c.markBonded(ctx)
	c.log.Infow("scanning started")
	return nil
}

// markBonded tags roster entries that are paired at the OS level.
func (c *Controller) markBonded(ctx context.Context) {
	if c.legacy == nil {
		return
	}
	bonded, err := c.legacy.BondedDevices(ctx)
	if err != nil {
		c.log.Debugw("bonded device enumeration failed", "err", err)
		return
	}
	ids := make([]string, 0, len(bonded))
	for _, d := range bonded {
		ids = append(ids, d.ID)
	}
	c.roster.SetBonded(ids)
	c.log.Debugw("bonded devices", "count", len(ids))
}

// dispatch runs on the scanner's goroutine.
func (c *Controller) dispatch(ev bluetooth.DiscoveryEvent) {
	if !c.live.Load() {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			c.log.Errorw("discovery dispatch panicked", "id", ev.DeviceID, "panic", v)
		}
	}()

	c.roster.Ingest(ev)
	for _, fn := range c.observers {
		fn(ev)
	}
}

func (c *Controller) startSweeperLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.stopSweep, c.sweepDone = cancel, done
	go func() {
		defer close(done)
		c.roster.Run(ctx, c.sweepEvery)
	}()
}

func (c *Controller) stopSweeperLocked() {
	if c.stopSweep == nil {
		return
	}
	c.stopSweep()
	<-c.sweepDone
	c.stopSweep, c.sweepDone = nil, nil
}

// CurrentRoster returns the tracked devices, strongest first.
func (c *Controller) CurrentRoster() []bluetooth.TrackedDevice {
	return c.roster.Snapshot()
}

// Device returns one tracked device.
func (c *Controller) Device(id string) (bluetooth.TrackedDevice, bool) {
	return c.roster.Get(id)
}

// IsConnected reconciles the connection status of id on demand.
func (c *Controller) IsConnected(ctx context.Context, id string) bool {
	if c.reconciler == nil {
		return false
	}
	return c.reconciler.IsConnected(ctx, id)
}

// Reconcile is IsConnected with the per-source trace.
func (c *Controller) Reconcile(ctx context.Context, id string) (bool, []connection.Result) {
	if c.reconciler == nil {
		return false, nil
	}
	return c.reconciler.Reconcile(ctx, id)
}

// AdapterState returns the last adapter state seen by the session.
func (c *Controller) AdapterState() bluetooth.AdapterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Adapter
}

// State returns the session and adapter state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe calls fn on every state change until the returned func is called.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Controller) notify(st State) {
	c.listenersMu.Lock()
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// IsDenied reports whether err is a permission denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
