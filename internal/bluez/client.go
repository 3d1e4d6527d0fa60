// Package bluez talks to the BlueZ daemon over the system D-Bus. It supplies
// the adapter power state, the low-energy connected-peripheral queries and
// the classic (BR/EDR) stack surface used by connection reconciliation.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/connection"
	"ble-tracker.klederson.com/internal/logger"
)

// ErrNotFound is returned when BlueZ has no object for a device.
var ErrNotFound = errors.New("bluez: device not found")

// Client is a BlueZ D-Bus client bound to one adapter.
type Client struct {
	conn    *dbus.Conn
	adapter string
	log     *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(bluetooth.AdapterState)
	sigCh  chan *dbus.Signal
	closed chan struct{}
}

// Dial connects to the system bus. The connection is private to the client.
func Dial(adapter string, log *logger.Logger) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Client{
		conn:    conn,
		adapter: adapter,
		log:     log,
		subs:    make(map[int]func(bluetooth.AdapterState)),
		closed:  make(chan struct{}),
	}, nil
}

// Close releases the bus connection and stops signal delivery.
func (c *Client) Close() error {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil
	default:
		close(c.closed)
	}
	if c.sigCh != nil {
		c.conn.RemoveSignal(c.sigCh)
		c.sigCh = nil
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := c.conn.Object(bluezBus, path).CallWithContext(ctx, dbusProperties+".Get", 0, iface, name)
	if call.Err != nil {
		var dbusErr dbus.Error
		if errors.As(call.Err, &dbusErr) && strings.HasSuffix(dbusErr.Name, "UnknownObject") {
			return v, ErrNotFound
		}
		return v, call.Err
	}
	if err := call.Store(&v); err != nil {
		return v, err
	}
	return v, nil
}

func boolProperty(v dbus.Variant) (bool, error) {
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected property type %T", v.Value())
	}
	return b, nil
}

// Devices lists the Device1 objects known under the adapter.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var objects managedObjects
	call := c.conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return parseDevices(objects, c.adapter), nil
}

func (c *Client) device(ctx context.Context, id string) (Device, error) {
	path := devicePath(c.adapter, id)
	var props map[string]dbus.Variant
	call := c.conn.Object(bluezBus, path).CallWithContext(ctx, dbusProperties+".GetAll", 0, bluezDevice1)
	if call.Err != nil {
		var dbusErr dbus.Error
		if errors.As(call.Err, &dbusErr) && strings.HasSuffix(dbusErr.Name, "UnknownObject") {
			return Device{}, ErrNotFound
		}
		return Device{}, call.Err
	}
	if err := call.Store(&props); err != nil {
		return Device{}, err
	}
	return parseDevice(path, props), nil
}

// AdapterState reads Adapter1.Powered.
func (c *Client) AdapterState(ctx context.Context) (bluetooth.AdapterState, error) {
	v, err := c.property(ctx, adapterPath(c.adapter), bluezAdapter1, "Powered")
	if err != nil {
		return bluetooth.AdapterUnknown, err
	}
	powered, err := boolProperty(v)
	if err != nil {
		return bluetooth.AdapterUnknown, err
	}
	return stateFromPowered(powered), nil
}

func stateFromPowered(powered bool) bluetooth.AdapterState {
	if powered {
		return bluetooth.AdapterPoweredOn
	}
	return bluetooth.AdapterPoweredOff
}

// SubscribeState calls fn on every Powered change of the adapter until the
// returned cancel func is called.
func (c *Client) SubscribeState(fn func(bluetooth.AdapterState)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sigCh == nil {
		err := c.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(adapterPath(c.adapter)),
			dbus.WithMatchInterface(dbusProperties),
			dbus.WithMatchMember("PropertiesChanged"),
		)
		if err != nil {
			return nil, fmt.Errorf("subscribe adapter signals: %w", err)
		}
		c.sigCh = make(chan *dbus.Signal, 16)
		c.conn.Signal(c.sigCh)
		go c.dispatch(c.sigCh)
	}

	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

func (c *Client) dispatch(ch chan *dbus.Signal) {
	want := adapterPath(c.adapter)
	for {
		select {
		case <-c.closed:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Path != want {
				continue
			}
			powered, ok := parsePowered(sig)
			if !ok {
				continue
			}
			state := stateFromPowered(powered)
			c.log.Infow("adapter power changed", "adapter", c.adapter, "state", state)

			c.mu.Lock()
			fns := make([]func(bluetooth.AdapterState), 0, len(c.subs))
			for _, fn := range c.subs {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(state)
			}
		}
	}
}

// ConnectedPeripherals returns connected low-energy devices exposing any of
// services.
func (c *Client) ConnectedPeripherals(ctx context.Context, services []string) ([]string, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, d := range devices {
		if d.Connected && !d.Classic && d.hasAnyService(services) {
			ids = append(ids, d.Address)
		}
	}
	return ids, nil
}

// IsPeripheralConnected reads Device1.Connected for any device type.
func (c *Client) IsPeripheralConnected(ctx context.Context, id string) (bool, error) {
	v, err := c.property(ctx, devicePath(c.adapter, id), bluezDevice1, "Connected")
	if err != nil {
		return false, err
	}
	return boolProperty(v)
}

// Enabled reports whether the adapter is powered; classic queries are
// meaningless otherwise.
func (c *Client) Enabled(ctx context.Context) (bool, error) {
	state, err := c.AdapterState(ctx)
	if err != nil {
		return false, err
	}
	return state == bluetooth.AdapterPoweredOn, nil
}

// IsDeviceConnected answers for classic devices only; low-energy devices
// yield connection.ErrUnknown so reconciliation keeps looking.
func (c *Client) IsDeviceConnected(ctx context.Context, id string) (bool, error) {
	d, err := c.device(ctx, id)
	if err != nil {
		return false, err
	}
	if !d.Classic {
		return false, connection.ErrUnknown
	}
	return d.Connected, nil
}

// ConnectedDevices lists connected classic devices.
func (c *Client) ConnectedDevices(ctx context.Context) ([]string, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, d := range devices {
		if d.Classic && d.Connected {
			ids = append(ids, d.Address)
		}
	}
	return ids, nil
}

// BondedDevices lists paired devices, each with a live connectivity check.
func (c *Client) BondedDevices(ctx context.Context) ([]connection.BondedDevice, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var bonded []connection.BondedDevice
	for _, d := range devices {
		if !d.Paired && !d.Bonded {
			continue
		}
		id := d.Address
		bonded = append(bonded, connection.BondedDevice{
			ID:   id,
			Name: d.Name,
			CheckConnected: func(ctx context.Context) (bool, error) {
				return c.IsPeripheralConnected(ctx, id)
			},
		})
	}
	return bonded, nil
}
