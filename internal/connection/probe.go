package connection

import (
	"context"
	"errors"
	"strings"
)

// Source identifies which connection-status query produced a result.
type Source int

const (
	RadioStack Source = iota
	LegacyInstance
	LegacyList
	LegacyEnumeration
)

func (s Source) String() string {
	switch s {
	case LegacyInstance:
		return "LegacyInstance"
	case LegacyList:
		return "LegacyList"
	case LegacyEnumeration:
		return "LegacyEnumeration"
	default:
		return "RadioStack"
	}
}

// MarshalText renders the source by name in JSON payloads.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrUnknown is returned by a probe that ran but could not decide.
var ErrUnknown = errors.New("connection state unknown")

// GenericServices are the well-known GATT services used to ask the radio
// stack for connected peripherals: Generic Access, Generic Attribute and
// Device Information.
var GenericServices = []string{
	"00001800-0000-1000-8000-00805f9b34fb",
	"00001801-0000-1000-8000-00805f9b34fb",
	"0000180a-0000-1000-8000-00805f9b34fb",
}

// Result is the outcome of one probe. Known is false when the probe failed,
// timed out or could not decide.
type Result struct {
	Source    Source `json:"source"`
	Connected bool   `json:"connected"`
	Known     bool   `json:"known"`
	Err       string `json:"error,omitempty"`
}

// Probe is one independently fallible connection-status query.
type Probe interface {
	Source() Source
	Probe(ctx context.Context, deviceID string) (bool, error)
}

// RadioStackQuerier is the low-energy radio stack's connection surface.
type RadioStackQuerier interface {
	ConnectedPeripherals(ctx context.Context, services []string) ([]string, error)
	IsPeripheralConnected(ctx context.Context, deviceID string) (bool, error)
}

// BondedDevice is a device paired at the OS level. CheckConnected is nil
// when the platform offers no per-device connectivity check.
type BondedDevice struct {
	ID             string
	Name           string
	CheckConnected func(ctx context.Context) (bool, error)
}

// LegacyStack is the classic (BR/EDR) radio stack. Platforms without one
// simply do not provide it.
type LegacyStack interface {
	Enabled(ctx context.Context) (bool, error)
	IsDeviceConnected(ctx context.Context, deviceID string) (bool, error)
	ConnectedDevices(ctx context.Context) ([]string, error)
	BondedDevices(ctx context.Context) ([]BondedDevice, error)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if strings.EqualFold(strings.TrimSpace(v), id) {
			return true
		}
	}
	return false
}

// connectedPeripheralsProbe checks membership among peripherals connected
// under the generic services.
type connectedPeripheralsProbe struct {
	stack    RadioStackQuerier
	services []string
}

func (p connectedPeripheralsProbe) Source() Source { return RadioStack }

func (p connectedPeripheralsProbe) Probe(ctx context.Context, id string) (bool, error) {
	ids, err := p.stack.ConnectedPeripherals(ctx, p.services)
	if err != nil {
		return false, err
	}
	return containsID(ids, id), nil
}

// peripheralProbe asks the radio stack about one device directly.
type peripheralProbe struct {
	stack RadioStackQuerier
}

func (p peripheralProbe) Source() Source { return RadioStack }

func (p peripheralProbe) Probe(ctx context.Context, id string) (bool, error) {
	return p.stack.IsPeripheralConnected(ctx, id)
}

type legacyInstanceProbe struct {
	stack LegacyStack
}

func (p legacyInstanceProbe) Source() Source { return LegacyInstance }

func (p legacyInstanceProbe) Probe(ctx context.Context, id string) (bool, error) {
	return p.stack.IsDeviceConnected(ctx, id)
}

type legacyListProbe struct {
	stack LegacyStack
}

func (p legacyListProbe) Source() Source { return LegacyList }

func (p legacyListProbe) Probe(ctx context.Context, id string) (bool, error) {
	ids, err := p.stack.ConnectedDevices(ctx)
	if err != nil {
		return false, err
	}
	return containsID(ids, id), nil
}

type legacyEnumerationProbe struct {
	stack LegacyStack
}

func (p legacyEnumerationProbe) Source() Source { return LegacyEnumeration }

func (p legacyEnumerationProbe) Probe(ctx context.Context, id string) (bool, error) {
	bonded, err := p.stack.BondedDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range bonded {
		if !strings.EqualFold(d.ID, id) {
			continue
		}
		if d.CheckConnected == nil {
			return false, ErrUnknown
		}
		return d.CheckConnected(ctx)
	}
	return false, ErrUnknown
}
