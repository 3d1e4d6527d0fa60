package bluez

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Device is the subset of org.bluez.Device1 the tracker needs.
type Device struct {
	Path      dbus.ObjectPath
	Address   string
	Name      string
	Connected bool
	Paired    bool
	Bonded    bool
	// Classic is true for BR/EDR devices (BlueZ exposes a Class of Device).
	Classic bool
	UUIDs   []string
}

// adapterPath returns the object path for an adapter name such as "hci0".
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts a MAC address to a BlueZ object path.
// Example: "AA:BB:CC:DD:EE:FF" -> "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter, address string) dbus.ObjectPath {
	devAddr := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, devAddr))
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

// parseDevices extracts the Device1 objects under adapter, sorted by address.
func parseDevices(objects managedObjects, adapter string) []Device {
	prefix := string(adapterPath(adapter)) + "/"

	var devices []Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		devices = append(devices, parseDevice(path, props))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	return devices
}

func parseDevice(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	d := Device{Path: path}
	d.Address, _ = variantValue[string](props, "Address")
	d.Address = strings.ToUpper(d.Address)
	if name, ok := variantValue[string](props, "Alias"); ok {
		d.Name = name
	}
	if name, ok := variantValue[string](props, "Name"); ok {
		d.Name = name
	}
	d.Connected, _ = variantValue[bool](props, "Connected")
	d.Paired, _ = variantValue[bool](props, "Paired")
	d.Bonded, _ = variantValue[bool](props, "Bonded")
	_, d.Classic = variantValue[uint32](props, "Class")
	uuids, _ := variantValue[[]string](props, "UUIDs")
	for _, u := range uuids {
		d.UUIDs = append(d.UUIDs, strings.ToLower(u))
	}
	return d
}

// hasAnyService reports whether the device advertises one of services.
func (d Device) hasAnyService(services []string) bool {
	for _, want := range services {
		for _, have := range d.UUIDs {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// parsePowered extracts Adapter1.Powered from a PropertiesChanged body.
func parsePowered(sig *dbus.Signal) (bool, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != bluezAdapter1 {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	return variantValue[bool](changed, "Powered")
}
