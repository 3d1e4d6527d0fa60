package bluez

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"ble-tracker.klederson.com/internal/location"
)

const (
	geoclueBus      = "org.freedesktop.GeoClue2"
	geoclueManager  = "org.freedesktop.GeoClue2.Manager"
	geoclueClient   = "org.freedesktop.GeoClue2.Client"
	geoclueLocation = "org.freedesktop.GeoClue2.Location"

	geocluePath = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")

	// Street-level accuracy in GeoClue's GClueAccuracyLevel enum.
	accuracyStreet uint32 = 6

	stopTimeout = 2 * time.Second
)

// ErrNoFix is returned when GeoClue has not produced a location in time.
var ErrNoFix = errors.New("geoclue: no location fix")

// GeoClue captures the host position from the GeoClue2 service on the
// system bus.
type GeoClue struct {
	object    func(dest string, path dbus.ObjectPath) dbus.BusObject
	desktopID string
	poll      time.Duration
}

// GeoClue returns a locator sharing the client's bus connection.
func (c *Client) GeoClue(desktopID string) *GeoClue {
	return &GeoClue{
		object:    func(dest string, path dbus.ObjectPath) dbus.BusObject { return c.conn.Object(dest, path) },
		desktopID: desktopID,
		poll:      250 * time.Millisecond,
	}
}

// Capture starts a GeoClue client, waits for its first location and stops
// the client again. Every bus call is bounded by ctx; Stop gets its own
// short deadline so it runs even after ctx expired.
func (g *GeoClue) Capture(ctx context.Context) (location.Fix, error) {
	var clientPath dbus.ObjectPath
	mgr := g.object(geoclueBus, geocluePath)
	if err := mgr.CallWithContext(ctx, geoclueManager+".GetClient", 0).Store(&clientPath); err != nil {
		return location.Fix{}, fmt.Errorf("geoclue GetClient: %w", err)
	}
	client := g.object(geoclueBus, clientPath)

	if err := g.setProperty(ctx, client, "DesktopId", g.desktopID); err != nil {
		return location.Fix{}, err
	}
	if err := g.setProperty(ctx, client, "RequestedAccuracyLevel", accuracyStreet); err != nil {
		return location.Fix{}, err
	}
	if call := client.CallWithContext(ctx, geoclueClient+".Start", 0); call.Err != nil {
		return location.Fix{}, fmt.Errorf("geoclue Start: %w", call.Err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = client.CallWithContext(stopCtx, geoclueClient+".Stop", 0).Err
	}()

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		fix, ok, err := g.read(ctx, client)
		if err != nil {
			return location.Fix{}, err
		}
		if ok {
			return fix, nil
		}
		select {
		case <-ctx.Done():
			return location.Fix{}, fmt.Errorf("%w: %v", ErrNoFix, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *GeoClue) setProperty(ctx context.Context, obj dbus.BusObject, name string, value any) error {
	call := obj.CallWithContext(ctx, dbusProperties+".Set", 0, geoclueClient, name, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("geoclue set %s: %w", name, call.Err)
	}
	return nil
}

// read returns ok=false while the client has no location object yet.
func (g *GeoClue) read(ctx context.Context, client dbus.BusObject) (location.Fix, bool, error) {
	var v dbus.Variant
	if err := client.CallWithContext(ctx, dbusProperties+".Get", 0, geoclueClient, "Location").Store(&v); err != nil {
		return location.Fix{}, false, fmt.Errorf("geoclue Location: %w", err)
	}
	path, ok := v.Value().(dbus.ObjectPath)
	if !ok || path == "/" || !path.IsValid() {
		return location.Fix{}, false, nil
	}

	var props map[string]dbus.Variant
	obj := g.object(geoclueBus, path)
	if err := obj.CallWithContext(ctx, dbusProperties+".GetAll", 0, geoclueLocation).Store(&props); err != nil {
		return location.Fix{}, false, fmt.Errorf("geoclue read location: %w", err)
	}
	return parseFix(props, time.Now())
}

// parseFix decodes a Location1 property map. Timestamp is (seconds,
// microseconds); now is used when it is absent.
func parseFix(props map[string]dbus.Variant, now time.Time) (location.Fix, bool, error) {
	lat, okLat := variantValue[float64](props, "Latitude")
	lon, okLon := variantValue[float64](props, "Longitude")
	if !okLat || !okLon {
		return location.Fix{}, false, errors.New("geoclue: location without coordinates")
	}
	fix := location.Fix{Latitude: lat, Longitude: lon, CapturedAt: now}
	if ts, ok := variantValue[[]interface{}](props, "Timestamp"); ok && len(ts) == 2 {
		sec, _ := ts[0].(uint64)
		usec, _ := ts[1].(uint64)
		if sec > 0 {
			fix.CapturedAt = time.Unix(int64(sec), int64(usec)*int64(time.Microsecond))
		}
	}
	return fix, true, nil
}
