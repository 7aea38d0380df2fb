package permission

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ grants Bluetooth permissions on Linux when a BlueZ adapter is present
// and powered. Location is not gated on Linux and is always granted.
type BlueZ struct {
	// Adapter restricts the check to one adapter, e.g. "hci0". Empty accepts
	// any adapter.
	Adapter string

	objects func(ctx context.Context) (managedObjects, error)
}

// NewBlueZ creates a requester that queries BlueZ over the system bus.
func NewBlueZ(adapter string) *BlueZ {
	return &BlueZ{Adapter: adapter, objects: systemBusObjects}
}

func (b *BlueZ) Request(ctx context.Context, p Permission) error {
	if strings.HasPrefix(string(p), "location.") {
		return nil
	}

	objects, err := b.objects(ctx)
	if err != nil {
		return fmt.Errorf("%w: query bluez: %v", ErrDenied, err)
	}
	found, powered := adapterPowered(objects, b.Adapter)
	switch {
	case !found:
		return fmt.Errorf("%w: no bluetooth adapter found", ErrDenied)
	case !powered:
		return fmt.Errorf("%w: bluetooth adapter is powered off", ErrDenied)
	}
	return nil
}

func systemBusObjects(ctx context.Context) (managedObjects, error) {
	// SystemBus returns a shared connection that must not be closed.
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var objects managedObjects
	call := conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return objects, nil
}

// adapterPowered reports whether a matching adapter exists and whether any
// matching adapter is powered.
func adapterPowered(objects managedObjects, adapter string) (found, powered bool) {
	for path, ifaces := range objects {
		props, ok := ifaces[bluezAdapter1]
		if !ok {
			continue
		}
		if adapter != "" && string(path) != "/org/bluez/"+adapter {
			continue
		}
		found = true
		if v, ok := props["Powered"]; ok {
			if on, ok := v.Value().(bool); ok && on {
				return true, true
			}
		}
	}
	return found, false
}
