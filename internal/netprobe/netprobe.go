// Package netprobe reads the name of the WiFi network this host is on, to
// pre-fill the SSID sent to the meter. Every failure means "unknown", never
// an error.
package netprobe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/meterlink/internal/permission"
)

const (
	nmBus        = "org.freedesktop.NetworkManager"
	nmPath       = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface      = "org.freedesktop.NetworkManager"
	activeIface  = "org.freedesktop.NetworkManager.Connection.Active"
	apIface      = "org.freedesktop.NetworkManager.AccessPoint"
	wirelessType = "802-11-wireless"
	propsGet     = "org.freedesktop.DBus.Properties.Get"
)

// Probe reports the current network name. ok is false when it is unknown.
type Probe interface {
	CurrentNetworkName(ctx context.Context) (name string, ok bool)
}

// Allower checks a single permission.
type Allower interface {
	Allowed(ctx context.Context, p permission.Permission) bool
}

type propertyFunc func(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error)

// NetworkManager reads the primary connection from NetworkManager on the
// system bus.
type NetworkManager struct {
	gate   Allower
	get    propertyFunc
	logger *slog.Logger
}

// NewNetworkManager creates a probe gated on fine location. gate may be nil.
func NewNetworkManager(gate Allower, logger *slog.Logger) *NetworkManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkManager{gate: gate, get: systemBusProperty, logger: logger}
}

func (n *NetworkManager) CurrentNetworkName(ctx context.Context) (string, bool) {
	if n.gate != nil && !n.gate.Allowed(ctx, permission.LocationFine) {
		return "", false
	}
	name, err := n.lookup(ctx)
	if err != nil {
		n.logger.Debug("[NET] network name unavailable", "error", err)
		return "", false
	}
	return name, name != ""
}

func (n *NetworkManager) lookup(ctx context.Context) (string, error) {
	primary, err := property[dbus.ObjectPath](ctx, n.get, nmPath, nmIface, "PrimaryConnection")
	if err != nil {
		return "", err
	}
	if primary == "/" || !primary.IsValid() {
		return "", nil
	}

	kind, err := property[string](ctx, n.get, primary, activeIface, "Type")
	if err != nil {
		return "", err
	}
	if kind != wirelessType {
		return "", nil
	}

	ap, err := property[dbus.ObjectPath](ctx, n.get, primary, activeIface, "SpecificObject")
	if err == nil && ap != "/" && ap.IsValid() {
		raw, err := property[[]byte](ctx, n.get, ap, apIface, "Ssid")
		if err == nil {
			if ssid := ssidString(raw); ssid != "" {
				return ssid, nil
			}
		}
	}

	// Connection profiles are named after the SSID by default.
	return property[string](ctx, n.get, primary, activeIface, "Id")
}

func property[T any](ctx context.Context, get propertyFunc, path dbus.ObjectPath, iface, prop string) (T, error) {
	var zero T
	v, err := get(ctx, path, iface, prop)
	if err != nil {
		return zero, fmt.Errorf("netprobe: %s.%s: %w", iface, prop, err)
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("netprobe: %s.%s has unexpected type %T", iface, prop, v.Value())
	}
	return val, nil
}

func systemBusProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	err = conn.Object(nmBus, path).CallWithContext(ctx, propsGet, 0, iface, prop).Store(&v)
	return v, err
}

// ssidString decodes raw SSID octets. SSIDs are not required to be UTF-8.
func ssidString(raw []byte) string {
	s := strings.TrimRight(string(raw), "\x00")
	return strings.ToValidUTF8(s, "?")
}

// Seed picks the SSID to pre-fill: the user's value when given, otherwise
// the probed network name, otherwise empty.
func Seed(ctx context.Context, p Probe, userValue string) string {
	if strings.TrimSpace(userValue) != "" {
		return userValue
	}
	if p == nil {
		return ""
	}
	if name, ok := p.CurrentNetworkName(ctx); ok {
		return name
	}
	return ""
}
