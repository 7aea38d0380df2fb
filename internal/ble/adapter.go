// Package ble provides the transport layer for talking to an ESP32 energy
// meter over Bluetooth Low Energy: scanning, connection lifecycle, GATT
// discovery, notifications and writes.
package ble

import (
	"context"
	"strings"
)

// Energy meter GATT profile. These must match the peripheral firmware.
const (
	ServiceUUID     = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	MessageCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	WriteCharUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26a9"
)

// Peripheral is a discovered BLE device candidate.
type Peripheral struct {
	Address     string
	Name        string
	Connectable bool
}

// Label returns the advertised name, or the address when the device does
// not advertise one.
func (p Peripheral) Label() string {
	if p.Name == "" {
		return p.Address
	}
	return p.Name
}

// Discovery is a single scan result. A Discovery with a non-nil Err is the
// last value on a scan channel: the scan stopped on a transport fault.
type Discovery struct {
	Peripheral Peripheral
	RSSI       int
	Err        error
}

// ScanFilter narrows a scan to peripherals advertising one of Services.
type ScanFilter struct {
	Services []string
}

// WriteMode selects between acknowledged and unacknowledged writes.
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// CharacteristicInfo describes what a characteristic supports. It only lives
// as long as the Connection it was discovered on.
type CharacteristicInfo struct {
	UUID                 string
	WriteWithResponse    bool
	WriteWithoutResponse bool
	Notify               bool
}

// Writable reports whether the characteristic accepts either write mode.
func (c CharacteristicInfo) Writable() bool {
	return c.WriteWithResponse || c.WriteWithoutResponse
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// Characteristic looks up a characteristic by UUID (case-insensitive).
func (s Service) Characteristic(uuid string) (CharacteristicInfo, bool) {
	for _, c := range s.Characteristics {
		if strings.EqualFold(c.UUID, uuid) {
			return c, true
		}
	}
	return CharacteristicInfo{}, false
}

// Connection is an established link to exactly one Peripheral. Services is
// empty until DiscoverServices has run.
type Connection struct {
	ID         string
	Peripheral Peripheral
	Services   []Service
}

// Service looks up a discovered service by UUID (case-insensitive).
func (c *Connection) Service(uuid string) (Service, bool) {
	for _, s := range c.Services {
		if strings.EqualFold(s.UUID, uuid) {
			return s, true
		}
	}
	return Service{}, false
}

// NotificationHandler receives one call per inbound notification. Transport
// faults on the subscription arrive with a nil payload and a non-nil err.
type NotificationHandler func(payload []byte, err error)

// Adapter abstracts the platform BLE stack. Implementations must be safe for
// concurrent use; callbacks may run on transport goroutines.
type Adapter interface {
	// Scan starts continuous scanning. The returned channel yields results
	// until StopScan is called or ctx is cancelled, then it is closed. A scan
	// that fails after starting delivers one Discovery carrying Err before
	// the channel closes.
	Scan(ctx context.Context, filter *ScanFilter) (<-chan Discovery, error)
	// StopScan stops an active scan and returns once a new Scan may start.
	// Safe to call when not scanning.
	StopScan() error
	// Connect establishes a link to the peripheral at address.
	Connect(ctx context.Context, address string) (*Connection, error)
	// DiscoverServices populates conn.Services.
	DiscoverServices(ctx context.Context, conn *Connection) error
	// IsConnected reports whether the link behind conn is still up.
	IsConnected(conn *Connection) bool
	// Subscribe registers handler for notifications on a characteristic under
	// the given transaction name. A later subscription on the same
	// characteristic replaces the earlier one.
	Subscribe(conn *Connection, serviceUUID, charUUID, transaction string, handler NotificationHandler) error
	// Write sends payload to a characteristic in the requested mode.
	Write(ctx context.Context, conn *Connection, serviceUUID, charUUID string, payload []byte, mode WriteMode) error
	// CancelTransaction drops a named subscription. Idempotent.
	CancelTransaction(transaction string)
	// Disconnect tears down the link. Idempotent.
	Disconnect(conn *Connection) error
	// OnDisconnect registers a callback fired exactly once when the link
	// drops, whether explicitly or remotely.
	OnDisconnect(conn *Connection, callback func())
}
