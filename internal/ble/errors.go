package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrRadioOff is returned when the adapter cannot be powered on.
	ErrRadioOff = errors.New("ble: radio unavailable")
	// ErrNotConnected is returned for operations on a link that has dropped.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrLinkLost is delivered to notification handlers when the link drops
	// under an active subscription.
	ErrLinkLost = errors.New("ble: link lost")
	// ErrWriteModeUnsupported is returned for a write mode the platform
	// backend cannot perform.
	ErrWriteModeUnsupported = errors.New("ble: write mode not supported on this platform")
)

// TransportError reports a scan or radio level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionError reports a failed connect: timeout, rejection or loss of the
// peripheral.
type ConnectionError struct {
	Address string
	Reason  string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ble: connect to %s: %s", e.Address, e.Reason)
	}
	return fmt.Sprintf("ble: connect to %s: %s: %v", e.Address, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DiscoveryError reports a service discovery failure, typically the device
// disconnecting mid-discovery.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("ble: discover services: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// WriteError reports a failed characteristic write. Code carries the ATT
// error code when the platform exposes one, otherwise -1.
type WriteError struct {
	CharUUID string
	Mode     WriteMode
	Code     int
	Err      error
}

func (e *WriteError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("ble: write %s (%s): att error 0x%02x: %v", e.CharUUID, e.Mode, e.Code, e.Err)
	}
	return fmt.Sprintf("ble: write %s (%s): %v", e.CharUUID, e.Mode, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
