package provision

import "errors"

var (
	// ErrPermissionDenied means the gatekeeper refused the BLE permission set.
	ErrPermissionDenied = errors.New("provision: bluetooth permission denied")
	// ErrBusy means the operation conflicts with the current phase or an
	// in-flight session.
	ErrBusy = errors.New("provision: busy")
	// ErrNotConnected means no ready connection exists.
	ErrNotConnected = errors.New("provision: not connected")
	// ErrInvalidCredentials means the SSID or password is empty.
	ErrInvalidCredentials = errors.New("provision: ssid and password are required")
	// ErrServiceNotFound means the peripheral lacks the expected GATT service.
	ErrServiceNotFound = errors.New("provision: service not found")
	// ErrNoWritableCharacteristic means no characteristic accepts writes.
	ErrNoWritableCharacteristic = errors.New("provision: no writable characteristic")
	// ErrStaleConnection means the link dropped silently before an operation.
	ErrStaleConnection = errors.New("provision: stale connection")
	// ErrCanceled means a newer operation or a disconnect superseded this one.
	ErrCanceled = errors.New("provision: canceled")
	// ErrClosed means the engine has been closed.
	ErrClosed = errors.New("provision: engine closed")
)
