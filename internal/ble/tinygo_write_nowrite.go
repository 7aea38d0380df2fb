//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// The BlueZ and HCI backends only implement WriteWithoutResponse.
const withResponseSupported = false

func writeWithResponse(bluetooth.DeviceCharacteristic, []byte) error {
	return ErrWriteModeUnsupported
}
