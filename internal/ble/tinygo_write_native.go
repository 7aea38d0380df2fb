//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth and WinRT expose acknowledged writes.
const withResponseSupported = true

func writeWithResponse(c bluetooth.DeviceCharacteristic, payload []byte) error {
	_, err := c.Write(payload)
	return err
}
