package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/meterlink/internal/ble"
	"github.com/chaz8081/meterlink/internal/diag"
)

// selectCharacteristic picks the transmission characteristic: primary, then
// fallback, then the first characteristic supporting either write mode.
func selectCharacteristic(svc ble.Service, primary, fallback string) (ble.CharacteristicInfo, bool) {
	for _, uuid := range []string{primary, fallback} {
		if c, ok := svc.Characteristic(uuid); ok && c.Writable() {
			return c, true
		}
	}
	for _, c := range svc.Characteristics {
		if c.Writable() {
			return c, true
		}
	}
	return ble.CharacteristicInfo{}, false
}

// writeModes lists the modes to try, with-response first.
func writeModes(c ble.CharacteristicInfo) []ble.WriteMode {
	var modes []ble.WriteMode
	if c.WriteWithResponse {
		modes = append(modes, ble.WithResponse)
	}
	if c.WriteWithoutResponse {
		modes = append(modes, ble.WithoutResponse)
	}
	return modes
}

// writeWithFallback writes payload trying each supported mode in order and
// returns the mode that succeeded. Liveness is checked before every attempt.
func (e *Engine) writeWithFallback(ctx context.Context, conn *ble.Connection, serviceUUID string, c ble.CharacteristicInfo, payload []byte) (ble.WriteMode, error) {
	modes := writeModes(c)
	if len(modes) == 0 {
		return 0, ErrNoWritableCharacteristic
	}

	var errs []error
	for _, mode := range modes {
		if !e.adapter.IsConnected(conn) {
			return 0, ErrStaleConnection
		}
		err := e.adapter.Write(ctx, conn, serviceUUID, c.UUID, payload, mode)
		if err == nil {
			return mode, nil
		}
		e.log.Appendf(diag.OriginSystem, "Write (%s) failed: %v", mode, err)
		e.opts.Logger.Warn("[BLE] write failed", "char", c.UUID, "mode", mode.String(), "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, fmt.Errorf("provision: write %s: %w", c.UUID, errors.Join(errs...))
}
