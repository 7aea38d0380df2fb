package provision

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/chaz8081/meterlink/internal/ble"
	"github.com/chaz8081/meterlink/internal/diag"
	"github.com/chaz8081/meterlink/internal/protocol"
)

// event is an input to the reducer. Events that carry a generation or
// connection are discarded when they no longer match the engine, which is
// how late scan results and callbacks from torn-down links are tolerated.
type event interface{ isEvent() }

type (
	scanDenied    struct{}
	scanRequested struct{ gen uint64 } // gen is filled in by the reducer
	scanFailed    struct {
		gen uint64
		err error
	}
	scanStarted struct {
		gen    uint64
		cancel context.CancelFunc
	}
	peripheralFound struct {
		gen uint64
		d   ble.Discovery
	}
	scanEnded struct {
		gen      uint64
		timedOut bool
	}
	scanStopRequested struct{}

	connectDenied    struct{ address string }
	connectRequested struct {
		address    string
		gen        uint64         // filled in by the reducer
		peripheral ble.Peripheral // filled in by the reducer
	}
	connectFailed struct {
		gen uint64
		err error
	}
	connected struct {
		gen  uint64
		conn *ble.Connection
	}
	discoveryFailed struct {
		gen  uint64
		conn *ble.Connection
		err  error
	}
	serviceMissing struct {
		gen  uint64
		what string
	}
	subscribeFailed struct {
		gen uint64
		err error
	}
	ready    struct{ gen uint64 }
	linkLost struct {
		conn  *ble.Connection
		stale bool // detected by a liveness check rather than a callback
	}
	notified struct {
		conn    *ble.Connection
		payload []byte
	}
	notifyFailed struct {
		conn *ble.Connection
		err  error
	}

	sendStarted struct {
		conn     *ble.Connection
		ssid     string
		password string
		attempt  uint64 // filled in by the reducer
	}
	writeFailed struct {
		attempt uint64
		reason  string
	}
	writeDone struct {
		attempt uint64
		char    string
		mode    ble.WriteMode
	}
	confirmExpired      struct{ attempt uint64 }
	retryRequested      struct{}
	disconnectRequested struct{}
)

func (scanDenied) isEvent()          {}
func (*scanRequested) isEvent()      {}
func (scanFailed) isEvent()          {}
func (scanStarted) isEvent()         {}
func (peripheralFound) isEvent()     {}
func (scanEnded) isEvent()           {}
func (scanStopRequested) isEvent()   {}
func (connectDenied) isEvent()       {}
func (*connectRequested) isEvent()   {}
func (connectFailed) isEvent()       {}
func (connected) isEvent()           {}
func (discoveryFailed) isEvent()     {}
func (serviceMissing) isEvent()      {}
func (subscribeFailed) isEvent()     {}
func (ready) isEvent()               {}
func (linkLost) isEvent()            {}
func (notified) isEvent()            {}
func (notifyFailed) isEvent()        {}
func (*sendStarted) isEvent()        {}
func (writeFailed) isEvent()         {}
func (writeDone) isEvent()           {}
func (confirmExpired) isEvent()      {}
func (retryRequested) isEvent()      {}
func (disconnectRequested) isEvent() {}

// reduce applies ev to the engine state. Caller must hold mu. The returned
// effects run after mu is released; a non-nil error means ev was rejected
// or stale and nothing is published.
func (e *Engine) reduce(ev event) ([]func(), error) {
	switch ev := ev.(type) {
	case scanDenied:
		e.log.Append(diag.OriginApp, "Bluetooth permission denied; scan not started")
		return nil, nil

	case *scanRequested:
		if e.closed {
			return nil, ErrClosed
		}
		if p := e.state.Phase; p != PhaseDisconnected && p != PhaseError {
			return nil, ErrBusy
		}
		var effects []func()
		if e.conn != nil {
			// Left over from an Error phase with the link still open.
			effects = append(effects, e.teardownEffect(e.conn))
		}
		e.resetLinkLocked()
		ev.gen = e.scanGen
		e.seen = make(map[string]bool)
		e.state.Phase = PhaseScanning
		e.state.Discovered = nil
		e.state.LastScan = nil
		e.state.Err = ""
		e.log.Appendf(diag.OriginApp, "Scanning for devices (%s)", e.opts.ScanTimeout)
		return effects, nil

	case scanFailed:
		if !e.scanCurrent(ev.gen) {
			return nil, ErrCanceled
		}
		effects := e.leaveScanLocked()
		e.state.Phase = PhaseError
		e.state.Err = ev.err.Error()
		e.log.Appendf(diag.OriginSystem, "Scan failed: %v", ev.err)
		e.opts.Logger.Error("[BLE] scan failed", "error", ev.err)
		return effects, nil

	case scanStarted:
		if !e.scanCurrent(ev.gen) {
			return nil, ErrCanceled
		}
		e.scanCancel = ev.cancel
		return nil, nil

	case peripheralFound:
		return e.reduceFound(ev)

	case scanEnded:
		if !e.scanCurrent(ev.gen) {
			return nil, ErrCanceled
		}
		verb := "ended"
		if ev.timedOut {
			verb = "finished"
		}
		e.log.Appendf(diag.OriginApp, "Scan %s: %s found", verb, deviceCount(len(e.state.Discovered)))
		return e.leaveScanLocked(), nil

	case scanStopRequested:
		if e.state.Phase != PhaseScanning {
			return nil, nil
		}
		e.log.Appendf(diag.OriginApp, "Scan stopped: %s found", deviceCount(len(e.state.Discovered)))
		return e.leaveScanLocked(), nil

	case connectDenied:
		e.log.Appendf(diag.OriginApp, "Bluetooth permission denied; not connecting to %s", ev.address)
		return nil, nil

	case *connectRequested:
		if e.closed {
			return nil, ErrClosed
		}
		if e.state.Phase == PhaseConnecting {
			return nil, ErrBusy
		}
		p := ble.Peripheral{Address: ev.address, Connectable: true}
		for _, d := range slices.Concat(e.state.Discovered, e.state.LastScan) {
			if strings.EqualFold(d.Peripheral.Address, ev.address) {
				p = d.Peripheral
				break
			}
		}
		var effects []func()
		if e.state.Phase == PhaseScanning {
			effects = append(effects, e.stopScanEffect())
		}
		if e.conn != nil {
			e.log.Append(diag.OriginApp, "Disconnecting previous device")
			effects = append(effects, e.teardownEffect(e.conn))
			e.conn = nil
		}
		ev.gen = e.beginConnectLocked(p)
		ev.peripheral = p
		return effects, nil

	case connectFailed:
		if !e.connecting(ev.gen) {
			return nil, ErrCanceled
		}
		e.state.Phase = PhaseError
		e.state.Err = ev.err.Error()
		e.log.Appendf(diag.OriginSystem, "Connection failed: %v", ev.err)
		e.opts.Logger.Warn("[BLE] connect failed", "error", ev.err)
		return nil, nil

	case connected:
		if !e.connecting(ev.gen) {
			// Superseded while the link was coming up: drop it.
			return []func(){e.discardEffect(ev.conn)}, ErrCanceled
		}
		e.conn = ev.conn
		e.state.Phase = PhaseConnected
		e.log.Appendf(diag.OriginApp, "Connected to %s", e.state.Target.Label())
		e.opts.Logger.Info("[BLE] connected", "address", ev.conn.Peripheral.Address)
		return nil, nil

	case discoveryFailed:
		if !e.linked(ev.gen) {
			return nil, ErrCanceled
		}
		conn := e.conn
		e.conn = nil
		e.state.Phase = PhaseError
		e.state.Ready = false
		e.state.Err = ev.err.Error()
		e.log.Appendf(diag.OriginSystem, "Service discovery failed: %v", ev.err)
		return []func(){e.teardownEffect(conn)}, nil

	case serviceMissing:
		if !e.linked(ev.gen) {
			return nil, ErrCanceled
		}
		e.state.Phase = PhaseError
		e.state.Ready = false
		e.state.Err = "not found: " + ev.what
		e.log.Appendf(diag.OriginSystem, "Expected %s not found on device", ev.what)
		return nil, nil

	case subscribeFailed:
		if !e.linked(ev.gen) {
			return nil, ErrCanceled
		}
		e.state.Phase = PhaseError
		e.state.Ready = false
		e.state.Err = ev.err.Error()
		e.log.Appendf(diag.OriginSystem, "Could not subscribe to device messages: %v", ev.err)
		return nil, nil

	case ready:
		if !e.linked(ev.gen) {
			return nil, ErrCanceled
		}
		e.state.Ready = true
		e.log.Append(diag.OriginApp, "Listening for device messages")
		return nil, nil

	case linkLost:
		if !e.current(ev.conn) {
			return nil, ErrCanceled
		}
		if ev.stale {
			e.log.Append(diag.OriginSystem, "Connection is no longer alive")
		}
		e.log.Append(diag.OriginApp, "Device disconnected")
		e.opts.Logger.Warn("[BLE] device disconnected", "address", ev.conn.Peripheral.Address)
		conn := e.conn
		e.resetLinkLocked()
		return []func(){e.teardownEffect(conn)}, nil

	case notified:
		if !e.current(ev.conn) {
			return nil, ErrCanceled
		}
		e.reduceNotification(ev.payload)
		return nil, nil

	case notifyFailed:
		if !e.current(ev.conn) {
			return nil, ErrCanceled
		}
		e.log.Appendf(diag.OriginSystem, "Notification error: %v", ev.err)
		return nil, nil

	case *sendStarted:
		if e.closed {
			return nil, ErrClosed
		}
		if !e.current(ev.conn) || !e.state.Ready {
			return nil, ErrNotConnected
		}
		if e.state.Session.Status.InFlight() {
			return nil, ErrBusy
		}
		if e.state.Session.Status.Terminal() {
			e.log.Append(diag.OriginApp, "Retrying provisioning")
		}
		e.stopTimerLocked()
		e.attempt++
		ev.attempt = e.attempt
		e.password = ev.password
		e.state.Session = Session{SSID: ev.ssid, Status: StatusSending}
		e.log.Appendf(diag.OriginApp, "Sending WiFi credentials for %q", ev.ssid)
		return nil, nil

	case writeFailed:
		if ev.attempt != e.attempt {
			return nil, ErrCanceled
		}
		if e.advance(StatusFailed) {
			e.state.Session.Reason = ev.reason
			e.log.Appendf(diag.OriginApp, "Provisioning failed: %s", ev.reason)
		}
		return nil, nil

	case writeDone:
		if ev.attempt != e.attempt {
			return nil, ErrCanceled
		}
		e.log.Appendf(diag.OriginApp, "Credentials sent via %s (%s); waiting for the device to join WiFi (about 10s)", ev.char, ev.mode)
		if e.advance(StatusAwaitingConfirmation) {
			e.armTimerLocked()
		}
		return nil, nil

	case confirmExpired:
		if ev.attempt != e.attempt || e.state.Session.Status != StatusAwaitingConfirmation {
			return nil, ErrCanceled
		}
		e.timer = nil
		e.advance(StatusFailed)
		e.state.Session.Reason = fmt.Sprintf("no confirmation within %s", e.opts.ConfirmTimeout)
		e.log.Appendf(diag.OriginApp, "Provisioning failed: %s", e.state.Session.Reason)
		return nil, nil

	case retryRequested:
		if e.state.Session.Status == StatusIdle {
			return nil, nil
		}
		e.stopTimerLocked()
		e.attempt++
		e.password = ""
		e.state.Session = Session{SSID: e.state.Session.SSID}
		e.log.Append(diag.OriginApp, "Session reset")
		return nil, nil

	case disconnectRequested:
		if e.state.Phase == PhaseDisconnected && e.conn == nil && e.state.Session == (Session{}) {
			return nil, nil
		}
		var effects []func()
		if e.state.Phase == PhaseScanning {
			effects = append(effects, e.stopScanEffect())
		}
		effects = append(effects, e.teardownEffect(e.conn))
		e.resetLinkLocked()
		e.state.Err = ""
		e.log.Append(diag.OriginApp, "Disconnected")
		return effects, nil
	}

	return nil, fmt.Errorf("provision: unhandled event %T", ev)
}

func (e *Engine) reduceFound(ev peripheralFound) ([]func(), error) {
	if !e.scanCurrent(ev.gen) {
		return nil, ErrCanceled
	}
	addr := strings.ToLower(ev.d.Peripheral.Address)
	if e.seen[addr] {
		return nil, ErrCanceled
	}
	e.seen[addr] = true
	e.state.Discovered = append(e.state.Discovered, ev.d)
	e.log.Appendf(diag.OriginApp, "Found %s (RSSI %d)", ev.d.Peripheral.Label(), ev.d.RSSI)

	if !e.opts.AutoConnect || !ev.d.Peripheral.Connectable || !e.opts.Matcher.Match(ev.d) {
		return nil, nil
	}

	e.log.Appendf(diag.OriginApp, "Recognised meter %s, stopping scan", ev.d.Peripheral.Label())
	stop := e.stopScanEffect()
	p := ev.d.Peripheral
	gen := e.beginConnectLocked(p)
	return []func(){
		stop,
		func() { go func() { _ = e.establish(e.ctx, gen, p) }() },
	}, nil
}

func (e *Engine) reduceNotification(payload []byte) {
	text := protocol.DecodeInbound(payload)
	e.log.Append(diag.OriginPeripheral, text)

	msg := protocol.ParseCommand(text)
	out := classify(msg)
	switch out.kind {
	case outcomeConfirmed:
		if e.advance(StatusConfirmed) {
			e.stopTimerLocked()
			e.state.Session.IP = out.ip
			if out.ip != "" {
				e.log.Appendf(diag.OriginApp, "Device joined WiFi, IP %s", out.ip)
			} else {
				e.log.Append(diag.OriginApp, "Device joined WiFi")
			}
		}
	case outcomeFailed:
		if e.advance(StatusFailed) {
			e.stopTimerLocked()
			e.state.Session.Reason = out.reason
			e.log.Appendf(diag.OriginApp, "Provisioning failed: %s", out.reason)
		}
	case outcomeAccepted:
		if e.advance(StatusAwaitingConfirmation) {
			e.log.Append(diag.OriginApp, "Device accepted the credentials; waiting for WiFi")
			e.armTimerLocked()
		}
	case outcomeUnknownCode:
		e.log.Appendf(diag.OriginSystem, "Ignoring unknown command %s", msg.Code)
	}
}

// advance moves the session forward to s. Backward or sideways moves are
// refused.
func (e *Engine) advance(s Status) bool {
	if s.rank() <= e.state.Session.Status.rank() {
		return false
	}
	e.state.Session.Status = s
	return true
}

func (e *Engine) scanCurrent(gen uint64) bool {
	return gen == e.scanGen && e.state.Phase == PhaseScanning
}

func (e *Engine) connecting(gen uint64) bool {
	return gen == e.linkGen && e.state.Phase == PhaseConnecting
}

// linked reports whether gen's connection is still the engine's.
func (e *Engine) linked(gen uint64) bool {
	return gen == e.linkGen && e.conn != nil
}

func (e *Engine) current(conn *ble.Connection) bool {
	return conn != nil && e.conn != nil && e.conn.ID == conn.ID
}

// leaveScanLocked ends the scan session and returns to Disconnected. The
// session's peripherals move to LastScan for manual selection.
func (e *Engine) leaveScanLocked() []func() {
	e.scanGen++
	e.state.Phase = PhaseDisconnected
	e.state.LastScan = e.state.Discovered
	e.state.Discovered = nil
	return []func(){e.stopScanEffect()}
}

// beginConnectLocked enters Connecting for p and returns the new link
// generation.
func (e *Engine) beginConnectLocked(p ble.Peripheral) uint64 {
	e.scanGen++
	e.linkGen++
	e.attempt++
	e.stopTimerLocked()
	e.password = ""
	target := p
	e.state = State{
		Phase:  PhaseConnecting,
		Target: &target,
	}
	e.log.Appendf(diag.OriginApp, "Connecting to %s", p.Label())
	return e.linkGen
}

// resetLinkLocked drops the connection and session.
func (e *Engine) resetLinkLocked() {
	e.scanGen++
	e.linkGen++
	e.attempt++
	e.stopTimerLocked()
	e.conn = nil
	e.password = ""
	e.state.Phase = PhaseDisconnected
	e.state.Target = nil
	e.state.Ready = false
	e.state.Session = Session{}
}

func (e *Engine) armTimerLocked() {
	if e.opts.ConfirmTimeout <= 0 || e.timer != nil {
		return
	}
	attempt := e.attempt
	e.timer = time.AfterFunc(e.opts.ConfirmTimeout, func() {
		_ = e.dispatch(confirmExpired{attempt: attempt})
	})
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) stopScanEffect() func() {
	cancel := e.scanCancel
	e.scanCancel = nil
	return func() {
		if cancel != nil {
			cancel()
		}
		if err := e.adapter.StopScan(); err != nil {
			e.opts.Logger.Warn("[BLE] stop scan failed", "error", err)
		}
	}
}

// teardownEffect cancels the engine's transactions before releasing conn.
func (e *Engine) teardownEffect(conn *ble.Connection) func() {
	return func() {
		if conn == nil {
			return
		}
		e.adapter.CancelTransaction(txnName(conn))
		if err := e.adapter.Disconnect(conn); err != nil {
			e.opts.Logger.Warn("[BLE] disconnect failed", "error", err)
		}
	}
}

// discardEffect releases a link the engine never adopted.
func (e *Engine) discardEffect(conn *ble.Connection) func() {
	return func() {
		if err := e.adapter.Disconnect(conn); err != nil {
			e.opts.Logger.Warn("[BLE] discard link failed", "error", err)
		}
	}
}

func deviceCount(n int) string {
	if n == 1 {
		return "1 device"
	}
	return fmt.Sprintf("%d devices", n)
}
