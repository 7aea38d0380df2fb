package ble

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter implements Adapter on top of tinygo-org/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS, WinRT on Windows).
//
// tinygo does not expose characteristic properties on every backend, so
// discovered characteristics report every write mode the platform backend
// can perform. Acknowledged writes exist only on macOS and Windows.
type TinyGoAdapter struct {
	radio radio

	// mu protects every field below.
	mu           sync.Mutex
	enabled      bool
	scanning     bool
	scanStop     chan struct{} // closed by StopScan
	scanDone     chan struct{} // closed once the platform scan has returned
	connSeq      uint64
	links        map[string]*tinyGoLink // keyed by Connection.ID
	transactions map[string]*tinyGoSubscription
}

// radio is the part of *bluetooth.Adapter the adapter drives.
type radio interface {
	Enable() error
	SetConnectHandler(func(device bluetooth.Device, connected bool))
	Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error)
}

// scanStopWait bounds how long StopScan waits for the platform scan to return.
const scanStopWait = 3 * time.Second

type tinyGoLink struct {
	device bluetooth.Device
	conn   *Connection
	chars  map[string]bluetooth.DeviceCharacteristic // keyed by charKey
	live   bool

	onDisconnect func()
	fired        sync.Once
}

type tinyGoSubscription struct {
	linkID  string
	key     string
	char    bluetooth.DeviceCharacteristic
	handler NotificationHandler
}

// NewTinyGoAdapter creates an adapter bound to the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return newTinyGoAdapter(bluetooth.DefaultAdapter)
}

func newTinyGoAdapter(r radio) *TinyGoAdapter {
	return &TinyGoAdapter{
		radio:        r,
		links:        make(map[string]*tinyGoLink),
		transactions: make(map[string]*tinyGoSubscription),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.radio.Enable(); err != nil {
		return &TransportError{Op: "enable adapter", Err: fmt.Errorf("%w: %v", ErrRadioOff, err)}
	}

	// tinygo reports remote disconnects through the adapter-level handler.
	a.radio.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		var dropped []*tinyGoLink
		for _, l := range a.links {
			if strings.EqualFold(l.conn.Peripheral.Address, addr) {
				dropped = append(dropped, l)
			}
		}
		a.mu.Unlock()
		for _, l := range dropped {
			slog.Warn("[BLE] link dropped", "address", addr)
			a.drop(l)
		}
	})

	a.enabled = true
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, filter *ScanFilter) (<-chan Discovery, error) {
	if err := a.enable(); err != nil {
		return nil, err
	}

	var wanted []bluetooth.UUID
	if filter != nil {
		for _, s := range filter.Services {
			u, err := bluetooth.ParseUUID(s)
			if err != nil {
				return nil, &TransportError{Op: "scan", Err: fmt.Errorf("parse service UUID %q: %w", s, err)}
			}
			wanted = append(wanted, u)
		}
	}

	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil, &TransportError{Op: "scan", Err: fmt.Errorf("scan already in progress")}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.scanning = true
	a.scanStop, a.scanDone = stop, done
	a.mu.Unlock()

	out := make(chan Discovery, 16)
	send := func(d Discovery) {
		select {
		case out <- d:
		case <-ctx.Done():
		case <-stop:
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = a.StopScan()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		err := a.radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if len(wanted) > 0 && !hasAnyService(result, wanted) {
				return
			}
			send(Discovery{
				Peripheral: Peripheral{
					Address:     result.Address.String(),
					Name:        result.LocalName(),
					Connectable: true,
				},
				RSSI: int(result.RSSI),
			})
		})

		a.mu.Lock()
		a.scanning = false
		a.scanStop, a.scanDone = nil, nil
		stopped := isClosed(stop)
		a.mu.Unlock()
		close(done)

		if err != nil && !stopped && ctx.Err() == nil {
			slog.Error("[BLE] scan ended with error", "error", err)
			send(Discovery{Err: &TransportError{Op: "scan", Err: err}})
		}
	}()

	return out, nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func hasAnyService(result bluetooth.ScanResult, wanted []bluetooth.UUID) bool {
	for _, u := range wanted {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return nil
	}
	stop, done := a.scanStop, a.scanDone
	first := !isClosed(stop)
	if first {
		close(stop)
	}
	a.mu.Unlock()

	var stopErr error
	if first {
		stopErr = a.radio.StopScan()
	}

	// The platform scan returns asynchronously, and a scan that has not
	// registered with the radio yet refuses to stop. Retry until it returns.
	deadline := time.NewTimer(scanStopWait)
	defer deadline.Stop()
	retry := time.NewTicker(20 * time.Millisecond)
	defer retry.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-retry.C:
			if stopErr != nil {
				stopErr = a.radio.StopScan()
			}
		case <-deadline.C:
			if stopErr == nil {
				stopErr = fmt.Errorf("scan still running after %s", scanStopWait)
			}
			return &TransportError{Op: "stop scan", Err: stopErr}
		}
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (*Connection, error) {
	if err := a.enable(); err != nil {
		return nil, &ConnectionError{Address: address, Reason: "radio unavailable", Err: err}
	}

	// On macOS the address is a CoreBluetooth UUID rather than a MAC;
	// Address.Set handles both forms.
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo's Connect blocks with its own timeout; wrap it so ctx wins.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be cancelled. If it later succeeds
		// the link is released straight away.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, &ConnectionError{Address: address, Reason: "timed out", Err: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			return nil, &ConnectionError{Address: address, Reason: "rejected", Err: r.err}
		}
		a.mu.Lock()
		a.connSeq++
		conn := &Connection{
			ID:         fmt.Sprintf("%s#%d", address, a.connSeq),
			Peripheral: Peripheral{Address: address, Connectable: true},
		}
		a.links[conn.ID] = &tinyGoLink{
			device: r.device,
			conn:   conn,
			chars:  make(map[string]bluetooth.DeviceCharacteristic),
			live:   true,
		}
		a.mu.Unlock()
		slog.Info("[BLE] connected", "address", address)
		return conn, nil
	}
}

func (a *TinyGoAdapter) link(conn *Connection) (*tinyGoLink, bool) {
	if conn == nil {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.links[conn.ID]
	if !ok || !l.live {
		return nil, false
	}
	return l, true
}

func (a *TinyGoAdapter) DiscoverServices(_ context.Context, conn *Connection) error {
	l, ok := a.link(conn)
	if !ok {
		return &DiscoveryError{Err: ErrNotConnected}
	}

	svcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return &DiscoveryError{Err: err}
	}

	services := make([]Service, 0, len(svcs))
	chars := make(map[string]bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return &DiscoveryError{Err: fmt.Errorf("characteristics of %s: %w", svc.UUID().String(), err)}
		}
		s := Service{UUID: svc.UUID().String()}
		for _, c := range found {
			s.Characteristics = append(s.Characteristics, characteristicInfo(c.UUID().String()))
			chars[charKey(s.UUID, c.UUID().String())] = c
		}
		services = append(services, s)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !l.live {
		return &DiscoveryError{Err: ErrLinkLost}
	}
	l.chars = chars
	conn.Services = services
	return nil
}

// characteristicInfo reports the capabilities assumed for a discovered
// characteristic on this platform.
func characteristicInfo(uuid string) CharacteristicInfo {
	return CharacteristicInfo{
		UUID:                 uuid,
		WriteWithResponse:    withResponseSupported,
		WriteWithoutResponse: true,
		Notify:               true,
	}
}

func charKey(serviceUUID, charUUID string) string {
	return strings.ToLower(serviceUUID) + "/" + strings.ToLower(charUUID)
}

func (a *TinyGoAdapter) IsConnected(conn *Connection) bool {
	_, ok := a.link(conn)
	return ok
}

func (a *TinyGoAdapter) characteristic(conn *Connection, serviceUUID, charUUID string) (*tinyGoLink, bluetooth.DeviceCharacteristic, error) {
	l, ok := a.link(conn)
	if !ok {
		return nil, bluetooth.DeviceCharacteristic{}, ErrNotConnected
	}
	a.mu.Lock()
	c, ok := l.chars[charKey(serviceUUID, charUUID)]
	a.mu.Unlock()
	if !ok {
		return nil, bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return l, c, nil
}

func (a *TinyGoAdapter) Subscribe(conn *Connection, serviceUUID, charUUID, transaction string, handler NotificationHandler) error {
	l, c, err := a.characteristic(conn, serviceUUID, charUUID)
	if err != nil {
		return err
	}

	key := charKey(serviceUUID, charUUID)
	a.mu.Lock()
	for name, sub := range a.transactions {
		if sub.linkID == l.conn.ID && sub.key == key {
			delete(a.transactions, name)
		}
	}
	a.transactions[transaction] = &tinyGoSubscription{linkID: l.conn.ID, key: key, char: c, handler: handler}
	a.mu.Unlock()

	err = c.EnableNotifications(func(buf []byte) {
		payload := make([]byte, len(buf))
		copy(payload, buf)
		handler(payload, nil)
	})
	if err != nil {
		a.mu.Lock()
		delete(a.transactions, transaction)
		a.mu.Unlock()
		return fmt.Errorf("ble: enable notifications on %s: %w", charUUID, err)
	}
	return nil
}

func (a *TinyGoAdapter) Write(_ context.Context, conn *Connection, serviceUUID, charUUID string, payload []byte, mode WriteMode) error {
	if mode == WithResponse && !withResponseSupported {
		return &WriteError{CharUUID: charUUID, Mode: mode, Code: -1, Err: ErrWriteModeUnsupported}
	}
	_, c, err := a.characteristic(conn, serviceUUID, charUUID)
	if err != nil {
		return &WriteError{CharUUID: charUUID, Mode: mode, Code: -1, Err: err}
	}
	if mode == WithoutResponse {
		_, err = c.WriteWithoutResponse(payload)
	} else {
		err = writeWithResponse(c, payload)
	}
	if err != nil {
		return &WriteError{CharUUID: charUUID, Mode: mode, Code: attErrorCode(err), Err: err}
	}
	return nil
}

var attCodePattern = regexp.MustCompile(`(?i)att error:?\s*0x([0-9a-f]{1,2})`)

// attErrorCode extracts the ATT error code from a platform error message,
// returning -1 when none is present.
func attErrorCode(err error) int {
	m := attCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return -1
	}
	code, perr := strconv.ParseUint(m[1], 16, 8)
	if perr != nil {
		return -1
	}
	return int(code)
}

func (a *TinyGoAdapter) CancelTransaction(transaction string) {
	a.mu.Lock()
	sub, ok := a.transactions[transaction]
	delete(a.transactions, transaction)
	a.mu.Unlock()
	if !ok {
		return
	}
	// A nil callback disables notifications on the tinygo backends.
	if err := sub.char.EnableNotifications(nil); err != nil {
		slog.Debug("[BLE] disable notifications", "transaction", transaction, "error", err)
	}
}

func (a *TinyGoAdapter) Disconnect(conn *Connection) error {
	if conn == nil {
		return nil
	}
	a.mu.Lock()
	l, ok := a.links[conn.ID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	err := l.device.Disconnect()
	a.drop(l)
	if err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", conn.ID, err)
	}
	return nil
}

// drop marks a link dead, fails its subscriptions and fires the disconnect
// callback once.
func (a *TinyGoAdapter) drop(l *tinyGoLink) {
	a.mu.Lock()
	l.live = false
	if a.links[l.conn.ID] == l {
		delete(a.links, l.conn.ID)
	}
	var orphaned []NotificationHandler
	for name, sub := range a.transactions {
		if sub.linkID == l.conn.ID {
			orphaned = append(orphaned, sub.handler)
			delete(a.transactions, name)
		}
	}
	cb := l.onDisconnect
	a.mu.Unlock()

	for _, h := range orphaned {
		h(nil, &TransportError{Op: "notify", Err: ErrLinkLost})
	}
	l.fired.Do(func() {
		if cb != nil {
			cb()
		}
	})
}

func (a *TinyGoAdapter) OnDisconnect(conn *Connection, cb func()) {
	a.mu.Lock()
	l, ok := a.links[conn.ID]
	if ok {
		l.onDisconnect = cb
	}
	a.mu.Unlock()
	// The link went away before the callback was registered.
	if !ok && cb != nil {
		cb()
	}
}
