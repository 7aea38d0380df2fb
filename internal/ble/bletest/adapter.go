// Package bletest provides a scriptable in-memory ble.Adapter for tests.
package bletest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/meterlink/internal/ble"
)

// Write records a single characteristic write.
type Write struct {
	CharUUID string
	Mode     ble.WriteMode
	Payload  []byte
}

// MeterService returns the energy meter GATT service the way the firmware
// exposes it: a notify characteristic and a write characteristic.
func MeterService() ble.Service {
	return ble.Service{
		UUID: ble.ServiceUUID,
		Characteristics: []ble.CharacteristicInfo{
			{UUID: ble.MessageCharUUID, Notify: true, WriteWithResponse: true},
			{UUID: ble.WriteCharUUID, WriteWithResponse: true, WriteWithoutResponse: true},
		},
	}
}

// Adapter simulates a BLE radio with scripted peripherals. Exported fields
// configure behaviour and must be set before use.
type Adapter struct {
	Devices  []ble.Discovery
	Services []ble.Service
	ScanErr  error
	// ScanFailErr, when set, ends each scan with a transport fault after the
	// scripted devices have been delivered.
	ScanFailErr  error
	ConnectErr   error
	DiscoverErr  error
	SubscribeErr error
	WriteErrs    map[ble.WriteMode]error
	// OnWrite runs after each successful write, outside the adapter lock.
	OnWrite func(w Write)

	mu         sync.Mutex
	calls      []string
	writes     []Write
	scanStop   chan struct{}
	scans      int
	conns      map[string]*link
	subs       map[string]*subscription
	connSeq    int
	lastConnID string
}

type link struct {
	conn         *ble.Connection
	live         bool
	onDisconnect func()
	fired        bool
}

type subscription struct {
	connID  string
	key     string
	handler ble.NotificationHandler
}

// New returns an adapter that advertises devices and exposes the meter service.
func New(devices ...ble.Discovery) *Adapter {
	return &Adapter{
		Devices:  devices,
		Services: []ble.Service{MeterService()},
	}
}

var _ ble.Adapter = (*Adapter)(nil)

func (a *Adapter) record(format string, args ...any) {
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

// Calls returns the ordered list of adapter operations invoked so far.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount counts calls whose description starts with prefix.
func (a *Adapter) CallCount(prefix string) int {
	n := 0
	for _, c := range a.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Writes returns every write performed so far.
func (a *Adapter) Writes() []Write {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Write, len(a.writes))
	copy(out, a.writes)
	return out
}

func (a *Adapter) Scan(ctx context.Context, filter *ble.ScanFilter) (<-chan ble.Discovery, error) {
	a.mu.Lock()
	if filter != nil && len(filter.Services) > 0 {
		a.record("scan %s", strings.Join(filter.Services, ","))
	} else {
		a.record("scan")
	}
	if a.ScanErr != nil {
		a.mu.Unlock()
		return nil, a.ScanErr
	}
	stop := make(chan struct{})
	a.scanStop = stop
	a.scans++
	devices := append([]ble.Discovery(nil), a.Devices...)
	failErr := a.ScanFailErr
	a.mu.Unlock()

	out := make(chan ble.Discovery)
	go func() {
		defer close(out)
		if failErr != nil {
			devices = append(devices, ble.Discovery{Err: failErr})
		}
		for _, d := range devices {
			select {
			case out <- d:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if failErr != nil {
			a.mu.Lock()
			if a.scanStop == stop {
				a.scanStop = nil
			}
			a.mu.Unlock()
			return
		}
		select {
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("stop-scan")
	if a.scanStop != nil {
		close(a.scanStop)
		a.scanStop = nil
	}
	return nil
}

// ScanCount returns how many scans were started successfully.
func (a *Adapter) ScanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Scanning reports whether a scan is active.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStop != nil
}

func (a *Adapter) Connect(_ context.Context, address string) (*ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("connect %s", address)
	if a.ConnectErr != nil {
		return nil, &ble.ConnectionError{Address: address, Reason: "rejected", Err: a.ConnectErr}
	}
	if a.conns == nil {
		a.conns = make(map[string]*link)
	}
	a.connSeq++
	conn := &ble.Connection{
		ID:         fmt.Sprintf("%s#%d", address, a.connSeq),
		Peripheral: ble.Peripheral{Address: address, Connectable: true},
	}
	a.conns[conn.ID] = &link{conn: conn, live: true}
	a.lastConnID = conn.ID
	return conn, nil
}

func (a *Adapter) DiscoverServices(_ context.Context, conn *ble.Connection) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("discover")
	if a.DiscoverErr != nil {
		return &ble.DiscoveryError{Err: a.DiscoverErr}
	}
	l, ok := a.conns[conn.ID]
	if !ok || !l.live {
		return &ble.DiscoveryError{Err: ble.ErrNotConnected}
	}
	conn.Services = append([]ble.Service(nil), a.Services...)
	return nil
}

func (a *Adapter) IsConnected(conn *ble.Connection) bool {
	if conn == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.conns[conn.ID]
	return ok && l.live
}

// LiveConnections counts links that are currently up.
func (a *Adapter) LiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, l := range a.conns {
		if l.live {
			n++
		}
	}
	return n
}

func (a *Adapter) Subscribe(conn *ble.Connection, serviceUUID, charUUID, transaction string, handler ble.NotificationHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("subscribe %s %s", charUUID, transaction)
	if a.SubscribeErr != nil {
		return a.SubscribeErr
	}
	if a.subs == nil {
		a.subs = make(map[string]*subscription)
	}
	key := strings.ToLower(serviceUUID + "/" + charUUID)
	for name, s := range a.subs {
		if s.connID == conn.ID && s.key == key {
			delete(a.subs, name)
		}
	}
	a.subs[transaction] = &subscription{connID: conn.ID, key: key, handler: handler}
	return nil
}

// Subscriptions returns the names of active transactions.
func (a *Adapter) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var names []string
	for name := range a.subs {
		names = append(names, name)
	}
	return names
}

func (a *Adapter) Write(_ context.Context, conn *ble.Connection, _, charUUID string, payload []byte, mode ble.WriteMode) error {
	a.mu.Lock()
	a.record("write %s %s", charUUID, mode)
	if l, ok := a.conns[conn.ID]; !ok || !l.live {
		a.mu.Unlock()
		return &ble.WriteError{CharUUID: charUUID, Mode: mode, Code: -1, Err: ble.ErrNotConnected}
	}
	if err := a.WriteErrs[mode]; err != nil {
		a.mu.Unlock()
		return &ble.WriteError{CharUUID: charUUID, Mode: mode, Code: 0x0e, Err: err}
	}
	w := Write{CharUUID: charUUID, Mode: mode, Payload: append([]byte(nil), payload...)}
	a.writes = append(a.writes, w)
	hook := a.OnWrite
	a.mu.Unlock()

	if hook != nil {
		hook(w)
	}
	return nil
}

func (a *Adapter) CancelTransaction(transaction string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("cancel %s", transaction)
	delete(a.subs, transaction)
}

func (a *Adapter) Disconnect(conn *ble.Connection) error {
	if conn == nil {
		return nil
	}
	a.mu.Lock()
	a.record("disconnect")
	a.mu.Unlock()
	a.drop(conn.ID)
	return nil
}

func (a *Adapter) OnDisconnect(conn *ble.Connection, cb func()) {
	a.mu.Lock()
	l, ok := a.conns[conn.ID]
	if ok && !l.fired {
		l.onDisconnect = cb
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	// Already gone: fire straight away so the caller still observes it.
	cb()
}

// Notify delivers payload to every subscription on the most recent connection.
func (a *Adapter) Notify(payload []byte) {
	a.mu.Lock()
	var handlers []ble.NotificationHandler
	for _, s := range a.subs {
		if s.connID == a.lastConnID {
			handlers = append(handlers, s.handler)
		}
	}
	a.mu.Unlock()
	for _, h := range handlers {
		h(append([]byte(nil), payload...), nil)
	}
}

// NotifyText is Notify for a string payload.
func (a *Adapter) NotifyText(text string) {
	a.Notify([]byte(text))
}

// DropLink simulates the peripheral going away on the most recent
// connection without an explicit disconnect.
func (a *Adapter) DropLink() {
	a.mu.Lock()
	id := a.lastConnID
	a.mu.Unlock()
	a.drop(id)
}

// SilentDrop marks the most recent link dead without firing any callback,
// the way a stale connection looks before the stack notices.
func (a *Adapter) SilentDrop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.conns[a.lastConnID]; ok {
		l.live = false
	}
}

func (a *Adapter) drop(connID string) {
	a.mu.Lock()
	l, ok := a.conns[connID]
	if !ok || l.fired {
		if ok {
			l.live = false
		}
		a.mu.Unlock()
		return
	}
	l.live = false
	l.fired = true
	var orphaned []ble.NotificationHandler
	for name, s := range a.subs {
		if s.connID == connID {
			orphaned = append(orphaned, s.handler)
			delete(a.subs, name)
		}
	}
	cb := l.onDisconnect
	a.mu.Unlock()

	for _, h := range orphaned {
		h(nil, &ble.TransportError{Op: "notify", Err: ble.ErrLinkLost})
	}
	if cb != nil {
		cb()
	}
}
