// Package provision implements the WiFi provisioning state machine for the
// energy meter: scan, connect, discover, send credentials and wait for the
// device to confirm it joined the network.
//
// Every mutation goes through a single reducer (see reducer.go). Public
// operations and transport callbacks turn into events, the reducer updates
// State under the engine lock and returns side effects that run after the
// lock is released. Consumers read immutable State snapshots through State or
// Subscribe and never touch the transport directly.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/meterlink/internal/ble"
	"github.com/chaz8081/meterlink/internal/diag"
	"github.com/chaz8081/meterlink/internal/protocol"
)

// txnName names the message subscription of conn. Names are per connection
// so tearing down an old link never cancels a newer subscription.
func txnName(conn *ble.Connection) string {
	return "meterlink.messages/" + conn.ID
}

// Gatekeeper grants the platform BLE permission set.
type Gatekeeper interface {
	// EnsureBLEPermissions requests missing grants. It returns false on any
	// denial and never fails otherwise.
	EnsureBLEPermissions(ctx context.Context) bool
	// RequiresWriteCheck reports whether grants must be re-checked before
	// every write.
	RequiresWriteCheck() bool
}

type allowAll struct{}

func (allowAll) EnsureBLEPermissions(context.Context) bool { return true }
func (allowAll) RequiresWriteCheck() bool                  { return false }

// Engine drives one meter through provisioning. Safe for concurrent use.
type Engine struct {
	adapter ble.Adapter
	gate    Gatekeeper
	log     *diag.Log
	opts    Options

	ctx    context.Context // engine lifetime; canceled by Close
	cancel context.CancelFunc

	// mu protects every field below.
	mu         sync.Mutex
	state      State
	conn       *ble.Connection
	password   string // session password, kept out of State snapshots
	seen       map[string]bool
	scanGen    uint64
	scanCancel context.CancelFunc
	linkGen    uint64
	attempt    uint64
	timer      *time.Timer
	subs       map[int]chan State
	nextSub    int
	closed     bool
}

// New creates an engine over adapter. A nil gate grants everything and a nil
// log gets a fresh one.
func New(adapter ble.Adapter, gate Gatekeeper, log *diag.Log, opts Options) *Engine {
	opts.applyDefaults()
	if gate == nil {
		gate = allowAll{}
	}
	if log == nil {
		log = diag.NewLog(opts.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		adapter: adapter,
		gate:    gate,
		log:     log,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		seen:    make(map[string]bool),
		subs:    make(map[int]chan State),
	}
}

// Log returns the diagnostics log the engine writes to.
func (e *Engine) Log() *diag.Log { return e.log }

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Subscribe delivers State snapshots, starting with the current one. Delivery
// is latest-wins: a slow reader only sees the most recent snapshot. The
// channel is closed by cancel or Close.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.state.clone()
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(ch)
			}
			e.mu.Unlock()
		})
	}
}

// Wait blocks until pred holds for a snapshot or ctx is done.
func (e *Engine) Wait(ctx context.Context, pred func(State) bool) (State, error) {
	ch, cancel := e.Subscribe()
	defer cancel()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return e.State(), ErrClosed
			}
			if pred(s) {
				return s, nil
			}
		case <-ctx.Done():
			return e.State(), ctx.Err()
		}
	}
}

// dispatch runs ev through the reducer and then executes its effects.
func (e *Engine) dispatch(ev event) error {
	e.mu.Lock()
	effects, err := e.reduce(ev)
	if err == nil {
		e.publishLocked()
	}
	e.mu.Unlock()

	for _, fx := range effects {
		fx()
	}
	return err
}

// publishLocked hands a snapshot to every subscriber, replacing any snapshot
// the subscriber has not read yet.
func (e *Engine) publishLocked() {
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e.state.clone():
		default:
		}
	}
}

// StartScan begins a scan for meters. The scan ends on its own after
// ScanTimeout, on StopScan, or when a matching peripheral triggers
// auto-connect. ctx bounds only the permission request.
func (e *Engine) StartScan(ctx context.Context) error {
	e.mu.Lock()
	closed, phase := e.closed, e.state.Phase
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	switch phase {
	case PhaseScanning:
		return nil
	case PhaseConnecting, PhaseConnected:
		return ErrBusy
	}

	if !e.gate.EnsureBLEPermissions(ctx) {
		_ = e.dispatch(scanDenied{})
		return ErrPermissionDenied
	}

	req := &scanRequested{}
	if err := e.dispatch(req); err != nil {
		return err
	}

	scanCtx, cancel := context.WithTimeout(e.ctx, e.opts.ScanTimeout)
	var filter *ble.ScanFilter
	if e.opts.Matcher.Mode == MatchService {
		filter = &ble.ScanFilter{Services: []string{e.opts.ServiceUUID}}
	}
	ch, err := e.adapter.Scan(scanCtx, filter)
	if err != nil {
		cancel()
		_ = e.dispatch(scanFailed{gen: req.gen, err: err})
		return fmt.Errorf("provision: scan: %w", err)
	}
	if err := e.dispatch(scanStarted{gen: req.gen, cancel: cancel}); err != nil {
		// Stopped before the radio came up.
		cancel()
		_ = e.adapter.StopScan()
		return err
	}

	go e.pump(scanCtx, req.gen, ch)
	return nil
}

func (e *Engine) pump(ctx context.Context, gen uint64, ch <-chan ble.Discovery) {
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				_ = e.dispatch(scanEnded{gen: gen, timedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)})
				return
			}
			if d.Err != nil {
				_ = e.dispatch(scanFailed{gen: gen, err: d.Err})
				return
			}
			_ = e.dispatch(peripheralFound{gen: gen, d: d})
		case <-ctx.Done():
			_ = e.dispatch(scanEnded{gen: gen, timedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)})
			return
		}
	}
}

// StopScan ends an active scan. It is a no-op when not scanning.
func (e *Engine) StopScan() error {
	return e.dispatch(scanStopRequested{})
}

// Connect connects to address, tearing down any live connection first, and
// blocks until the message subscription is ready or the attempt fails.
func (e *Engine) Connect(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("provision: connect: empty address")
	}
	if !e.gate.EnsureBLEPermissions(ctx) {
		_ = e.dispatch(connectDenied{address: address})
		return ErrPermissionDenied
	}
	req := &connectRequested{address: address}
	if err := e.dispatch(req); err != nil {
		return err
	}
	return e.establish(ctx, req.gen, req.peripheral)
}

// establish connects, discovers services and subscribes to the message
// characteristic. gen identifies the connect request; events from a
// superseded request are discarded by the reducer.
func (e *Engine) establish(ctx context.Context, gen uint64, p ble.Peripheral) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()

	conn, err := e.adapter.Connect(ctx, p.Address)
	if err != nil {
		_ = e.dispatch(connectFailed{gen: gen, err: err})
		return fmt.Errorf("provision: connect %s: %w", p.Address, err)
	}
	if err := e.dispatch(connected{gen: gen, conn: conn}); err != nil {
		return err
	}
	e.adapter.OnDisconnect(conn, func() {
		_ = e.dispatch(linkLost{conn: conn})
	})

	if err := e.adapter.DiscoverServices(ctx, conn); err != nil {
		_ = e.dispatch(discoveryFailed{gen: gen, conn: conn, err: err})
		return fmt.Errorf("provision: discover services: %w", err)
	}

	svc, ok := conn.Service(e.opts.ServiceUUID)
	if !ok {
		_ = e.dispatch(serviceMissing{gen: gen, what: "service " + e.opts.ServiceUUID})
		return fmt.Errorf("%w: %s", ErrServiceNotFound, e.opts.ServiceUUID)
	}
	msgChar, ok := svc.Characteristic(e.opts.MessageCharUUID)
	if !ok || !msgChar.Notify {
		_ = e.dispatch(serviceMissing{gen: gen, what: "notify characteristic " + e.opts.MessageCharUUID})
		return fmt.Errorf("%w: characteristic %s", ErrServiceNotFound, e.opts.MessageCharUUID)
	}

	if !e.adapter.IsConnected(conn) {
		_ = e.dispatch(linkLost{conn: conn, stale: true})
		return ErrStaleConnection
	}
	err = e.adapter.Subscribe(conn, svc.UUID, msgChar.UUID, txnName(conn), func(payload []byte, err error) {
		if err != nil {
			_ = e.dispatch(notifyFailed{conn: conn, err: err})
			return
		}
		_ = e.dispatch(notified{conn: conn, payload: payload})
	})
	if err != nil {
		_ = e.dispatch(subscribeFailed{gen: gen, err: err})
		return fmt.Errorf("provision: subscribe: %w", err)
	}

	return e.dispatch(ready{gen: gen})
}

// readyLink returns the live connection and its service once the engine is
// ready to write.
func (e *Engine) readyLink() (*ble.Connection, ble.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ble.Service{}, ErrClosed
	}
	if e.conn == nil || !e.state.Ready {
		return nil, ble.Service{}, ErrNotConnected
	}
	svc, ok := e.conn.Service(e.opts.ServiceUUID)
	if !ok {
		return nil, ble.Service{}, ErrServiceNotFound
	}
	return e.conn, svc, nil
}

// SendCredentials transmits WiFi credentials and moves the session to
// AwaitingConfirmation once a write succeeds. The connection stays open so
// the confirmation notification can arrive. It is a no-op returning ErrBusy
// while a session is in flight.
func (e *Engine) SendCredentials(ctx context.Context, ssid, password string) error {
	e.mu.Lock()
	inFlight := e.state.Session.Status.InFlight()
	e.mu.Unlock()
	if inFlight {
		return ErrBusy
	}

	if strings.TrimSpace(ssid) == "" || password == "" {
		e.log.Append(diag.OriginApp, "SSID and password are required")
		return ErrInvalidCredentials
	}

	conn, svc, err := e.readyLink()
	if err != nil {
		e.log.Appendf(diag.OriginApp, "Cannot send credentials: %v", err)
		return err
	}

	if e.gate.RequiresWriteCheck() && !e.gate.EnsureBLEPermissions(ctx) {
		e.log.Append(diag.OriginApp, "Bluetooth permission denied; credentials not sent")
		return ErrPermissionDenied
	}

	if !e.adapter.IsConnected(conn) {
		_ = e.dispatch(linkLost{conn: conn, stale: true})
		return ErrStaleConnection
	}

	start := &sendStarted{conn: conn, ssid: ssid, password: password}
	if err := e.dispatch(start); err != nil {
		return err
	}

	c, ok := selectCharacteristic(svc, e.opts.WriteCharUUID, e.opts.MessageCharUUID)
	if !ok {
		_ = e.dispatch(writeFailed{attempt: start.attempt, reason: "no writable characteristic"})
		return ErrNoWritableCharacteristic
	}

	mode, err := e.writeWithFallback(ctx, conn, svc.UUID, c, protocol.EncodeCredentials(ssid, password))
	if errors.Is(err, ErrStaleConnection) {
		_ = e.dispatch(linkLost{conn: conn, stale: true})
		return err
	}
	if err != nil {
		_ = e.dispatch(writeFailed{attempt: start.attempt, reason: "write failed in every supported mode"})
		return err
	}

	if err := e.dispatch(writeDone{attempt: start.attempt, char: c.UUID, mode: mode}); err != nil {
		// The link dropped or the session was reset while the write was in
		// flight, so no confirmation can arrive.
		e.log.Append(diag.OriginApp, "Credentials written but the session ended before confirmation")
		return ErrStaleConnection
	}
	return nil
}

// SendText passes raw text to the device using the same characteristic
// selection and write-mode fallback as SendCredentials. The session is not
// touched.
func (e *Engine) SendText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	conn, svc, err := e.readyLink()
	if err != nil {
		e.log.Appendf(diag.OriginApp, "Cannot send message: %v", err)
		return err
	}
	if e.gate.RequiresWriteCheck() && !e.gate.EnsureBLEPermissions(ctx) {
		e.log.Append(diag.OriginApp, "Bluetooth permission denied; message not sent")
		return ErrPermissionDenied
	}
	if !e.adapter.IsConnected(conn) {
		_ = e.dispatch(linkLost{conn: conn, stale: true})
		return ErrStaleConnection
	}

	c, ok := selectCharacteristic(svc, e.opts.WriteCharUUID, e.opts.MessageCharUUID)
	if !ok {
		e.log.Append(diag.OriginApp, "No writable characteristic; message not sent")
		return ErrNoWritableCharacteristic
	}
	mode, err := e.writeWithFallback(ctx, conn, svc.UUID, c, protocol.EncodeText(text))
	if errors.Is(err, ErrStaleConnection) {
		_ = e.dispatch(linkLost{conn: conn, stale: true})
		return err
	}
	if err != nil {
		e.log.Appendf(diag.OriginApp, "Message not sent: %v", err)
		return err
	}
	e.log.Appendf(diag.OriginApp, "Sent (%s): %s", mode, text)
	return nil
}

// Retry resets the session to Idle so credentials can be sent again.
func (e *Engine) Retry() error {
	return e.dispatch(retryRequested{})
}

// Disconnect cancels the message subscription, releases the connection and
// resets the session. It is a no-op when already disconnected.
func (e *Engine) Disconnect() error {
	return e.dispatch(disconnectRequested{})
}

// Close disconnects and stops the engine. Subscriber channels are closed.
func (e *Engine) Close() error {
	_ = e.Disconnect()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()

	e.cancel()
	return nil
}
