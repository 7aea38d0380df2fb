package provision

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meterlink/internal/ble"
	"github.com/chaz8081/meterlink/internal/ble/bletest"
	"github.com/chaz8081/meterlink/internal/diag"
)

const meterAddr = "AA:BB:CC:DD:EE:01"

type fakeGate struct {
	mu         sync.Mutex
	allow      bool
	writeCheck bool
	calls      int
}

func (g *fakeGate) EnsureBLEPermissions(context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.allow
}

func (g *fakeGate) RequiresWriteCheck() bool { return g.writeCheck }

func (g *fakeGate) set(allow bool) {
	g.mu.Lock()
	g.allow = allow
	g.mu.Unlock()
}

func discovery(addr, name string, rssi int) ble.Discovery {
	return ble.Discovery{
		Peripheral: ble.Peripheral{Address: addr, Name: name, Connectable: true},
		RSSI:       rssi,
	}
}

func newTestEngine(t *testing.T, a *bletest.Adapter, gate Gatekeeper, tweak ...func(*Options)) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.ScanTimeout = 2 * time.Second
	opts.ConnectTimeout = time.Second
	for _, f := range tweak {
		f(&opts)
	}
	e := New(a, gate, diag.NewLog(nil), opts)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func noAutoConnect(o *Options) { o.AutoConnect = false }

func waitFor(t *testing.T, e *Engine, desc string, pred func(State) bool) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := e.Wait(ctx, pred)
	if err != nil {
		t.Fatalf("waiting for %s: %v (last state %+v)", desc, err, s)
	}
	return s
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connectReady(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Connect(context.Background(), meterAddr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if s := e.State(); s.Phase != PhaseConnected || !s.Ready {
		t.Fatalf("after Connect: phase=%v ready=%v, want connected and ready", s.Phase, s.Ready)
	}
}

func logContains(l *diag.Log, substr string) bool {
	for _, entry := range l.Entries() {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func writeCalls(a *bletest.Adapter) []string {
	var out []string
	for _, c := range a.Calls() {
		if strings.HasPrefix(c, "write ") {
			out = append(out, c)
		}
	}
	return out
}

func indexOf(calls []string, prefix string) int {
	for i, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func TestStartScanPermissionDenied(t *testing.T) {
	a := bletest.New(discovery(meterAddr, "EnergyMeter", -50))
	gate := &fakeGate{allow: false}
	e := newTestEngine(t, a, gate)

	err := e.StartScan(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("StartScan() error = %v, want ErrPermissionDenied", err)
	}
	if s := e.State(); s.Phase != PhaseDisconnected {
		t.Errorf("phase = %v, want disconnected", s.Phase)
	}
	if n := a.CallCount("scan"); n != 0 {
		t.Errorf("adapter Scan called %d times, want 0", n)
	}
	if !logContains(e.Log(), "permission denied") {
		t.Error("expected a log entry explaining the denial")
	}
}

func TestScanDeduplicatesByAddress(t *testing.T) {
	a := bletest.New(
		discovery(meterAddr, "Meter", -70),
		discovery("11:22:33:44:55:66", "Phone", -60),
		discovery(meterAddr, "Meter", -40),
	)
	e := newTestEngine(t, a, nil, noAutoConnect, func(o *Options) { o.ScanTimeout = 150 * time.Millisecond })

	if err := e.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	s := waitFor(t, e, "scan timeout", func(s State) bool { return s.Phase == PhaseDisconnected })

	if len(s.Discovered) != 0 {
		t.Errorf("Discovered = %+v, want empty once the scan ended", s.Discovered)
	}
	if len(s.LastScan) != 2 {
		t.Fatalf("len(LastScan) = %d, want 2: %+v", len(s.LastScan), s.LastScan)
	}
	if s.LastScan[0].Peripheral.Address != meterAddr || s.LastScan[0].RSSI != -70 {
		t.Errorf("first entry = %+v, want first-seen %s at -70", s.LastScan[0], meterAddr)
	}
	if !logContains(e.Log(), "Scan finished: 2 devices found") {
		t.Error("expected discovered-count log entry")
	}
	eventually(t, "adapter scan stopped", func() bool { return !a.Scanning() })
}

func TestStopScanIdempotent(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil, noAutoConnect)

	if err := e.StopScan(); err != nil {
		t.Fatalf("StopScan() when idle error: %v", err)
	}
	if e.State().Phase != PhaseDisconnected || e.Log().Len() != 0 {
		t.Fatalf("StopScan() when idle changed state: %+v, %d log entries", e.State(), e.Log().Len())
	}
	if n := a.CallCount("stop-scan"); n != 0 {
		t.Errorf("adapter StopScan called %d times while idle", n)
	}

	if err := e.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	if err := e.StopScan(); err != nil {
		t.Fatalf("StopScan() error: %v", err)
	}
	if e.State().Phase != PhaseDisconnected {
		t.Fatalf("phase = %v after StopScan", e.State().Phase)
	}
	entries := e.Log().Len()

	if err := e.StopScan(); err != nil {
		t.Fatalf("second StopScan() error: %v", err)
	}
	if e.Log().Len() != entries {
		t.Error("second StopScan() appended to the log")
	}
}

func TestStartScanWhileConnectedIsBusy(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.StartScan(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("StartScan() error = %v, want ErrBusy", err)
	}
	if n := a.ScanCount(); n != 0 {
		t.Errorf("ScanCount() = %d, want 0", n)
	}
}

func TestScanFailureIsError(t *testing.T) {
	a := bletest.New()
	a.ScanErr = &ble.TransportError{Op: "scan", Err: ble.ErrRadioOff}
	e := newTestEngine(t, a, nil)

	err := e.StartScan(context.Background())
	if !errors.Is(err, ble.ErrRadioOff) {
		t.Fatalf("StartScan() error = %v, want ErrRadioOff", err)
	}
	if s := e.State(); s.Phase != PhaseError || s.Err == "" {
		t.Errorf("state = %+v, want error phase with message", s)
	}
}

func TestScanFaultAfterStartIsError(t *testing.T) {
	a := bletest.New(discovery(meterAddr, "Phone", -60))
	a.ScanFailErr = &ble.TransportError{Op: "scan", Err: errors.New("org.bluez.Error.NotReady")}
	e := newTestEngine(t, a, nil, noAutoConnect)

	if err := e.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	s := waitFor(t, e, "scan fault", func(s State) bool { return s.Phase != PhaseScanning })

	if s.Phase != PhaseError || !strings.Contains(s.Err, "NotReady") {
		t.Errorf("state = phase %v err %q, want error phase carrying the fault", s.Phase, s.Err)
	}
	if len(s.LastScan) != 1 {
		t.Errorf("LastScan = %+v, want the peripheral seen before the fault", s.LastScan)
	}
	if !logContains(e.Log(), "Scan failed") || logContains(e.Log(), "Scan ended") {
		t.Error("a faulted scan must be logged as a failure, not a normal end")
	}
	eventually(t, "adapter scan released", func() bool { return !a.Scanning() })

	// The engine can scan again after the fault.
	a.ScanFailErr = nil
	if err := e.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() after fault error: %v", err)
	}
	if s := e.State(); s.Phase != PhaseScanning || s.Err != "" {
		t.Errorf("state after rescan = %+v, want scanning without error", s)
	}
}

func TestConnectFromLastScanKeepsName(t *testing.T) {
	a := bletest.New(discovery(meterAddr, "Meter-7", -55))
	e := newTestEngine(t, a, nil, noAutoConnect, func(o *Options) { o.ScanTimeout = 100 * time.Millisecond })

	if err := e.StartScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e, "scan end", func(s State) bool { return s.Phase == PhaseDisconnected })

	connectReady(t, e)
	s := e.State()
	if s.Target == nil || s.Target.Name != "Meter-7" {
		t.Errorf("Target = %+v, want the name from the last scan", s.Target)
	}
	if len(s.LastScan) != 0 {
		t.Errorf("LastScan = %+v, want cleared by the connection attempt", s.LastScan)
	}
}

func TestAutoConnectOnMatchingName(t *testing.T) {
	a := bletest.New(
		discovery("11:22:33:44:55:66", "Phone", -60),
		discovery(meterAddr, "EnergyMeter-01", -50),
	)
	e := newTestEngine(t, a, nil)

	if err := e.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	s := waitFor(t, e, "ready", func(s State) bool { return s.Ready })

	if s.Target == nil || s.Target.Address != meterAddr {
		t.Fatalf("Target = %+v, want %s", s.Target, meterAddr)
	}
	calls := a.Calls()
	if indexOf(calls, "connect 11:22") >= 0 {
		t.Error("connected to a non-matching peripheral")
	}
	if stop, conn := indexOf(calls, "stop-scan"), indexOf(calls, "connect "+meterAddr); stop < 0 || stop > conn {
		t.Errorf("scan must stop before connecting, calls: %v", calls)
	}
	if subs := a.Subscriptions(); len(subs) != 1 {
		t.Errorf("subscriptions = %v, want exactly one", subs)
	}
}

func TestServiceFilterScanInServiceMode(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil, func(o *Options) { o.Matcher.Mode = MatchService })

	if err := e.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	if n := a.CallCount("scan " + ble.ServiceUUID); n != 1 {
		t.Errorf("expected a scan filtered by service UUID, calls: %v", a.Calls())
	}
}

func TestConnectDisconnectsPreviousLink(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.Connect(context.Background(), "AA:BB:CC:DD:EE:02"); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}

	if n := a.LiveConnections(); n != 1 {
		t.Errorf("LiveConnections() = %d, want 1", n)
	}
	calls := a.Calls()
	disc, second := indexOf(calls, "disconnect"), indexOf(calls, "connect AA:BB:CC:DD:EE:02")
	if disc < 0 || disc > second {
		t.Errorf("previous link must be torn down before connecting again, calls: %v", calls)
	}
	if s := e.State(); s.Target == nil || s.Target.Address != "AA:BB:CC:DD:EE:02" {
		t.Errorf("Target = %+v", s.Target)
	}
}

func TestConnectFailure(t *testing.T) {
	a := bletest.New()
	a.ConnectErr = errors.New("peripheral rejected")
	e := newTestEngine(t, a, nil)

	err := e.Connect(context.Background(), meterAddr)
	var connErr *ble.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() error = %v, want *ble.ConnectionError", err)
	}
	if s := e.State(); s.Phase != PhaseError {
		t.Errorf("phase = %v, want error", s.Phase)
	}
}

func TestConnectPermissionDenied(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, &fakeGate{allow: false})

	if err := e.Connect(context.Background(), meterAddr); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Connect() error = %v, want ErrPermissionDenied", err)
	}
	if n := a.CallCount("connect"); n != 0 {
		t.Errorf("adapter Connect called %d times", n)
	}
}

func TestServiceNotFoundKeepsLinkUntilDisconnect(t *testing.T) {
	a := bletest.New()
	a.Services = nil
	e := newTestEngine(t, a, nil)

	err := e.Connect(context.Background(), meterAddr)
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("Connect() error = %v, want ErrServiceNotFound", err)
	}
	s := e.State()
	if s.Phase != PhaseError || s.Ready {
		t.Errorf("state = %+v, want unusable error phase", s)
	}
	if !logContains(e.Log(), "not found") {
		t.Error("expected a service-not-found log entry")
	}
	if n := a.LiveConnections(); n != 1 {
		t.Errorf("LiveConnections() = %d, want 1 until disconnect", n)
	}
	if err := e.SendCredentials(context.Background(), "home", "secret"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCredentials() error = %v, want ErrNotConnected", err)
	}

	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if n := a.LiveConnections(); n != 0 {
		t.Errorf("LiveConnections() = %d after Disconnect", n)
	}
	if e.State().Phase != PhaseDisconnected {
		t.Errorf("phase = %v after Disconnect", e.State().Phase)
	}
}

func TestDiscoveryFailureDiscardsConnection(t *testing.T) {
	a := bletest.New()
	a.DiscoverErr = errors.New("link dropped mid discovery")
	e := newTestEngine(t, a, nil)

	err := e.Connect(context.Background(), meterAddr)
	var discErr *ble.DiscoveryError
	if !errors.As(err, &discErr) {
		t.Fatalf("Connect() error = %v, want *ble.DiscoveryError", err)
	}
	if e.State().Phase != PhaseError {
		t.Errorf("phase = %v, want error", e.State().Phase)
	}
	if n := a.LiveConnections(); n != 0 {
		t.Errorf("LiveConnections() = %d, want 0", n)
	}
}

func TestSendCredentialsWritesPrimaryCharacteristic(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}

	writes := a.Writes()
	if len(writes) != 1 {
		t.Fatalf("len(Writes()) = %d, want 1", len(writes))
	}
	w := writes[0]
	if w.CharUUID != ble.WriteCharUUID || w.Mode != ble.WithResponse {
		t.Errorf("write = %s %s, want %s with-response", w.CharUUID, w.Mode, ble.WriteCharUUID)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body["cmd"] != float64(5) || body["ssid"] != "home" || body["password"] != "secret" {
		t.Errorf("payload = %v", body)
	}

	s := e.State()
	if s.Session.Status != StatusAwaitingConfirmation || s.Session.SSID != "home" {
		t.Errorf("session = %+v, want awaiting confirmation for home", s.Session)
	}
	if s.Phase != PhaseConnected || a.LiveConnections() != 1 {
		t.Error("connection must stay open while awaiting confirmation")
	}
}

func TestWriteModeFallbackOrder(t *testing.T) {
	tests := []struct {
		name      string
		service   ble.Service
		writeErrs map[ble.WriteMode]error
		wantCalls []string
		wantErr   bool
		want      Status
	}{
		{
			name: "without-response only skips with-response",
			service: ble.Service{UUID: ble.ServiceUUID, Characteristics: []ble.CharacteristicInfo{
				{UUID: ble.MessageCharUUID, Notify: true},
				{UUID: ble.WriteCharUUID, WriteWithoutResponse: true},
			}},
			wantCalls: []string{"write " + ble.WriteCharUUID + " without-response"},
			want:      StatusAwaitingConfirmation,
		},
		{
			name:      "with-response failure falls back",
			service:   bletest.MeterService(),
			writeErrs: map[ble.WriteMode]error{ble.WithResponse: errors.New("att rejected")},
			wantCalls: []string{
				"write " + ble.WriteCharUUID + " with-response",
				"write " + ble.WriteCharUUID + " without-response",
			},
			want: StatusAwaitingConfirmation,
		},
		{
			name:    "both modes fail",
			service: bletest.MeterService(),
			writeErrs: map[ble.WriteMode]error{
				ble.WithResponse:    errors.New("att rejected"),
				ble.WithoutResponse: errors.New("att rejected"),
			},
			wantCalls: []string{
				"write " + ble.WriteCharUUID + " with-response",
				"write " + ble.WriteCharUUID + " without-response",
			},
			wantErr: true,
			want:    StatusFailed,
		},
		{
			name: "fallback characteristic when primary missing",
			service: ble.Service{UUID: ble.ServiceUUID, Characteristics: []ble.CharacteristicInfo{
				{UUID: ble.MessageCharUUID, Notify: true, WriteWithResponse: true},
			}},
			wantCalls: []string{"write " + ble.MessageCharUUID + " with-response"},
			want:      StatusAwaitingConfirmation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := bletest.New()
			a.Services = []ble.Service{tt.service}
			a.WriteErrs = tt.writeErrs
			e := newTestEngine(t, a, nil)
			connectReady(t, e)

			err := e.SendCredentials(context.Background(), "home", "secret")
			if (err != nil) != tt.wantErr {
				t.Fatalf("SendCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var we *ble.WriteError
				if !errors.As(err, &we) {
					t.Errorf("error %v does not wrap *ble.WriteError", err)
				}
			}

			got := writeCalls(a)
			if strings.Join(got, "|") != strings.Join(tt.wantCalls, "|") {
				t.Errorf("write calls = %v, want %v", got, tt.wantCalls)
			}
			s := e.State()
			if s.Session.Status != tt.want {
				t.Errorf("status = %v, want %v", s.Session.Status, tt.want)
			}
			if s.Phase != PhaseConnected {
				t.Errorf("phase = %v, write failures must not leave connected", s.Phase)
			}
		})
	}
}

func TestNoWritableCharacteristic(t *testing.T) {
	a := bletest.New()
	a.Services = []ble.Service{{UUID: ble.ServiceUUID, Characteristics: []ble.CharacteristicInfo{
		{UUID: ble.MessageCharUUID, Notify: true},
	}}}
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	err := e.SendCredentials(context.Background(), "home", "secret")
	if !errors.Is(err, ErrNoWritableCharacteristic) {
		t.Fatalf("SendCredentials() error = %v, want ErrNoWritableCharacteristic", err)
	}
	s := e.State()
	if s.Session.Status != StatusFailed || s.Session.Reason != "no writable characteristic" {
		t.Errorf("session = %+v", s.Session)
	}
	if s.Phase != PhaseConnected {
		t.Errorf("phase = %v, want connected", s.Phase)
	}
	if len(a.Writes()) != 0 {
		t.Error("no write expected")
	}
}

func TestSendCredentialsPreconditions(t *testing.T) {
	t.Run("empty inputs", func(t *testing.T) {
		a := bletest.New()
		e := newTestEngine(t, a, nil)
		connectReady(t, e)
		for _, in := range [][2]string{{"", "secret"}, {"home", ""}, {"  ", "secret"}} {
			if err := e.SendCredentials(context.Background(), in[0], in[1]); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("SendCredentials(%q, %q) error = %v", in[0], in[1], err)
			}
		}
		if len(a.Writes()) != 0 {
			t.Error("invalid credentials must not be written")
		}
		if e.State().Session.Status != StatusIdle {
			t.Errorf("status = %v, want idle", e.State().Session.Status)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		e := newTestEngine(t, bletest.New(), nil)
		if err := e.SendCredentials(context.Background(), "home", "secret"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("permission re-check at write time", func(t *testing.T) {
		a := bletest.New()
		gate := &fakeGate{allow: true, writeCheck: true}
		e := newTestEngine(t, a, gate)
		connectReady(t, e)
		gate.set(false)

		if err := e.SendCredentials(context.Background(), "home", "secret"); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("error = %v, want ErrPermissionDenied", err)
		}
		if len(a.Writes()) != 0 {
			t.Error("write must not happen without permission")
		}
	})
}

func TestSendCredentialsReentrancyGuard(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("first SendCredentials() error: %v", err)
	}
	entries := e.Log().Len()

	if err := e.SendCredentials(context.Background(), "other", "pass"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second SendCredentials() error = %v, want ErrBusy", err)
	}
	if n := len(a.Writes()); n != 1 {
		t.Errorf("len(Writes()) = %d, want 1", n)
	}
	if s := e.State(); s.Session.SSID != "home" || s.Session.Status != StatusAwaitingConfirmation {
		t.Errorf("session changed: %+v", s.Session)
	}
	if e.Log().Len() != entries {
		t.Error("guarded call must not log")
	}
}

func TestStaleConnectionBeforeWrite(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)
	a.SilentDrop()

	err := e.SendCredentials(context.Background(), "home", "secret")
	if !errors.Is(err, ErrStaleConnection) {
		t.Fatalf("SendCredentials() error = %v, want ErrStaleConnection", err)
	}
	if len(writeCalls(a)) != 0 {
		t.Error("no write may be attempted on a stale link")
	}
	s := e.State()
	if s.Phase != PhaseDisconnected || s.Session.Status != StatusIdle {
		t.Errorf("state = %+v, want disconnected with idle session", s)
	}
	if !logContains(e.Log(), "no longer alive") {
		t.Error("expected a stale-link log entry")
	}
}

func TestLinkLostRightAfterWrite(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)
	a.OnWrite = func(bletest.Write) { a.DropLink() }

	err := e.SendCredentials(context.Background(), "home", "secret")
	if !errors.Is(err, ErrStaleConnection) {
		t.Fatalf("SendCredentials() error = %v, want ErrStaleConnection", err)
	}
	s := waitFor(t, e, "disconnect", func(s State) bool { return s.Phase == PhaseDisconnected })
	if s.Session.Status != StatusIdle {
		t.Errorf("session status = %v, want idle", s.Session.Status)
	}
	if !logContains(e.Log(), "session ended before confirmation") {
		t.Error("expected a log entry for the lost confirmation")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		payload string
		want    Status
		wantIP  string
	}{
		{`{"cmd":2,"data":"WiFi OK IP: 192.168.1.42"}`, StatusConfirmed, "192.168.1.42"},
		{`{"cmd":1,"data":4}`, StatusFailed, ""},
		{`{"cmd":5,"data":"Credenciais OK"}`, StatusAwaitingConfirmation, ""},
		{`{"cmd":5,"data":"credentials received"}`, StatusAwaitingConfirmation, ""},
		{"boot complete", StatusIdle, ""},
		{`{"cmd":4,"data":["home","office"]}`, StatusIdle, ""},
		{`{"cmd":99,"data":"future"}`, StatusIdle, ""},
		{`{"cmd":1,"data":7}`, StatusIdle, ""},
		{`{"cmd":2,"data":"rebooting"}`, StatusIdle, ""},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			a := bletest.New()
			e := newTestEngine(t, a, nil)
			connectReady(t, e)
			before := e.Log().Count(diag.OriginPeripheral)

			a.NotifyText(tt.payload)

			s := e.State()
			if s.Session.Status != tt.want {
				t.Errorf("status = %v, want %v", s.Session.Status, tt.want)
			}
			if s.Session.IP != tt.wantIP {
				t.Errorf("IP = %q, want %q", s.Session.IP, tt.wantIP)
			}
			if n := e.Log().Count(diag.OriginPeripheral) - before; n != 1 {
				t.Errorf("peripheral log entries = %d, want exactly 1", n)
			}
			if s.Phase != PhaseConnected {
				t.Errorf("phase = %v, notifications must not change the link", s.Phase)
			}
		})
	}
}

func TestConfirmationAfterSend(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}
	a.NotifyText(`{"cmd":5,"data":"Credenciais recebidas"}`)
	if st := e.State().Session.Status; st != StatusAwaitingConfirmation {
		t.Fatalf("status = %v after acceptance", st)
	}
	a.NotifyText(`{"cmd":2,"data":"WiFi OK IP: 10.0.0.7"}`)

	s := e.State()
	if s.Session.Status != StatusConfirmed || s.Session.IP != "10.0.0.7" || s.Session.SSID != "home" {
		t.Errorf("session = %+v", s.Session)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	a.NotifyText(`{"cmd":2,"data":"WiFi OK IP: 192.168.1.42"}`)
	a.NotifyText(`{"cmd":5,"data":"Credenciais OK"}`)
	a.NotifyText(`{"cmd":1,"data":4}`)

	s := e.State()
	if s.Session.Status != StatusConfirmed || s.Session.IP != "192.168.1.42" {
		t.Errorf("session = %+v, want confirmed to stick", s.Session)
	}
}

func TestDisconnectClearsSession(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}
	a.NotifyText(`{"cmd":2,"data":"WiFi OK IP: 192.168.1.42"}`)

	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	s := e.State()
	if s.Session.Status != StatusIdle || s.Session.IP != "" {
		t.Errorf("session = %+v, want idle without IP", s.Session)
	}
	if s.Phase != PhaseDisconnected || s.Target != nil || s.Ready {
		t.Errorf("state = %+v, want disconnected", s)
	}

	calls := a.Calls()
	cancel, disc := indexOf(calls, "cancel "), indexOf(calls, "disconnect")
	if cancel < 0 || cancel > disc {
		t.Errorf("transactions must be canceled before disconnect, calls: %v", calls)
	}
	if subs := a.Subscriptions(); len(subs) != 0 {
		t.Errorf("dangling subscriptions: %v", subs)
	}
}

func TestDisconnectFromAwaitingConfirmation(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)
	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}

	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if s := e.State().Session; s != (Session{}) {
		t.Errorf("session = %+v, want reset", s)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)

	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect() when idle error: %v", err)
	}
	if e.Log().Len() != 0 || len(a.Calls()) != 0 {
		t.Errorf("idle Disconnect() had effects: log=%d calls=%v", e.Log().Len(), a.Calls())
	}

	connectReady(t, e)
	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	entries, calls := e.Log().Len(), len(a.Calls())
	before := e.State()

	if err := e.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error: %v", err)
	}
	if e.Log().Len() != entries || len(a.Calls()) != calls {
		t.Error("second Disconnect() had effects")
	}
	if after := e.State(); after.Phase != before.Phase || after.Session != before.Session {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestRemoteDisconnect(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)
	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}

	a.DropLink()

	s := waitFor(t, e, "disconnected", func(s State) bool { return s.Phase == PhaseDisconnected })
	if s.Session.Status != StatusIdle {
		t.Errorf("status = %v, want idle", s.Session.Status)
	}
	if !logContains(e.Log(), "Device disconnected") {
		t.Error("expected a disconnect log entry")
	}
}

func TestConfirmTimeout(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil, func(o *Options) { o.ConfirmTimeout = 50 * time.Millisecond })
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}
	s := waitFor(t, e, "failed", func(s State) bool { return s.Session.Status == StatusFailed })
	if !strings.Contains(s.Session.Reason, "no confirmation") {
		t.Errorf("Reason = %q", s.Session.Reason)
	}
}

func TestConfirmTimeoutCanceledByConfirmation(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil, func(o *Options) { o.ConfirmTimeout = 50 * time.Millisecond })
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}
	a.NotifyText(`{"cmd":2,"data":"WiFi OK IP: 192.168.1.42"}`)
	time.Sleep(120 * time.Millisecond)

	if st := e.State().Session.Status; st != StatusConfirmed {
		t.Errorf("status = %v, want confirmed", st)
	}
}

func TestNoConfirmTimeoutByDefault(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if st := e.State().Session.Status; st != StatusAwaitingConfirmation {
		t.Errorf("status = %v, want awaiting confirmation", st)
	}
}

func TestRetryResetsSession(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.SendCredentials(context.Background(), "home", "wrong"); err != nil {
		t.Fatalf("SendCredentials() error: %v", err)
	}
	a.NotifyText(`{"cmd":1,"data":4}`)
	if st := e.State().Session.Status; st != StatusFailed {
		t.Fatalf("status = %v, want failed", st)
	}

	if err := e.Retry(); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	s := e.State().Session
	if s.Status != StatusIdle || s.SSID != "home" || s.Reason != "" {
		t.Errorf("session after Retry = %+v", s)
	}

	if err := e.SendCredentials(context.Background(), "home", "right"); err != nil {
		t.Fatalf("SendCredentials() after Retry error: %v", err)
	}
	if n := len(a.Writes()); n != 2 {
		t.Errorf("len(Writes()) = %d, want 2", n)
	}
}

func TestSendText(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)

	if err := e.SendText(context.Background(), "status"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	writes := a.Writes()
	if len(writes) != 1 || string(writes[0].Payload) != "status" {
		t.Fatalf("writes = %+v", writes)
	}
	if st := e.State().Session.Status; st != StatusIdle {
		t.Errorf("SendText changed session to %v", st)
	}
}

func TestSubscribeLatestWins(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)

	ch, cancel := e.Subscribe()
	defer cancel()
	connectReady(t, e)

	got := <-ch
	want := e.State()
	if got.Phase != want.Phase || got.Ready != want.Ready {
		t.Errorf("subscriber got %+v, want latest %+v", got, want)
	}
	select {
	case s := <-ch:
		t.Errorf("unexpected extra snapshot %+v", s)
	default:
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestCloseStopsEngine(t *testing.T) {
	a := bletest.New()
	e := newTestEngine(t, a, nil)
	connectReady(t, e)
	ch, _ := e.Subscribe()

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if n := a.LiveConnections(); n != 0 {
		t.Errorf("LiveConnections() = %d after Close", n)
	}
	for range ch {
	}
	if err := e.StartScan(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("StartScan() after Close error = %v, want ErrClosed", err)
	}
}
