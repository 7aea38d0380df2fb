package permission

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/meterlink/internal/diag"
)

// recordingRequester grants everything except deny and records requests.
type recordingRequester struct {
	deny      map[Permission]bool
	requested []Permission
}

func (r *recordingRequester) Request(_ context.Context, p Permission) error {
	r.requested = append(r.requested, p)
	if r.deny[p] {
		return ErrDenied
	}
	return nil
}

func TestTierRequired(t *testing.T) {
	tests := []struct {
		tier Tier
		want []Permission
	}{
		{TierLegacy, []Permission{LocationCoarse}},
		{TierModern, []Permission{BluetoothScan, BluetoothConnect, LocationFine}},
	}
	for _, tt := range tests {
		got := tt.tier.Required()
		if len(got) != len(tt.want) {
			t.Fatalf("%s.Required() = %v, want %v", tt.tier, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s.Required()[%d] = %s, want %s", tt.tier, i, got[i], tt.want[i])
			}
		}
	}
}

func TestParseTier(t *testing.T) {
	if tier, err := ParseTier(" Legacy "); err != nil || tier != TierLegacy {
		t.Errorf("ParseTier(Legacy) = %q, %v", tier, err)
	}
	if _, err := ParseTier("android"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestEnsureBLEPermissions(t *testing.T) {
	tests := []struct {
		name          string
		opts          Options
		deny          map[Permission]bool
		want          bool
		wantRequested int
		wantLog       string
	}{
		{
			name:          "modern all granted",
			opts:          Options{Tier: TierModern, RuntimeGrants: true},
			want:          true,
			wantRequested: 3,
		},
		{
			name:          "modern connect denied stops early",
			opts:          Options{Tier: TierModern, RuntimeGrants: true},
			deny:          map[Permission]bool{BluetoothConnect: true},
			want:          false,
			wantRequested: 2,
			wantLog:       "bluetooth.connect",
		},
		{
			name:          "legacy only asks for coarse location",
			opts:          Options{Tier: TierLegacy, RuntimeGrants: true},
			deny:          map[Permission]bool{BluetoothScan: true},
			want:          true,
			wantRequested: 1,
		},
		{
			name:          "no runtime grants never asks",
			opts:          Options{Tier: TierModern},
			deny:          map[Permission]bool{BluetoothScan: true},
			want:          true,
			wantRequested: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &recordingRequester{deny: tt.deny}
			log := diag.NewLog(nil)
			g := New(tt.opts, req, log)

			if got := g.EnsureBLEPermissions(context.Background()); got != tt.want {
				t.Errorf("EnsureBLEPermissions() = %v, want %v", got, tt.want)
			}
			if len(req.requested) != tt.wantRequested {
				t.Errorf("requested %v, want %d requests", req.requested, tt.wantRequested)
			}
			if tt.wantLog != "" {
				entries := log.Entries()
				if len(entries) == 0 || !strings.Contains(entries[0].Message, tt.wantLog) {
					t.Errorf("log = %v, want entry mentioning %q", entries, tt.wantLog)
				}
			}
		})
	}
}

func TestNilRequesterDenies(t *testing.T) {
	g := New(Options{RuntimeGrants: true}, nil, nil)
	if g.EnsureBLEPermissions(context.Background()) {
		t.Error("EnsureBLEPermissions() with no requester should deny")
	}
}

func TestRequiresWriteCheck(t *testing.T) {
	if New(Options{CheckOnWrite: true}, nil, nil).RequiresWriteCheck() {
		t.Error("write check needs runtime grants")
	}
	if !New(Options{RuntimeGrants: true, CheckOnWrite: true}, nil, nil).RequiresWriteCheck() {
		t.Error("RequiresWriteCheck() = false, want true")
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic("Location.Coarse", " bluetooth.scan ")
	if err := s.Request(context.Background(), LocationCoarse); err != nil {
		t.Errorf("Request(location.coarse) error = %v", err)
	}
	if err := s.Request(context.Background(), BluetoothScan); err != nil {
		t.Errorf("Request(bluetooth.scan) error = %v", err)
	}
	err := s.Request(context.Background(), BluetoothConnect)
	if !errors.Is(err, ErrDenied) {
		t.Errorf("Request(bluetooth.connect) error = %v, want ErrDenied", err)
	}
}

func adapterObjects(path string, powered bool) managedObjects {
	return managedObjects{
		dbus.ObjectPath(path): {
			bluezAdapter1: {"Powered": dbus.MakeVariant(powered)},
		},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {
			"org.bluez.Device1": {"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF")},
		},
	}
}

func TestAdapterPowered(t *testing.T) {
	tests := []struct {
		name        string
		objects     managedObjects
		adapter     string
		wantFound   bool
		wantPowered bool
	}{
		{"powered", adapterObjects("/org/bluez/hci0", true), "", true, true},
		{"off", adapterObjects("/org/bluez/hci0", false), "", true, false},
		{"named match", adapterObjects("/org/bluez/hci1", true), "hci1", true, true},
		{"named miss", adapterObjects("/org/bluez/hci0", true), "hci1", false, false},
		{"no adapters", managedObjects{}, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, powered := adapterPowered(tt.objects, tt.adapter)
			if found != tt.wantFound || powered != tt.wantPowered {
				t.Errorf("adapterPowered() = %v, %v, want %v, %v", found, powered, tt.wantFound, tt.wantPowered)
			}
		})
	}
}

func TestBlueZRequest(t *testing.T) {
	tests := []struct {
		name    string
		objects managedObjects
		err     error
		perm    Permission
		wantErr bool
	}{
		{"location always granted", nil, errors.New("bus down"), LocationFine, false},
		{"powered adapter", adapterObjects("/org/bluez/hci0", true), nil, BluetoothScan, false},
		{"powered off", adapterObjects("/org/bluez/hci0", false), nil, BluetoothScan, true},
		{"bus failure", nil, errors.New("bus down"), BluetoothConnect, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &BlueZ{objects: func(context.Context) (managedObjects, error) { return tt.objects, tt.err }}
			err := b.Request(context.Background(), tt.perm)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Request() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDenied) {
				t.Errorf("error %v should wrap ErrDenied", err)
			}
		})
	}
}
