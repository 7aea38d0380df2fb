package provision

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/meterlink/internal/ble"
)

// MatchMode selects the auto-connect heuristic.
type MatchMode string

const (
	// MatchName accepts an exact default name or a device-family substring.
	MatchName MatchMode = "name"
	// MatchExact accepts only exact default names.
	MatchExact MatchMode = "exact"
	// MatchService filters the scan by service UUID and accepts any result.
	MatchService MatchMode = "service"
)

// ParseMatchMode converts a config string. Empty means MatchName.
func ParseMatchMode(s string) (MatchMode, error) {
	switch m := MatchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MatchName, nil
	case MatchName, MatchExact, MatchService:
		return m, nil
	default:
		return "", fmt.Errorf("provision: unknown match mode %q", s)
	}
}

// Matcher decides which discovered peripherals trigger auto-connect.
type Matcher struct {
	Mode       MatchMode
	Names      []string // exact advertised names
	Substrings []string // case-insensitive device-family markers
}

// Match reports whether d should be connected to automatically.
func (m Matcher) Match(d ble.Discovery) bool {
	if m.Mode == MatchService {
		return true
	}
	name := d.Peripheral.Name
	if name == "" {
		return false
	}
	for _, n := range m.Names {
		if name == n {
			return true
		}
	}
	if m.Mode == MatchExact {
		return false
	}
	lower := strings.ToLower(name)
	for _, s := range m.Substrings {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Options configures an Engine.
type Options struct {
	ServiceUUID     string
	MessageCharUUID string // notify characteristic, fallback write target
	WriteCharUUID   string // primary write target

	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// ConfirmTimeout bounds AwaitingConfirmation. Zero waits indefinitely.
	ConfirmTimeout time.Duration

	AutoConnect bool
	Matcher     Matcher

	Logger *slog.Logger
}

// DefaultOptions returns the firmware profile and the observed timings.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:     ble.ServiceUUID,
		MessageCharUUID: ble.MessageCharUUID,
		WriteCharUUID:   ble.WriteCharUUID,
		ScanTimeout:     10 * time.Second,
		ConnectTimeout:  15 * time.Second,
		AutoConnect:     true,
		Matcher: Matcher{
			Mode:       MatchName,
			Names:      []string{"EnergyMeter"},
			Substrings: []string{"ESP32", "Energy"},
		},
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = def.ServiceUUID
	}
	if o.MessageCharUUID == "" {
		o.MessageCharUUID = def.MessageCharUUID
	}
	if o.WriteCharUUID == "" {
		o.WriteCharUUID = def.WriteCharUUID
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = def.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.ConfirmTimeout < 0 {
		o.ConfirmTimeout = 0
	}
	if o.Matcher.Mode == "" {
		o.Matcher.Mode = MatchName
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
