package provision

import "github.com/chaz8081/meterlink/internal/ble"

// Phase is the connection-level state of the engine.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseScanning
	PhaseConnecting
	PhaseConnected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseScanning:
		return "scanning"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the WiFi provisioning session status.
type Status int

const (
	StatusIdle Status = iota
	StatusSending
	StatusAwaitingConfirmation
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSending:
		return "sending"
	case StatusAwaitingConfirmation:
		return "awaiting-confirmation"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// rank orders statuses for forward-only transitions. Confirmed and Failed
// are both terminal.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusAwaitingConfirmation:
		return 2
	case StatusConfirmed, StatusFailed:
		return 3
	default:
		return 0
	}
}

// InFlight reports whether credentials are being sent or awaiting an answer.
func (s Status) InFlight() bool {
	return s == StatusSending || s == StatusAwaitingConfirmation
}

// Terminal reports whether the session has resolved.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Session is the WiFi credential exchange attempt.
type Session struct {
	SSID   string
	Status Status
	IP     string // set once Confirmed
	Reason string // set once Failed
}

// State is an immutable snapshot of the engine.
type State struct {
	Phase  Phase
	Target *ble.Peripheral
	// Discovered lists peripherals seen by the running scan, first-seen
	// order. It is empty outside PhaseScanning.
	Discovered []ble.Discovery
	// LastScan holds the peripherals of the last finished scan for manual
	// selection. It is cleared when a new scan starts or a connection is
	// attempted.
	LastScan []ble.Discovery
	// Ready is set once the notification subscription is established.
	Ready   bool
	Session Session
	Err     string
}

func (s State) clone() State {
	out := s
	if s.Target != nil {
		t := *s.Target
		out.Target = &t
	}
	if s.Discovered != nil {
		out.Discovered = append([]ble.Discovery(nil), s.Discovered...)
	}
	if s.LastScan != nil {
		out.LastScan = append([]ble.Discovery(nil), s.LastScan...)
	}
	return out
}
