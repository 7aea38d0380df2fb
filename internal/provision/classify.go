package provision

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/chaz8081/meterlink/internal/protocol"
)

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeConfirmed
	outcomeFailed
	outcomeAccepted
	outcomeUnknownCode
)

type outcome struct {
	kind   outcomeKind
	ip     string
	reason string
}

var ipPattern = regexp.MustCompile(`IP:\s*(\d{1,3}(?:\.\d{1,3}){3})`)

// Markers the firmware uses in GENERIC_MESSAGE to acknowledge credentials.
var acceptedMarkers = []string{"credenciais", "credentials"}

// classify maps a decoded notification to a session outcome.
func classify(msg protocol.Message) outcome {
	if !msg.Structured {
		return outcome{}
	}
	switch msg.Code {
	case protocol.CodeSuccess:
		data, _ := msg.DataString()
		if !strings.Contains(strings.ToLower(data), "wifi ok") {
			return outcome{}
		}
		return outcome{kind: outcomeConfirmed, ip: extractIP(data)}
	case protocol.CodeError:
		if n, ok := msg.DataInt(); ok && n == protocol.ErrCodeWiFiConnect {
			return outcome{kind: outcomeFailed, reason: "device could not join the WiFi network"}
		}
		return outcome{}
	case protocol.CodeGenericMessage:
		data, _ := msg.DataString()
		lower := strings.ToLower(data)
		for _, m := range acceptedMarkers {
			if strings.Contains(lower, m) {
				return outcome{kind: outcomeAccepted}
			}
		}
		return outcome{}
	case protocol.CodeWiFiList:
		return outcome{}
	default:
		return outcome{kind: outcomeUnknownCode}
	}
}

// extractIP returns the first valid IPv4 address after an "IP:" marker.
func extractIP(s string) string {
	for _, m := range ipPattern.FindAllStringSubmatch(s, -1) {
		if addr, err := netip.ParseAddr(m[1]); err == nil && addr.Is4() {
			return addr.String()
		}
	}
	return ""
}
