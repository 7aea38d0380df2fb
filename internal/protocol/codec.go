// Package protocol implements the JSON command protocol spoken with the
// energy meter firmware over the BLE message characteristics.
//
// Every structured payload is a JSON object carrying a numeric "cmd" field:
//
//	{"cmd": 5, "ssid": "home", "password": "secret"}   // outbound WiFi auth
//	{"cmd": 2, "data": "WiFi OK IP: 192.168.1.42"}     // inbound success
//
// Anything that does not parse as such an object is unstructured peripheral
// output and is returned verbatim as plain text.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Code is a command code carried in the "cmd" field.
type Code int

// Outbound command codes.
const (
	CodeWiFiAuth Code = 5
)

// Inbound command codes. Note that 5 means something different in each
// direction.
const (
	CodeError          Code = 1
	CodeSuccess        Code = 2
	CodeWiFiList       Code = 4
	CodeGenericMessage Code = 5
)

// WiFi failure code carried in the data field of a CodeError message.
const ErrCodeWiFiConnect = 4

var inboundNames = map[Code]string{
	CodeError:          "ERROR",
	CodeSuccess:        "SUCCESS",
	CodeWiFiList:       "WIFI_LIST",
	CodeGenericMessage: "GENERIC_MESSAGE",
}

// Known reports whether c is in the inbound code table.
func (c Code) Known() bool {
	_, ok := inboundNames[c]
	return ok
}

func (c Code) String() string {
	if name, ok := inboundNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_%d", int(c))
}

// Message is a decoded inbound payload: either a structured command or plain
// text.
type Message struct {
	Structured bool
	Code       Code
	Data       json.RawMessage
	Text       string // the full decoded text, always set
}

// DataString returns the data field as a string. Non-string JSON values are
// returned in their raw JSON form with ok=false.
func (m Message) DataString() (string, bool) {
	if len(m.Data) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return string(m.Data), false
	}
	return s, true
}

// DataInt returns the data field as an integer.
func (m Message) DataInt() (int, bool) {
	if len(m.Data) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(m.Data, &n); err != nil {
		return 0, false
	}
	return n, true
}

// DecodeInbound turns a raw notification value into text. It never fails:
// invalid UTF-8 is replaced and trailing NUL padding from the firmware is
// stripped.
func DecodeInbound(raw []byte) string {
	raw = bytes.TrimRight(raw, "\x00")
	return strings.ToValidUTF8(string(raw), "�")
}

// ParseCommand parses text as a structured command. Text that is not a JSON
// object with a numeric "cmd" field comes back as plain text; that is a valid
// protocol variant, not an error.
func ParseCommand(text string) Message {
	plain := Message{Text: text}

	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return plain
	}

	var envelope struct {
		Cmd  *json.Number    `json:"cmd"`
		Data json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil || envelope.Cmd == nil {
		return plain
	}
	code, err := envelope.Cmd.Int64()
	if err != nil {
		return plain
	}

	return Message{
		Structured: true,
		Code:       Code(code),
		Data:       envelope.Data,
		Text:       text,
	}
}

type wifiAuth struct {
	Cmd      Code   `json:"cmd"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// EncodeCredentials serializes the WiFi authentication command.
func EncodeCredentials(ssid, password string) []byte {
	// Marshalling a struct of strings cannot fail.
	data, _ := json.Marshal(wifiAuth{Cmd: CodeWiFiAuth, SSID: ssid, Password: password})
	return data
}

// EncodeText encodes raw text for pass-through messaging.
func EncodeText(text string) []byte {
	return []byte(text)
}
