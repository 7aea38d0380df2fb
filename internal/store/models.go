package store

import (
	"strings"
	"time"
)

// User is the account the host is logged in as.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	Token      string    `json:"token"`
	LoggedInAt time.Time `json:"logged_in_at"`
}

// Meter is a peripheral that confirmed a WiFi join.
type Meter struct {
	Address       string    `json:"address"`
	Name          string    `json:"name,omitempty"`
	SSID          string    `json:"ssid"`
	IP            string    `json:"ip,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"` // backend ID once registered
	ProvisionedAt time.Time `json:"provisioned_at"`
}

func meterKey(address string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(address)))
}
