package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// User is the account returned by Login.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Session is a successful login.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Device is a meter registered with the backend.
type Device struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	MAC       string    `json:"mac"`
	SSID      string    `json:"ssid,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Period selects the report window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod accepts day, week or month. Empty means day.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q (want day, week or month)", ErrInvalidPeriod, s)
}

// Reading is one bucket of a report.
type Reading struct {
	Time time.Time `json:"time"`
	KWh  float64   `json:"kwh"`
}

// Report is the energy consumption of one device over a period.
type Report struct {
	DeviceID string    `json:"device_id"`
	Period   Period    `json:"period"`
	TotalKWh float64   `json:"total_kwh"`
	Readings []Reading `json:"readings"`
}

// Login exchanges credentials for a token and keeps the token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, fmt.Errorf("api: login: email and password are required")
	}
	var s Session
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, in, &s, false); err != nil {
		return nil, err
	}
	if s.Token == "" {
		return nil, fmt.Errorf("api: login: response carried no token")
	}
	c.SetToken(s.Token)
	c.logger.Info("[NET] logged in", "user", s.User.Email)
	return &s, nil
}

// ListDevices returns the user's registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.do(ctx, http.MethodGet, "/devices", nil, nil, &devices, true); err != nil {
		return nil, err
	}
	return devices, nil
}

// RegisterDevice creates a device and returns it with its backend ID.
func (c *Client) RegisterDevice(ctx context.Context, d Device) (*Device, error) {
	if strings.TrimSpace(d.MAC) == "" {
		return nil, fmt.Errorf("api: register device: mac is required")
	}
	var out Device
	if err := c.do(ctx, http.MethodPost, "/devices", nil, d, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Report fetches the energy report of deviceID for period.
func (c *Client) Report(ctx context.Context, deviceID string, period Period) (*Report, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("api: report: device id is required")
	}
	p, err := ParsePeriod(string(period))
	if err != nil {
		return nil, err
	}
	var r Report
	path := "/devices/" + url.PathEscape(deviceID) + "/report"
	if err := c.do(ctx, http.MethodGet, path, url.Values{"period": {string(p)}}, nil, &r, true); err != nil {
		return nil, err
	}
	return &r, nil
}
