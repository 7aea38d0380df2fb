package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	BLE         BLEConfig         `yaml:"ble"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Backend     BackendConfig     `yaml:"backend"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	StorePath   string            `yaml:"store_path"`
}

// BLEConfig holds the meter GATT profile and provisioning timings.
type BLEConfig struct {
	ServiceUUID     string        `yaml:"service_uuid"`
	MessageCharUUID string        `yaml:"message_char_uuid"` // notify
	WriteCharUUID   string        `yaml:"write_char_uuid"`
	DeviceNames     []string      `yaml:"device_names"`    // exact advertised names
	NameSubstrings  []string      `yaml:"name_substrings"` // device-family markers
	MatchMode       string        `yaml:"match_mode"`      // "name", "exact" or "service"
	AutoConnect     bool          `yaml:"auto_connect"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"` // 0 waits indefinitely
}

// PermissionsConfig describes the platform permission model.
type PermissionsConfig struct {
	Tier          string   `yaml:"tier"`           // "legacy" or "modern"
	RuntimeGrants bool     `yaml:"runtime_grants"` // grants must be requested at runtime
	CheckOnWrite  bool     `yaml:"check_on_write"`
	Requester     string   `yaml:"requester"` // "static" or "bluez"
	Granted       []string `yaml:"granted"`   // used by the static requester
}

// BackendConfig holds the REST and pulse endpoints.
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PulseURL     string        `yaml:"pulse_url"`
	Timeout      time.Duration `yaml:"timeout"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around REST calls.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// MQTTConfig configures the optional MQTT pulse source. An empty broker
// disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meterlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ServiceUUID:     "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
			MessageCharUUID: "beb5483e-36e1-4688-b7f5-ea07361b26a8",
			WriteCharUUID:   "beb5483e-36e1-4688-b7f5-ea07361b26a9",
			DeviceNames:     []string{"EnergyMeter"},
			NameSubstrings:  []string{"ESP32", "Energy"},
			MatchMode:       "name",
			AutoConnect:     true,
			ScanTimeout:     10 * time.Second,
			ConnectTimeout:  15 * time.Second,
		},
		Permissions: PermissionsConfig{
			Tier:          "modern",
			RuntimeGrants: true,
			Requester:     "bluez",
		},
		Backend: BackendConfig{
			BaseURL:      "http://localhost:8080/api",
			PulseURL:     "ws://localhost:8080/ws/pulse",
			Timeout:      10 * time.Second,
			ReconnectMax: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			Topic:    "meterlink/pulse",
			ClientID: "meterlink",
		},
		StorePath: filepath.Join(home, ".local", "share", "meterlink", "meterlink.db"),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store_path is expanded to the user's home
// directory and GATT UUIDs are normalised to lower case.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StorePath = expandTilde(cfg.StorePath)
	cfg.BLE.ServiceUUID = normalizeUUID(cfg.BLE.ServiceUUID)
	cfg.BLE.MessageCharUUID = normalizeUUID(cfg.BLE.MessageCharUUID)
	cfg.BLE.WriteCharUUID = normalizeUUID(cfg.BLE.WriteCharUUID)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# meterlink configuration\n# Durations use Go syntax (10s, 1m30s). confirm_timeout 0 waits indefinitely.\n\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	for name, v := range map[string]string{
		"ble.service_uuid":      c.BLE.ServiceUUID,
		"ble.message_char_uuid": c.BLE.MessageCharUUID,
		"ble.write_char_uuid":   c.BLE.WriteCharUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q: %w", name, v, err)
		}
	}

	switch c.BLE.MatchMode {
	case "name", "exact", "service":
	default:
		return fmt.Errorf("ble.match_mode must be name, exact, or service, got %q", c.BLE.MatchMode)
	}
	if c.BLE.MatchMode != "service" && len(c.BLE.DeviceNames) == 0 && len(c.BLE.NameSubstrings) == 0 {
		return fmt.Errorf("ble.device_names or ble.name_substrings must not be empty with match_mode %q", c.BLE.MatchMode)
	}
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.ConfirmTimeout < 0 {
		return fmt.Errorf("ble.confirm_timeout must be >= 0")
	}

	switch c.Permissions.Tier {
	case "legacy", "modern":
	default:
		return fmt.Errorf("permissions.tier must be \"legacy\" or \"modern\", got %q", c.Permissions.Tier)
	}
	switch c.Permissions.Requester {
	case "static", "bluez":
	default:
		return fmt.Errorf("permissions.requester must be \"static\" or \"bluez\", got %q", c.Permissions.Requester)
	}

	if err := validateURL("backend.base_url", c.Backend.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("backend.pulse_url", c.Backend.PulseURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be > 0")
	}
	if c.Backend.ReconnectMax < time.Second {
		return fmt.Errorf("backend.reconnect_max must be at least 1s")
	}
	if c.Backend.Breaker.MaxFailures == 0 {
		return fmt.Errorf("backend.breaker.max_failures must be > 0")
	}

	if c.MQTT.Broker != "" {
		if err := validateURL("mqtt.broker", c.MQTT.Broker, "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss"); err != nil {
			return err
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic must not be empty when mqtt.broker is set")
		}
	}

	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}

	return nil
}

// validateURL accepts an empty value or an absolute URL with one of schemes.
func validateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL, got %q", name, strings.Join(schemes, "/"), raw)
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// normalizeUUID lower-cases a valid UUID and leaves anything else for
// Validate to reject.
func normalizeUUID(s string) string {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return u.String()
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
