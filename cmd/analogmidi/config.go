package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the analogmidi daemon.
//
// User-editable mapping settings (key bindings, shift amount, note
// sensitivity) are not here; they live in the JSON settings file named by
// Settings.Path and are changed at runtime over IPC.
type Config struct {
	Device   DeviceConfig     `yaml:"device"`
	Engine   EngineFileConfig `yaml:"engine"`
	MIDI     MIDIConfig       `yaml:"midi"`
	Settings SettingsConfig   `yaml:"settings"`
	WS       WSConfig         `yaml:"ws"`
	IPC      IPCConfig        `yaml:"ipc"`
	Logging  LoggingConfig    `yaml:"logging"`
}

const (
	deviceBackendHidraw = "hidraw" // analog keyboards
	deviceBackendEvdev  = "evdev"  // digital fallback, full travel on press
)

type DeviceConfig struct {
	Backend            string   `yaml:"backend"`
	Paths              []string `yaml:"paths"`      // glob patterns allowed
	VendorIDs          []uint16 `yaml:"vendor_ids"` // hidraw only; empty accepts any node
	MaxDevices         int      `yaml:"max_devices"`
	SnapshotMaxEntries int      `yaml:"snapshot_max_entries"`
	ReopenIntervalMS   int      `yaml:"reopen_interval_ms"`
}

// EngineFileConfig is the YAML form of EngineConfig (durations in ms, the
// modifier key by HID name).
type EngineFileConfig struct {
	RefreshHz            int     `yaml:"refresh_hz"`
	StatusHz             int     `yaml:"status_hz"`
	ActuationPoint       float64 `yaml:"actuation_point"`
	ModifierKey          string  `yaml:"modifier_key"`
	Aftertouch           bool    `yaml:"aftertouch"`
	PortRescanIntervalMS int     `yaml:"port_rescan_interval_ms"` // 0 disables
	SaveThrottleMS       int     `yaml:"save_throttle_ms"`
}

type MIDIConfig struct {
	// PreferredPort is matched as a substring of the port name during
	// auto-selection. Empty selects index 0.
	PreferredPort string `yaml:"preferred_port"`
}

type SettingsConfig struct {
	Path string `yaml:"path"`
}

type WSConfig struct {
	Listen string `yaml:"listen"` // empty disables
	Path   string `yaml:"path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Backend:            deviceBackendHidraw,
			Paths:              []string{"/dev/hidraw*"},
			VendorIDs:          []uint16{wootingVendorID, wootingLegacyVendorID},
			MaxDevices:         defaultDeviceBufferMax,
			SnapshotMaxEntries: defaultSnapshotMaxEntries,
			ReopenIntervalMS:   int(defaultReopenInterval / time.Millisecond),
		},
		Engine: EngineFileConfig{
			RefreshHz:            defaultRefreshHz,
			StatusHz:             defaultStatusHz,
			ActuationPoint:       defaultActuationPoint,
			ModifierKey:          KeyLeftShift.String(),
			Aftertouch:           true,
			PortRescanIntervalMS: int(defaultPortRescanInterval / time.Millisecond),
			SaveThrottleMS:       int(defaultSaveThrottle / time.Millisecond),
		},
		Settings: SettingsConfig{
			Path: "~/.config/analogmidi/settings.json",
		},
		WS: WSConfig{
			Listen: "127.0.0.1:3002",
			Path:   "/ws",
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/analogmidi.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
// Each override is only applied if its pointer is non-nil.
type FlagOverrides struct {
	DeviceBackend *string
	DevicePaths   []string

	RefreshHz     *int
	StatusHz      *int
	ModifierKey   *string
	Aftertouch    *bool
	PreferredPort *string

	SettingsPath  *string
	WSListen      *string
	IPCSocketPath *string

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.DeviceBackend != nil {
		cfg.Device.Backend = *o.DeviceBackend
	}
	if len(o.DevicePaths) > 0 {
		cfg.Device.Paths = append([]string(nil), o.DevicePaths...)
	}

	if o.RefreshHz != nil {
		cfg.Engine.RefreshHz = *o.RefreshHz
	}
	if o.StatusHz != nil {
		cfg.Engine.StatusHz = *o.StatusHz
	}
	if o.ModifierKey != nil {
		cfg.Engine.ModifierKey = *o.ModifierKey
	}
	if o.Aftertouch != nil {
		cfg.Engine.Aftertouch = *o.Aftertouch
	}
	if o.PreferredPort != nil {
		cfg.MIDI.PreferredPort = *o.PreferredPort
	}

	if o.SettingsPath != nil {
		cfg.Settings.Path = *o.SettingsPath
	}
	if o.WSListen != nil {
		cfg.WS.Listen = *o.WSListen
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Device
	if c.Device.Backend != deviceBackendHidraw && c.Device.Backend != deviceBackendEvdev {
		return fmt.Errorf("device.backend must be %q or %q", deviceBackendHidraw, deviceBackendEvdev)
	}
	if len(c.Device.Paths) == 0 {
		return errors.New("device.paths must not be empty")
	}
	for i, p := range c.Device.Paths {
		if p == "" {
			return fmt.Errorf("device.paths[%d] is empty", i)
		}
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("device.paths[%d]: %w", i, err)
		}
	}
	if c.Device.MaxDevices <= 0 {
		return errors.New("device.max_devices must be > 0")
	}
	if c.Device.SnapshotMaxEntries <= 0 {
		return errors.New("device.snapshot_max_entries must be > 0")
	}
	if c.Device.ReopenIntervalMS <= 0 {
		return errors.New("device.reopen_interval_ms must be > 0")
	}

	// Engine
	if c.Engine.RefreshHz <= 0 || c.Engine.RefreshHz > 1000 {
		return errors.New("engine.refresh_hz must be between 1 and 1000")
	}
	if c.Engine.StatusHz <= 0 || c.Engine.StatusHz > c.Engine.RefreshHz {
		return errors.New("engine.status_hz must be between 1 and engine.refresh_hz")
	}
	if c.Engine.ActuationPoint <= 0 || c.Engine.ActuationPoint >= 1 {
		return errors.New("engine.actuation_point must be in (0, 1)")
	}
	if _, err := ParseKeyCode(c.Engine.ModifierKey); err != nil {
		return fmt.Errorf("engine.modifier_key: %w", err)
	}
	if c.Engine.PortRescanIntervalMS < 0 {
		return errors.New("engine.port_rescan_interval_ms must be >= 0")
	}
	if c.Engine.SaveThrottleMS < 0 {
		return errors.New("engine.save_throttle_ms must be >= 0")
	}

	// Settings
	if c.Settings.Path == "" {
		return errors.New("settings.path must not be empty")
	}

	// WS
	if c.WS.Listen != "" && (c.WS.Path == "" || c.WS.Path[0] != '/') {
		return errors.New("ws.path must start with '/' when ws.listen is set")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToEngineConfig converts the file config into the internal engine config.
// Call after Validate.
func (c *Config) ToEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.RefreshHz = c.Engine.RefreshHz
	cfg.StatusHz = c.Engine.StatusHz
	cfg.ActuationPoint = c.Engine.ActuationPoint
	if key, err := ParseKeyCode(c.Engine.ModifierKey); err == nil {
		cfg.ModifierKey = key
	}
	cfg.Aftertouch = c.Engine.Aftertouch
	cfg.SnapshotMaxEntries = c.Device.SnapshotMaxEntries
	cfg.PortRescanInterval = time.Duration(c.Engine.PortRescanIntervalMS) * time.Millisecond
	cfg.SaveThrottle = time.Duration(c.Engine.SaveThrottleMS) * time.Millisecond
	cfg.PreferredPort = c.MIDI.PreferredPort
	return cfg
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
