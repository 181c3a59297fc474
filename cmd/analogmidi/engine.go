package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEngineClosed is returned by facade calls made after Shutdown.
var ErrEngineClosed = errors.New("engine closed")

// EngineConfig holds the fixed (non user-editable) engine parameters.
type EngineConfig struct {
	RefreshHz          int
	StatusHz           int
	ActuationPoint     float64
	ModifierKey        KeyCode
	Aftertouch         bool
	SnapshotMaxEntries int
	PortRescanInterval time.Duration
	SaveThrottle       time.Duration
	PreferredPort      string

	// ShutdownJoinTimeout bounds how long Shutdown waits for the polling loop.
	ShutdownJoinTimeout time.Duration
}

// DefaultEngineConfig returns the stock engine parameters.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RefreshHz:           defaultRefreshHz,
		StatusHz:            defaultStatusHz,
		ActuationPoint:      defaultActuationPoint,
		ModifierKey:         KeyLeftShift,
		Aftertouch:          true,
		SnapshotMaxEntries:  defaultSnapshotMaxEntries,
		PortRescanInterval:  defaultPortRescanInterval,
		SaveThrottle:        defaultSaveThrottle,
		ShutdownJoinTimeout: 2 * time.Second,
	}
}

type presence int

const (
	presenceUnknown presence = iota
	presenceHasDevices
	presenceNoDevices
)

func (p presence) String() string {
	switch p {
	case presenceHasDevices:
		return "has_devices"
	case presenceNoDevices:
		return "no_devices"
	default:
		return "unknown"
	}
}

// EngineSnapshot is the read-only view handed to status consumers.
type EngineSnapshot struct {
	DevicesConnected bool           `json:"devices_connected"`
	Devices          []DeviceInfo   `json:"devices"`
	Ports            []PortOption   `json:"ports"`
	Settings         AppSettings    `json:"settings"`
	Status           StatusSnapshot `json:"status"`
}

// ============================================================================
// Engine
// ============================================================================
//
// The engine owns the mapping table, the current settings and the port
// manager. Everything under mu is read-modify-written by the polling loop
// once per tick (write lock) and by facade writers (UpdateConfig,
// SelectPort). Status readers take the read lock.
//
// ============================================================================

type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger
	device DeviceLayer
	events *EventBus
	saver  *settingsSaver
	now    func() time.Time

	mu         sync.RWMutex
	keys       mappingTable
	settings   AppSettings
	ports      *portManager
	presence   presence
	devices    []DeviceInfo
	lastStatus StatusSnapshot
	lastRescan time.Time
	tickCount  uint64
	closed     bool
	errLimiter errorLimiter

	// lifecycle
	lifeMu    sync.Mutex
	running   bool
	loopDone  chan struct{}
	stopping  atomic.Bool
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewEngine wires an engine. Call Init before Run.
func NewEngine(cfg EngineConfig, device DeviceLayer, driver outputDriver, store settingsStore, logger *slog.Logger) *Engine {
	if cfg.RefreshHz <= 0 {
		cfg.RefreshHz = defaultRefreshHz
	}
	if cfg.StatusHz <= 0 {
		cfg.StatusHz = defaultStatusHz
	}
	if cfg.SnapshotMaxEntries <= 0 {
		cfg.SnapshotMaxEntries = defaultSnapshotMaxEntries
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		device:     device,
		events:     NewEventBus(),
		saver:      newSettingsSaver(store, cfg.SaveThrottle, logger),
		now:        time.Now,
		ports:      newPortManager(driver, logger),
		settings:   DefaultSettings(),
		lastStatus: StatusSnapshot{Keys: map[KeyCode]KeyStatus{}},
		errLimiter: errorLimiter{every: time.Second},
		stopCh:     make(chan struct{}),
	}
}

// Init starts the device layer, installs settings and auto-selects an
// output port. A device layer failure is fatal; a missing port is not.
func (e *Engine) Init(settings AppSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	n, err := e.device.Init()
	if err != nil {
		return fmt.Errorf("initialise device layer: %w", err)
	}
	e.logger.Info("device layer initialised", "devices", n)

	e.mu.Lock()
	e.settings = settings.Clone()
	if _, err := e.keys.apply(e.settings.bindings(), nil); err != nil {
		e.logger.Warn("initial mapping", "error", err)
	}
	if err := e.ports.AutoSelect(e.cfg.PreferredPort); err != nil {
		e.logger.Warn("midi output auto-select failed", "error", err)
	}
	opts := e.ports.Options()
	e.mu.Unlock()

	e.events.Publish(PortOptionsChanged{Ports: opts, At: e.now()})
	return nil
}

// Subscribe registers an event consumer. See EventBus.Subscribe.
func (e *Engine) Subscribe() (<-chan AppEvent, func()) {
	return e.events.Subscribe()
}

// RequestConfig returns the current settings.
func (e *Engine) RequestConfig() AppSettings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.Clone()
}

// UpdateConfig atomically replaces mapping, shift amount and NoteConfig.
// Notes dropped by the new mapping are released first. The save to disk is
// throttled.
func (e *Engine) UpdateConfig(settings AppSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	settings = settings.Clone()
	bindings := settings.bindings()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	changed, err := e.keys.apply(bindings, e.ports.Sink())
	e.settings = settings
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("note release during remap", "error", err)
	}
	e.logger.Info("settings updated",
		"keys_remapped", changed,
		"shift_amount", settings.ShiftAmount,
		"threshold", settings.NoteConfig.Threshold,
		"velocity_scale", settings.NoteConfig.VelocityScale)

	e.saver.Request(settings, e.now())
	return nil
}

// PortOptions returns the last enumerated port list.
func (e *Engine) PortOptions() []PortOption {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ports.Options()
}

// SelectPort switches the MIDI output. Notes held on the old port are
// released there before it is closed.
func (e *Engine) SelectPort(index int) ([]PortOption, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	before := e.ports.Options()
	err := e.ports.Select(index, func(old noteSink) {
		if rerr := e.keys.releaseAll(old); rerr != nil {
			e.logger.Warn("note release on port switch", "error", rerr)
		}
	})
	opts := e.ports.Options()
	e.mu.Unlock()

	// A failed select may still have re-read the port list.
	if err == nil || !slices.Equal(before, opts) {
		e.events.Publish(PortOptionsChanged{Ports: opts, At: e.now()})
	}
	return opts, err
}

// Snapshot returns the current engine view.
func (e *Engine) Snapshot() EngineSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	devices := make([]DeviceInfo, len(e.devices))
	copy(devices, e.devices)
	return EngineSnapshot{
		DevicesConnected: e.presence == presenceHasDevices,
		Devices:          devices,
		Ports:            e.ports.Options(),
		Settings:         e.settings.Clone(),
		Status:           e.lastStatus,
	}
}

// Shutdown stops the polling loop and tears down exactly once: pressed notes
// are released, the output connection and driver closed, the device layer
// released, pending settings flushed and subscribers closed. Safe to call
// more than once and before Run.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		e.lifeMu.Lock()
		e.stopping.Store(true)
		close(e.stopCh)
		running, done := e.running, e.loopDone
		e.lifeMu.Unlock()

		if running {
			timeout := e.cfg.ShutdownJoinTimeout
			if timeout <= 0 {
				timeout = 2 * time.Second
			}
			select {
			case <-done:
			case <-time.After(timeout):
				e.logger.Error("polling loop did not stop in time, releasing resources anyway", "timeout", timeout)
			}
		}

		e.teardown()
	})
}

func (e *Engine) teardown() {
	e.mu.Lock()
	e.closed = true
	if err := e.keys.releaseAll(e.ports.Sink()); err != nil {
		e.logger.Warn("note release on shutdown", "error", err)
	}
	if err := e.ports.Close(); err != nil {
		e.logger.Warn("failed to close midi driver", "error", err)
	}
	if err := e.device.Uninit(); err != nil {
		e.logger.Warn("failed to release device layer", "error", err)
	}
	e.mu.Unlock()

	e.saver.Flush(e.now())
	e.events.Close()
	e.logger.Info("engine stopped")
}
