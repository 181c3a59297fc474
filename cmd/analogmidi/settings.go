package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// ErrInvalidSettings marks a malformed settings payload.
var ErrInvalidSettings = errors.New("invalid settings")

// KeyNote is one (key, note) entry of a channel's mapping. It encodes as a
// two-element JSON array.
type KeyNote struct {
	Key  KeyCode
	Note uint8
}

func (kn KeyNote) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{int(kn.Key), int(kn.Note)})
}

func (kn *KeyNote) UnmarshalJSON(b []byte) error {
	var pair []int
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("key mapping entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("key mapping entry must be [key, note], got %d values", len(pair))
	}
	if pair[0] < 0 || pair[0] >= numKeyCodes {
		return fmt.Errorf("key code %d out of range", pair[0])
	}
	if pair[1] < 0 || pair[1] > 127 {
		return fmt.Errorf("note %d out of range", pair[1])
	}
	kn.Key = KeyCode(pair[0])
	kn.Note = uint8(pair[1])
	return nil
}

// AppSettings is the user-editable engine configuration: mapping, shift and
// note sensitivity. It is what request_config returns and update_config takes.
type AppSettings struct {
	// Channel -> [(key, note)]
	KeyMapping  map[uint8][]KeyNote `json:"keymapping"`
	ShiftAmount int                 `json:"shift_amount"`
	NoteConfig  NoteConfig          `json:"note_config"`
}

// DefaultSettings maps the home row to a chromatic run starting at A3.
func DefaultSettings() AppSettings {
	return AppSettings{
		KeyMapping: map[uint8][]KeyNote{
			0: {
				{KeyA, 57}, {KeyW, 58}, {KeyS, 59}, {KeyD, 60}, {KeyR, 61},
				{KeyF, 62}, {KeyT, 63}, {KeyG, 64}, {KeyH, 65}, {KeyU, 66},
			},
		},
		ShiftAmount: defaultShiftAmount,
		NoteConfig: NoteConfig{
			Threshold:     defaultThreshold,
			VelocityScale: defaultVelocityScale,
		},
	}
}

// Validate checks ranges and returns an ErrInvalidSettings-wrapped error.
func (s *AppSettings) Validate() error {
	for ch, entries := range s.KeyMapping {
		if ch > maxMIDIChannel {
			return fmt.Errorf("%w: channel %d must be between 0 and %d", ErrInvalidSettings, ch, maxMIDIChannel)
		}
		for i, e := range entries {
			if !e.Key.Valid() {
				return fmt.Errorf("%w: keymapping[%d][%d]: unknown key code %d", ErrInvalidSettings, ch, i, e.Key)
			}
			if e.Note > 127 {
				return fmt.Errorf("%w: keymapping[%d][%d]: note %d out of range", ErrInvalidSettings, ch, i, e.Note)
			}
		}
	}
	if s.ShiftAmount < -maxShiftAmount || s.ShiftAmount > maxShiftAmount {
		return fmt.Errorf("%w: shift_amount must be between %d and %d", ErrInvalidSettings, -maxShiftAmount, maxShiftAmount)
	}
	if !(s.NoteConfig.Threshold > 0 && s.NoteConfig.Threshold < 1) {
		return fmt.Errorf("%w: note_config.threshold must be in (0,1)", ErrInvalidSettings)
	}
	if !(s.NoteConfig.VelocityScale > 0) {
		return fmt.Errorf("%w: note_config.velocity_scale must be > 0", ErrInvalidSettings)
	}
	return nil
}

// Clone returns a deep copy.
func (s AppSettings) Clone() AppSettings {
	out := s
	out.KeyMapping = make(map[uint8][]KeyNote, len(s.KeyMapping))
	for ch, entries := range s.KeyMapping {
		out.KeyMapping[ch] = slices.Clone(entries)
	}
	return out
}

// bindings inverts the channel-keyed mapping into per-key binding lists.
// Channels are visited in ascending order so the result is deterministic.
func (s *AppSettings) bindings() *keyBindings {
	var kb keyBindings

	channels := make([]uint8, 0, len(s.KeyMapping))
	for ch := range s.KeyMapping {
		channels = append(channels, ch)
	}
	slices.Sort(channels)

	for _, ch := range channels {
		for _, e := range s.KeyMapping[ch] {
			if !e.Key.Valid() {
				continue
			}
			kb[e.Key] = append(kb[e.Key], Binding{Channel: ch, Note: e.Note})
		}
	}
	return &kb
}

// DecodeSettings parses and validates a JSON settings payload.
func DecodeSettings(b []byte) (AppSettings, error) {
	var s AppSettings
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return AppSettings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.KeyMapping == nil {
		s.KeyMapping = map[uint8][]KeyNote{}
	}
	if err := s.Validate(); err != nil {
		return AppSettings{}, err
	}
	return s, nil
}

// ============================================================================
// Persistence
// ============================================================================

// settingsStore persists AppSettings.
type settingsStore interface {
	Load() (AppSettings, error)
	Save(AppSettings) error
}

// fileSettingsStore keeps settings as a JSON file.
type fileSettingsStore struct {
	path string
}

func newFileSettingsStore(path string) *fileSettingsStore {
	return &fileSettingsStore{path: ExpandPath(path)}
}

// Load reads the settings file. A missing or empty file is replaced with the
// defaults.
func (f *fileSettingsStore) Load() (AppSettings, error) {
	b, err := os.ReadFile(f.path)
	if err != nil && !os.IsNotExist(err) {
		return AppSettings{}, fmt.Errorf("read settings: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		def := DefaultSettings()
		if err := f.Save(def); err != nil {
			return AppSettings{}, err
		}
		return def, nil
	}
	s, err := DecodeSettings(b)
	if err != nil {
		return AppSettings{}, fmt.Errorf("settings file %s: %w", f.path, err)
	}
	return s, nil
}

// Save writes atomically via a temp file in the same directory.
func (f *fileSettingsStore) Save(s AppSettings) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// ============================================================================
// Throttled saver
// ============================================================================

// settingsSaver writes settings at most once per interval. Requests inside
// the window are coalesced into a single pending save (latest wins).
type settingsSaver struct {
	mu       sync.Mutex
	store    settingsStore
	interval time.Duration
	logger   *slog.Logger

	lastSave time.Time
	pending  *AppSettings
}

func newSettingsSaver(store settingsStore, interval time.Duration, logger *slog.Logger) *settingsSaver {
	return &settingsSaver{store: store, interval: interval, logger: logger}
}

// Request saves now if the window allows it, otherwise defers.
func (s *settingsSaver) Request(settings AppSettings, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastSave.IsZero() && now.Sub(s.lastSave) < s.interval {
		c := settings.Clone()
		s.pending = &c
		s.logger.Debug("settings save deferred", "in", s.interval-now.Sub(s.lastSave))
		return
	}
	s.pending = nil
	s.saveLocked(settings, now)
}

// Tick flushes a deferred save once its window has passed.
func (s *settingsSaver) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || now.Sub(s.lastSave) < s.interval {
		return
	}
	p := *s.pending
	s.pending = nil
	s.saveLocked(p, now)
}

// Flush writes any deferred save regardless of the window.
func (s *settingsSaver) Flush(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return
	}
	p := *s.pending
	s.pending = nil
	s.saveLocked(p, now)
}

func (s *settingsSaver) saveLocked(settings AppSettings, now time.Time) {
	s.lastSave = now
	if err := s.store.Save(settings); err != nil {
		s.logger.Error("failed to save settings", "error", err)
		return
	}
	s.logger.Info("settings saved")
}
