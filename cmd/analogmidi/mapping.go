package main

import (
	"errors"
	"fmt"
	"slices"
)

// Binding assigns a (channel, note id) pair to a physical key.
type Binding struct {
	Channel uint8 `json:"channel"`
	Note    uint8 `json:"note"`
}

// Key aggregates the notes bound to one physical key.
type Key struct {
	Notes []*Note
	Value float64
}

// update forwards one tick to every bound note and records the new magnitude.
func (k *Key) update(next float64, t noteTick) error {
	var errs []error
	for _, n := range k.Notes {
		if err := n.update(k.Value, next, t); err != nil {
			errs = append(errs, err)
		}
	}
	k.Value = next
	return errors.Join(errs...)
}

// setBindings force-releases the current notes and installs fresh ones.
func (k *Key) setBindings(bindings []Binding, sink noteSink) error {
	err := k.releaseAll(sink)
	k.Notes = k.Notes[:0]
	for _, b := range bindings {
		k.Notes = append(k.Notes, newNote(b))
	}
	return err
}

func (k *Key) releaseAll(sink noteSink) error {
	var errs []error
	for _, n := range k.Notes {
		if err := n.release(sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (k *Key) bindings() []Binding {
	out := make([]Binding, len(k.Notes))
	for i, n := range k.Notes {
		out[i] = n.binding()
	}
	return out
}

func (k *Key) active() bool {
	if k.Value != 0 {
		return true
	}
	for _, n := range k.Notes {
		if n.Pressed {
			return true
		}
	}
	return false
}

// keyBindings is the dense per-key binding list derived from settings.
type keyBindings [numKeyCodes][]Binding

// mappingTable holds a Key for every code of the key table.
type mappingTable struct {
	keys [numKeyCodes]Key
}

// update ticks every key with its snapshot magnitude (0 when absent).
func (m *mappingTable) update(snapshot map[KeyCode]float64, t noteTick) error {
	var errs []error
	for _, code := range validKeyCodes {
		if err := m.keys[code].update(snapshot[code], t); err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", code, err))
		}
	}
	return errors.Join(errs...)
}

// apply installs new bindings. Keys whose binding list is unchanged keep
// their notes (and any sounding press); the rest are released and rebuilt.
// It returns the number of rebuilt keys.
func (m *mappingTable) apply(next *keyBindings, sink noteSink) (int, error) {
	var errs []error
	changed := 0
	for _, code := range validKeyCodes {
		key := &m.keys[code]
		if slices.Equal(key.bindings(), next[code]) {
			continue
		}
		changed++
		if err := key.setBindings(next[code], sink); err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", code, err))
		}
	}
	return changed, errors.Join(errs...)
}

// releaseAll sends a note-off for every pressed note and leaves bindings in place.
func (m *mappingTable) releaseAll(sink noteSink) error {
	var errs []error
	for _, code := range validKeyCodes {
		if err := m.keys[code].releaseAll(sink); err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", code, err))
		}
	}
	return errors.Join(errs...)
}

// status reports every key that is moving or holding a note.
func (m *mappingTable) status() StatusSnapshot {
	snap := StatusSnapshot{Keys: make(map[KeyCode]KeyStatus)}
	for _, code := range validKeyCodes {
		key := &m.keys[code]
		if !key.active() {
			continue
		}
		ks := KeyStatus{Name: code.String(), Value: key.Value, Notes: make([]NoteStatus, 0, len(key.Notes))}
		for _, n := range key.Notes {
			eff := n.effectiveNote()
			ks.Notes = append(ks.Notes, NoteStatus{
				Note:      n.ID,
				Effective: eff,
				Name:      NoteName(eff, false),
				Velocity:  n.Velocity,
				Channel:   n.Channel,
				Pressed:   n.Pressed,
			})
		}
		snap.Keys[code] = ks
	}
	return snap
}
