package main

import (
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2"
)

// noteSink accepts encoded 3-byte MIDI messages. A connected output port
// satisfies it.
type noteSink interface {
	Send(msg []byte) error
}

// NoteConfig governs trigger sensitivity and velocity sensitivity for all notes.
type NoteConfig struct {
	Threshold     float64 `json:"threshold"`
	VelocityScale float64 `json:"velocity_scale"`
}

// noteTick is everything a note needs from one polling tick besides the
// key magnitudes.
type noteTick struct {
	now        time.Time
	shift      int
	cfg        NoteConfig
	aftertouch bool
	sink       noteSink
}

// Note is one (channel, note id) binding of a physical key.
//
// Pressed implies a note-on went out for effectiveNote() and no matching
// note-off has been sent yet (notes outside the playable range track the
// flag without emitting anything).
type Note struct {
	ID       uint8
	Channel  uint8
	Pressed  bool
	Velocity float64

	shifted int
	vel     velocityTracker
}

func newNote(b Binding) *Note {
	return &Note{ID: b.Note, Channel: b.Channel}
}

func (n *Note) binding() Binding {
	return Binding{Channel: n.Channel, Note: n.ID}
}

func (n *Note) effectiveNote() int {
	return int(n.ID) + n.shifted
}

// update runs one tick of the note state machine.
//
// Without a sink every transition is a no-op; velocity and shift keep
// tracking so the next connected tick starts from current values. On a send
// error the pressed flag is left alone so the transition is retried.
func (n *Note) update(prev, next float64, t noteTick) error {
	if v, ok := n.vel.observe(prev, next, t.now, t.cfg.VelocityScale); ok {
		n.Velocity = v
	}

	// Shift is latched for the whole press.
	if !n.Pressed {
		n.shifted = t.shift
	}

	if t.sink == nil {
		return nil
	}

	eff := n.effectiveNote()
	emit := playable(eff)

	switch {
	case next > t.cfg.Threshold && !n.Pressed:
		if emit {
			if err := t.sink.Send(noteOnMessage(n.Channel, eff, n.Velocity)); err != nil {
				return fmt.Errorf("note on %s ch %d: %w", NoteName(eff, false), n.Channel, err)
			}
		}
		n.Pressed = true

	case next > t.cfg.Threshold && next != prev:
		if emit && t.aftertouch {
			if err := t.sink.Send(aftertouchMessage(n.Channel, eff, next)); err != nil {
				return fmt.Errorf("aftertouch %s ch %d: %w", NoteName(eff, false), n.Channel, err)
			}
		}

	case next <= t.cfg.Threshold && n.Pressed:
		if emit {
			if err := t.sink.Send(noteOffMessage(n.Channel, eff, n.Velocity)); err != nil {
				return fmt.Errorf("note off %s ch %d: %w", NoteName(eff, false), n.Channel, err)
			}
		}
		n.Pressed = false
	}

	return nil
}

// release forces a note-off for a pressed note that is about to be dropped.
// The note counts as released even if the send fails.
func (n *Note) release(sink noteSink) error {
	if !n.Pressed {
		return nil
	}
	n.Pressed = false

	eff := n.effectiveNote()
	if sink == nil || !playable(eff) {
		return nil
	}
	if err := sink.Send(noteOffMessage(n.Channel, eff, n.Velocity)); err != nil {
		return fmt.Errorf("release %s ch %d: %w", NoteName(eff, false), n.Channel, err)
	}
	return nil
}

// valueByte scales a [0,1] value to a 7-bit data byte.
func valueByte(v float64) uint8 {
	return uint8(clamp01(v) * 127)
}

func noteOnMessage(ch uint8, note int, velocity float64) midi.Message {
	vb := valueByte(velocity)
	// Velocity 0 on a note-on reads as a note-off.
	if vb == 0 {
		vb = 1
	}
	return midi.NoteOn(ch, uint8(note), vb)
}

func noteOffMessage(ch uint8, note int, velocity float64) midi.Message {
	return midi.NoteOffVelocity(ch, uint8(note), valueByte(velocity))
}

func aftertouchMessage(ch uint8, note int, pressure float64) midi.Message {
	return midi.PolyAfterTouch(ch, uint8(note), valueByte(pressure))
}
