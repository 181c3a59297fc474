package main

import "time"

// MIDI channel voice status bytes (high nibble, OR'd with the channel).
const (
	statusNoteOff        = 0x80
	statusNoteOn         = 0x90
	statusPolyAftertouch = 0xA0
)

// Playable range of the effective note (A0..C8).
const (
	minPlayableNote = 21
	maxPlayableNote = 108
)

// Engine defaults
const (
	defaultRefreshHz          = 100 // Polling loop frequency (Hz)
	defaultStatusHz           = 30  // Status snapshot frequency (Hz)
	defaultActuationPoint     = 0.2 // Modifier key "pressed" point
	defaultThreshold          = 0.1
	defaultVelocityScale      = 5.0
	defaultShiftAmount        = 12
	defaultDeviceBufferMax    = 5
	defaultSnapshotMaxEntries = 40

	defaultSaveThrottle       = 5 * time.Second
	defaultPortRescanInterval = 2 * time.Second
	defaultReopenInterval     = time.Second
)

// Velocity hysteresis
const (
	// anchorStallEpsilon: a tick moving less than this re-anchors at the current magnitude.
	anchorStallEpsilon = 0.002

	// anchorRegressMargin: falling by more than this re-anchors at the current magnitude.
	anchorRegressMargin = 0.02
)

// USB vendor ids of analog keyboards read by the hidraw backend.
const (
	wootingVendorID       = 0x31e3
	wootingLegacyVendorID = 0x03eb
)

// maxMIDIChannel is the highest zero-based MIDI channel.
const maxMIDIChannel = 15

// maxShiftAmount bounds the configurable global shift in semitones.
const maxShiftAmount = 96
