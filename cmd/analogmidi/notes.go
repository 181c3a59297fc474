package main

import "strconv"

const octaveNotes = 12

var sharpNames = [octaveNotes]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}
var flatNames = [octaveNotes]string{"C", "Db", "D", "Eb", "E", "F", "Gb", "G", "Ab", "A", "Bb", "B"}

// NoteName renders a MIDI note number in scientific pitch notation (60 = C4).
func NoteName(id int, flat bool) string {
	if id < 0 {
		return strconv.Itoa(id)
	}
	octave := id/octaveNotes - 1
	names := &sharpNames
	if flat {
		names = &flatNames
	}
	return names[id%octaveNotes] + strconv.Itoa(octave)
}

func playable(note int) bool {
	return note >= minPlayableNote && note <= maxPlayableNote
}
