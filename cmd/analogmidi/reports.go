package main

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"maps"
	"slices"
)

// ============================================================================
// Raw report decoding
// ============================================================================

// hidrawReportIDLen is the report id prefix of an analog input report.
const hidrawReportIDLen = 1

// parseAnalogReport decodes one analog input report into keys, replacing
// their previous contents. After the report id the payload is a list of
// (u16 big-endian usage, u8 value) triples; a zero usage ends the list.
func parseAnalogReport(report []byte, keys map[KeyCode]float64) {
	clear(keys)
	for i := hidrawReportIDLen; i+3 <= len(report); i += 3 {
		usage := uint16(report[i])<<8 | uint16(report[i+1])
		value := report[i+2]
		if usage == 0 {
			break
		}
		if usage > 0xFF || value == 0 {
			continue
		}
		keys[KeyCode(usage)] = float64(value) / 255
	}
}

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// Linux input event types and values (from <linux/input.h>)
const (
	evKey = 0x01

	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// parseKeyEvents applies a buffer of evdev events to keys. A pressed key
// reads as full travel.
func parseKeyEvents(buf []byte, keys map[KeyCode]float64) {
	reader := bytes.NewReader(nil)
	for off := 0; off+inputEventSize <= len(buf); off += inputEventSize {
		reader.Reset(buf[off : off+inputEventSize])
		var ev inputEvent
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			// Skip malformed events
			continue
		}
		if ev.Type != evKey {
			continue
		}
		code, ok := evdevToHID[ev.Code]
		if !ok {
			continue
		}
		switch ev.Value {
		case evValuePress, evValueRepeat:
			keys[code] = 1
		case evValueRelease:
			delete(keys, code)
		}
	}
}

// mergeKeys combines per-device key states (max wins). Codes outside the key
// table are dropped. Over maxEntries, the deepest keys are kept, ties going
// to the lower code.
func mergeKeys(states []map[KeyCode]float64, maxEntries int) map[KeyCode]float64 {
	out := make(map[KeyCode]float64)
	for _, st := range states {
		for code, v := range st {
			if !code.Valid() {
				continue
			}
			if cur, ok := out[code]; !ok || v > cur {
				out[code] = v
			}
		}
	}
	if maxEntries <= 0 || len(out) <= maxEntries {
		return out
	}

	codes := slices.Collect(maps.Keys(out))
	slices.SortFunc(codes, func(a, b KeyCode) int {
		if c := cmp.Compare(out[b], out[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, code := range codes[maxEntries:] {
		delete(out, code)
	}
	return out
}
