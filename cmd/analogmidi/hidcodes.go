package main

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyCode is a USB HID keyboard usage id (page 0x07).
type KeyCode uint8

const numKeyCodes = 256

// Keys referenced directly by the engine and the default settings.
const (
	KeyA         KeyCode = 0x04
	KeyD         KeyCode = 0x07
	KeyF         KeyCode = 0x09
	KeyG         KeyCode = 0x0A
	KeyH         KeyCode = 0x0B
	KeyR         KeyCode = 0x15
	KeyS         KeyCode = 0x16
	KeyT         KeyCode = 0x17
	KeyU         KeyCode = 0x18
	KeyW         KeyCode = 0x1A
	KeyLeftShift KeyCode = 0xE1
)

// keyNames is the fixed hardware-key table. An empty entry is not a key.
var keyNames = buildKeyNames()

// validKeyCodes lists every code with a name, ascending.
var validKeyCodes = buildValidKeyCodes()

func buildKeyNames() [numKeyCodes]string {
	var t [numKeyCodes]string

	for i := 0; i < 26; i++ {
		t[0x04+i] = string(rune('A' + i))
	}
	for i := 1; i <= 9; i++ {
		t[0x1E+i-1] = "N" + strconv.Itoa(i)
	}
	t[0x27] = "N0"

	named := map[int]string{
		0x28: "Enter", 0x29: "Escape", 0x2A: "Backspace", 0x2B: "Tab", 0x2C: "Space",
		0x2D: "Minus", 0x2E: "Equal", 0x2F: "BracketLeft", 0x30: "BracketRight",
		0x31: "Backslash", 0x32: "NonUSHash", 0x33: "Semicolon", 0x34: "Quote",
		0x35: "Backquote", 0x36: "Comma", 0x37: "Period", 0x38: "Slash", 0x39: "CapsLock",
		0x46: "PrintScreen", 0x47: "ScrollLock", 0x48: "PauseBreak", 0x49: "Insert",
		0x4A: "Home", 0x4B: "PageUp", 0x4C: "Delete", 0x4D: "End", 0x4E: "PageDown",
		0x4F: "ArrowRight", 0x50: "ArrowLeft", 0x51: "ArrowDown", 0x52: "ArrowUp",
		0x53: "NumLock", 0x54: "NumpadDivide", 0x55: "NumpadMultiply",
		0x56: "NumpadSubtract", 0x57: "NumpadAdd", 0x58: "NumpadEnter",
		0x62: "Numpad0", 0x63: "NumpadDecimal", 0x64: "IntlBackslash",
		0x65: "ContextMenu", 0x66: "Power", 0x67: "NumpadEqual",
		0x7F: "VolumeMute", 0x80: "VolumeUp", 0x81: "VolumeDown",
		0xE0: "LeftCtrl", 0xE1: "LeftShift", 0xE2: "LeftAlt", 0xE3: "LeftMeta",
		0xE4: "RightCtrl", 0xE5: "RightShift", 0xE6: "RightAlt", 0xE7: "RightMeta",
	}
	for code, name := range named {
		t[code] = name
	}

	for i := 0; i < 12; i++ {
		t[0x3A+i] = "F" + strconv.Itoa(i+1)
		t[0x68+i] = "F" + strconv.Itoa(i+13)
	}
	for i := 1; i <= 9; i++ {
		t[0x59+i-1] = "Numpad" + strconv.Itoa(i)
	}

	return t
}

func buildValidKeyCodes() []KeyCode {
	codes := make([]KeyCode, 0, 128)
	for i, name := range keyNames {
		if name != "" {
			codes = append(codes, KeyCode(i))
		}
	}
	return codes
}

// Valid reports whether the code is part of the key table.
func (k KeyCode) Valid() bool {
	return keyNames[k] != ""
}

func (k KeyCode) String() string {
	if name := keyNames[k]; name != "" {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(k))
}

// ParseKeyCode accepts a table name (case-insensitive) or a decimal/0x-prefixed usage id.
func ParseKeyCode(s string) (KeyCode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty key name")
	}
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		k := KeyCode(n)
		if !k.Valid() {
			return 0, fmt.Errorf("unknown key code %s", s)
		}
		return k, nil
	}
	for _, k := range validKeyCodes {
		if strings.EqualFold(keyNames[k], s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown key name %q", s)
}
