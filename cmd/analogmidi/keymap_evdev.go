package main

// evdevToHID translates Linux KEY_* codes (<linux/input-event-codes.h>) to
// HID keyboard usages for the digital fallback device layer.
var evdevToHID = map[uint16]KeyCode{
	1:  0x29, // ESC
	2:  0x1E, // 1
	3:  0x1F,
	4:  0x20,
	5:  0x21,
	6:  0x22,
	7:  0x23,
	8:  0x24,
	9:  0x25,
	10: 0x26, // 9
	11: 0x27, // 0
	12: 0x2D, // MINUS
	13: 0x2E, // EQUAL
	14: 0x2A, // BACKSPACE
	15: 0x2B, // TAB
	16: 0x14, // Q
	17: 0x1A, // W
	18: 0x08, // E
	19: 0x15, // R
	20: 0x17, // T
	21: 0x1C, // Y
	22: 0x18, // U
	23: 0x0C, // I
	24: 0x12, // O
	25: 0x13, // P
	26: 0x2F, // LEFTBRACE
	27: 0x30, // RIGHTBRACE
	28: 0x28, // ENTER
	29: 0xE0, // LEFTCTRL
	30: 0x04, // A
	31: 0x16, // S
	32: 0x07, // D
	33: 0x09, // F
	34: 0x0A, // G
	35: 0x0B, // H
	36: 0x0D, // J
	37: 0x0E, // K
	38: 0x0F, // L
	39: 0x33, // SEMICOLON
	40: 0x34, // APOSTROPHE
	41: 0x35, // GRAVE
	42: 0xE1, // LEFTSHIFT
	43: 0x31, // BACKSLASH
	44: 0x1D, // Z
	45: 0x1B, // X
	46: 0x06, // C
	47: 0x19, // V
	48: 0x05, // B
	49: 0x11, // N
	50: 0x10, // M
	51: 0x36, // COMMA
	52: 0x37, // DOT
	53: 0x38, // SLASH
	54: 0xE5, // RIGHTSHIFT
	55: 0x55, // KPASTERISK
	56: 0xE2, // LEFTALT
	57: 0x2C, // SPACE
	58: 0x39, // CAPSLOCK
	59: 0x3A, // F1
	60: 0x3B,
	61: 0x3C,
	62: 0x3D,
	63: 0x3E,
	64: 0x3F,
	65: 0x40,
	66: 0x41,
	67: 0x42,
	68: 0x43, // F10
	69: 0x53, // NUMLOCK
	70: 0x47, // SCROLLLOCK
	71: 0x5F, // KP7
	72: 0x60, // KP8
	73: 0x61, // KP9
	74: 0x56, // KPMINUS
	75: 0x5C, // KP4
	76: 0x5D, // KP5
	77: 0x5E, // KP6
	78: 0x57, // KPPLUS
	79: 0x59, // KP1
	80: 0x5A, // KP2
	81: 0x5B, // KP3
	82: 0x62, // KP0
	83: 0x63, // KPDOT
	86: 0x64, // 102ND
	87: 0x44, // F11
	88: 0x45, // F12

	96:  0x58, // KPENTER
	97:  0xE4, // RIGHTCTRL
	98:  0x54, // KPSLASH
	99:  0x46, // SYSRQ
	100: 0xE6, // RIGHTALT
	102: 0x4A, // HOME
	103: 0x52, // UP
	104: 0x4B, // PAGEUP
	105: 0x50, // LEFT
	106: 0x4F, // RIGHT
	107: 0x4D, // END
	108: 0x51, // DOWN
	109: 0x4E, // PAGEDOWN
	110: 0x49, // INSERT
	111: 0x4C, // DELETE
	113: 0x7F, // MUTE
	114: 0x81, // VOLUMEDOWN
	115: 0x80, // VOLUMEUP
	117: 0x67, // KPEQUAL
	119: 0x48, // PAUSE
	125: 0xE3, // LEFTMETA
	126: 0xE7, // RIGHTMETA
	127: 0x65, // COMPOSE
}
