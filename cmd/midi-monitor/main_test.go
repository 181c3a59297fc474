package main

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func mustFrame(t *testing.T, typ string, data any) frame {
	t.Helper()
	f := frame{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatal(err)
		}
		f.Data = b
	}
	return f
}

func TestApply_StateInitThenUpdates(t *testing.T) {
	m := newModel("ws://test/ws")

	err := m.apply(mustFrame(t, "state_init", map[string]any{
		"devices_connected": true,
		"devices":           []map[string]any{{"device_name": "Wooting 60HE", "vendor_id": 0x31e3}},
		"ports":             []map[string]any{{"index": 0, "name": "Midi Through"}, {"index": 1, "name": "FluidSynth", "active": true}},
		"status": map[string]any{"keys": map[string]any{
			"4": map[string]any{"name": "A", "value": 0.5, "notes": []any{}},
		}},
	}))
	if err != nil {
		t.Fatalf("state_init: %v", err)
	}
	if !m.devicesConnected || len(m.devices) != 1 || len(m.ports) != 2 || len(m.keys) != 1 {
		t.Fatalf("model after state_init = %+v", m)
	}

	err = m.apply(mustFrame(t, "status_update", map[string]any{"keys": map[string]any{
		"22": map[string]any{"name": "S", "value": 0.2},
		"4":  map[string]any{"name": "A", "value": 0.9, "notes": []any{map[string]any{"name": "A3", "pressed": true}}},
	}}))
	if err != nil {
		t.Fatalf("status_update: %v", err)
	}
	if got := m.sortedKeys(); len(got) != 2 || got[0] != "4" || got[1] != "22" {
		t.Fatalf("sorted keys = %v", got)
	}

	_ = m.apply(mustFrame(t, "devices_lost", nil))
	if m.devicesConnected || len(m.keys) != 0 {
		t.Fatalf("devices_lost did not reset state: %+v", m)
	}

	_ = m.apply(mustFrame(t, "port_options", map[string]any{"ports": []any{}}))
	if len(m.ports) != 0 {
		t.Fatalf("ports = %v", m.ports)
	}
}

func TestApply_BadPayload(t *testing.T) {
	m := newModel("ws://test/ws")
	f := frame{Type: "status_update", Data: json.RawMessage(`{"keys":5}`)}
	if err := m.apply(f); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestUpdate_ReconnectsAfterClose(t *testing.T) {
	m := newModel("ws://test/ws")
	m.devicesConnected = true

	next, cmd := m.Update(closedMsg{err: errors.New("eof")})
	nm := next.(model)
	if nm.devicesConnected || nm.conn != nil || cmd == nil {
		t.Fatalf("closed: model = %+v, cmd = %v", nm, cmd)
	}

	_, cmd = nm.Update(retryMsg{})
	if cmd == nil {
		t.Fatalf("retry should dial")
	}
}

func TestView_ShowsKeysAndPorts(t *testing.T) {
	m := newModel("ws://test/ws")
	m.devicesConnected = true
	m.ports = []portOption{{Index: 0, Name: "FluidSynth", Active: true}}
	m.keys = map[string]keyStatus{
		"4": {Name: "A", Value: 0.75, Notes: []noteStatus{{Name: "A3", Pressed: true, Velocity: 0.6}}},
	}

	v := m.View()
	for _, want := range []string{"FluidSynth", "A3", "disconnected"} {
		if !strings.Contains(v, want) {
			t.Fatalf("view lacks %q:\n%s", want, v)
		}
	}

	q, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !q.(model).quitting || cmd == nil {
		t.Fatalf("q should quit")
	}
}
