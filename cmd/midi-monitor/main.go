package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

// ============================================================================
// midi-monitor - live view of the analogmidi status WebSocket
// ============================================================================
// Shows connected keyboards, MIDI outputs and every moving key with the
// notes it is sounding. Reconnects when the daemon goes away.
// ============================================================================

const reconnectDelay = 2 * time.Second

// Wire types (mirror the daemon's JSON).

type frame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type deviceInfo struct {
	VendorID   uint16 `json:"vendor_id"`
	ProductID  uint16 `json:"product_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

type portOption struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type noteStatus struct {
	Name     string  `json:"name"`
	Velocity float64 `json:"velocity"`
	Channel  uint8   `json:"channel"`
	Pressed  bool    `json:"pressed"`
}

type keyStatus struct {
	Name  string       `json:"name"`
	Value float64      `json:"value"`
	Notes []noteStatus `json:"notes"`
}

type statusSnapshot struct {
	Keys map[string]keyStatus `json:"keys"`
}

type stateInit struct {
	DevicesConnected bool           `json:"devices_connected"`
	Devices          []deviceInfo   `json:"devices"`
	Ports            []portOption   `json:"ports"`
	Status           statusSnapshot `json:"status"`
}

// ============================================================================
// Model
// ============================================================================

type model struct {
	url  string
	conn *websocket.Conn
	err  error

	devicesConnected bool
	devices          []deviceInfo
	ports            []portOption
	keys             map[string]keyStatus
	lastFrame        time.Time
	quitting         bool
}

type connMsg struct {
	conn *websocket.Conn
	err  error
}

type frameMsg frame

type closedMsg struct{ err error }

type retryMsg struct{}

func newModel(wsURL string) model {
	return model{url: wsURL, keys: map[string]keyStatus{}}
}

func dial(wsURL string) tea.Cmd {
	return func() tea.Msg {
		d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
		conn, _, err := d.Dial(wsURL, nil)
		return connMsg{conn: conn, err: err}
	}
}

func listen(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return closedMsg{err: err}
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			return closedMsg{err: fmt.Errorf("decode frame: %w", err)}
		}
		return frameMsg(f)
	}
}

func retryLater() tea.Cmd {
	return tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return retryMsg{} })
}

func (m model) Init() tea.Cmd {
	return dial(m.url)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.conn != nil {
				_ = m.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = m.conn.Close()
			}
			return m, tea.Quit
		}

	case connMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, retryLater()
		}
		m.conn, m.err = msg.conn, nil
		return m, listen(m.conn)

	case frameMsg:
		if err := m.apply(frame(msg)); err != nil {
			m.err = err
		}
		return m, listen(m.conn)

	case closedMsg:
		if m.conn != nil {
			_ = m.conn.Close()
		}
		m.conn, m.err = nil, msg.err
		m.devicesConnected = false
		clear(m.keys)
		return m, retryLater()

	case retryMsg:
		return m, dial(m.url)
	}

	return m, nil
}

// apply folds one status frame into the model.
func (m *model) apply(f frame) error {
	if f.Ts != nil {
		m.lastFrame = *f.Ts
	}

	switch f.Type {
	case "state_init":
		var s stateInit
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return fmt.Errorf("state_init: %w", err)
		}
		m.devicesConnected = s.DevicesConnected
		m.devices = s.Devices
		m.ports = s.Ports
		m.keys = s.Status.Keys
		if m.keys == nil {
			m.keys = map[string]keyStatus{}
		}

	case "status_update":
		var s statusSnapshot
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return fmt.Errorf("status_update: %w", err)
		}
		m.keys = s.Keys
		if m.keys == nil {
			m.keys = map[string]keyStatus{}
		}

	case "devices_found":
		var d struct {
			Devices []deviceInfo `json:"devices"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return fmt.Errorf("devices_found: %w", err)
		}
		m.devicesConnected = true
		m.devices = d.Devices

	case "devices_lost":
		m.devicesConnected = false
		m.devices = nil
		clear(m.keys)

	case "port_options":
		var p struct {
			Ports []portOption `json:"ports"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return fmt.Errorf("port_options: %w", err)
		}
		m.ports = p.Ports
	}
	return nil
}

// sortedKeys orders key codes numerically.
func (m model) sortedKeys() []string {
	codes := make([]string, 0, len(m.keys))
	for code := range m.keys {
		codes = append(codes, code)
	}
	slices.SortFunc(codes, func(a, b string) int {
		x, _ := strconv.Atoi(a)
		y, _ := strconv.Atoi(b)
		return x - y
	})
	return codes
}

// ============================================================================
// View
// ============================================================================

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7dcfff"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#fff")).Bold(true)
	pressedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")).Bold(true)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444")).Padding(0, 1)
)

func bar(v float64, width int) string {
	n := int(v*float64(width) + 0.5)
	n = max(0, min(width, n))
	return strings.Repeat("█", n) + dimStyle.Render(strings.Repeat("·", width-n))
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var out strings.Builder
	conn := okStyle.Render("connected")
	if m.conn == nil {
		conn = errStyle.Render("disconnected")
	}
	out.WriteString(headerStyle.Render("midi-monitor") + "  " + dimStyle.Render(m.url) + "  " + conn + "\n")
	if m.err != nil {
		out.WriteString(errStyle.Render(m.err.Error()) + "\n")
	}
	out.WriteString("\n")

	// Devices
	var dev strings.Builder
	dev.WriteString(headerStyle.Render("Keyboards") + "\n")
	if !m.devicesConnected || len(m.devices) == 0 {
		dev.WriteString(dimStyle.Render("none connected"))
	}
	for i, d := range m.devices {
		if i > 0 {
			dev.WriteString("\n")
		}
		fmt.Fprintf(&dev, "%s %s", d.DeviceName, dimStyle.Render(fmt.Sprintf("%04x:%04x %s", d.VendorID, d.ProductID, d.DeviceType)))
	}

	// Ports
	var ports strings.Builder
	ports.WriteString(headerStyle.Render("MIDI outputs") + "\n")
	if len(m.ports) == 0 {
		ports.WriteString(dimStyle.Render("none"))
	}
	for i, p := range m.ports {
		if i > 0 {
			ports.WriteString("\n")
		}
		line := fmt.Sprintf("%2d %s", p.Index, p.Name)
		if p.Active {
			ports.WriteString(activeStyle.Render("* " + line))
		} else {
			ports.WriteString(dimStyle.Render("  " + line))
		}
	}

	out.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(dev.String()), " ", panelStyle.Render(ports.String())))
	out.WriteString("\n\n")

	// Keys
	out.WriteString(headerStyle.Render("Keys") + "\n")
	codes := m.sortedKeys()
	if len(codes) == 0 {
		out.WriteString(dimStyle.Render("all keys at rest") + "\n")
	}
	for _, code := range codes {
		k := m.keys[code]
		fmt.Fprintf(&out, "%-12s %s %4.2f ", k.Name, bar(k.Value, 20), k.Value)
		for _, n := range k.Notes {
			label := fmt.Sprintf("%s/ch%d v%.2f", n.Name, n.Channel+1, n.Velocity)
			if n.Pressed {
				out.WriteString(pressedStyle.Render("●"+label) + " ")
			} else {
				out.WriteString(dimStyle.Render("○"+label) + " ")
			}
		}
		out.WriteString("\n")
	}

	out.WriteString("\n")
	if !m.lastFrame.IsZero() {
		out.WriteString(dimStyle.Render("last update "+m.lastFrame.Local().Format("15:04:05.000")) + "  ")
	}
	out.WriteString(dimStyle.Render("q: quit"))
	return out.String()
}

func main() {
	wsURL := flag.String("ws", "ws://127.0.0.1:3002/ws", "analogmidi status WebSocket URL")
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		fmt.Fprintf(os.Stderr, "error: invalid websocket URL: %s\n", *wsURL)
		os.Exit(1)
	}

	p := tea.NewProgram(newModel(u.String()), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
