package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrIndexOutOfRange is returned by SelectPort for an index past the option list.
	ErrIndexOutOfRange = errors.New("port index out of range")

	// ErrConnectFailed is returned when the selected port cannot be opened.
	ErrConnectFailed = errors.New("port connect failed")
)

// outputPort is one enumerable MIDI output destination.
type outputPort interface {
	String() string
	Open() error
	Close() error
	Send(msg []byte) error
}

// outputDriver enumerates output ports of a MIDI backend.
type outputDriver interface {
	OutPorts() ([]outputPort, error)
	Close() error
}

// PortOption is one entry of the port list shown to the user.
type PortOption struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// portManager tracks the port list and the single open connection.
// It is not safe for concurrent use; the engine lock guards it.
type portManager struct {
	driver outputDriver
	logger *slog.Logger

	ports   []outputPort
	options []PortOption

	conn     outputPort
	connName string
}

func newPortManager(driver outputDriver, logger *slog.Logger) *portManager {
	return &portManager{driver: driver, logger: logger}
}

// Enumerate refreshes the port list. The open connection (if any) is tagged
// active by name.
func (p *portManager) Enumerate() ([]PortOption, error) {
	ports, err := p.driver.OutPorts()
	if err != nil {
		return p.Options(), fmt.Errorf("enumerate output ports: %w", err)
	}
	p.ports = ports
	p.options = make([]PortOption, len(ports))
	activeTagged := false
	for i, port := range ports {
		name := port.String()
		active := p.conn != nil && !activeTagged && name == p.connName
		if active {
			activeTagged = true
		}
		p.options[i] = PortOption{Index: i, Name: name, Active: active}
	}
	return p.Options(), nil
}

// Options returns a copy of the last enumerated list.
func (p *portManager) Options() []PortOption {
	out := make([]PortOption, len(p.options))
	copy(out, p.options)
	return out
}

// Sink returns the open connection, or nil.
func (p *portManager) Sink() noteSink {
	if p.conn == nil {
		return nil
	}
	return p.conn
}

// Connected reports whether a connection is open.
func (p *portManager) Connected() bool {
	return p.conn != nil
}

// Select connects to the port at index.
//
// The index is checked against the current option list first; on failure
// nothing changes. The list is then re-read since ports may have come and
// gone. The new port is opened before anything else is touched; only after it
// opened is beforeSwap called with the old connection (so held notes can be
// released there) and the old connection closed.
func (p *portManager) Select(index int, beforeSwap func(old noteSink)) error {
	if index < 0 || index >= len(p.options) {
		return fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, index, len(p.options))
	}
	if p.options[index].Active {
		return nil
	}

	if _, err := p.Enumerate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if index >= len(p.ports) {
		return fmt.Errorf("%w: %d (port list shrank to %d)", ErrIndexOutOfRange, index, len(p.ports))
	}
	if p.options[index].Active {
		return nil
	}

	next := p.ports[index]
	if err := next.Open(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, next.String(), err)
	}

	if p.conn != nil {
		if beforeSwap != nil {
			beforeSwap(p.conn)
		}
		p.closeConn()
	}

	p.conn = next
	p.connName = next.String()
	p.markActive(index)
	p.logger.Info("midi output connected", "port", p.connName, "index", index)
	return nil
}

// AutoSelect connects to the first port whose name contains preferred, else
// the first port. It is a no-op when there are no ports.
func (p *portManager) AutoSelect(preferred string) error {
	opts, err := p.Enumerate()
	if err != nil {
		return err
	}
	if len(opts) == 0 {
		p.logger.Debug("no midi output ports available")
		return nil
	}

	index := 0
	if preferred != "" {
		for _, o := range opts {
			if strings.Contains(strings.ToLower(o.Name), strings.ToLower(preferred)) {
				index = o.Index
				break
			}
		}
	}
	return p.Select(index, nil)
}

func (p *portManager) markActive(index int) {
	for i := range p.options {
		p.options[i].Active = i == index
	}
}

func (p *portManager) closeConn() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Close(); err != nil {
		p.logger.Warn("failed to close midi output", "port", p.connName, "error", err)
	}
	p.logger.Info("midi output closed", "port", p.connName)
	p.conn = nil
	p.connName = ""
	for i := range p.options {
		p.options[i].Active = false
	}
}

// Close releases the connection and the driver.
func (p *portManager) Close() error {
	p.closeConn()
	if p.driver == nil {
		return nil
	}
	return p.driver.Close()
}
