package main

import (
	"errors"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"
)

// Test doubles for the device layer, the MIDI driver and the settings store.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ----------------------------------------------------------------------------
// recordingSink
// ----------------------------------------------------------------------------

type recordingSink struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (s *recordingSink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, append([]byte(nil), msg...))
	return nil
}

func (s *recordingSink) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
}

// ----------------------------------------------------------------------------
// fakePort / fakeDriver
// ----------------------------------------------------------------------------

type fakePort struct {
	recordingSink

	name    string
	openErr error
	opens   int
	closes  int
	open    bool
}

func (p *fakePort) String() string { return p.name }

func (p *fakePort) Open() error {
	if p.openErr != nil {
		return p.openErr
	}
	p.opens++
	p.open = true
	return nil
}

func (p *fakePort) Close() error {
	p.closes++
	p.open = false
	return nil
}

type fakeDriver struct {
	mu      sync.Mutex
	ports   []*fakePort
	enumErr error
	closes  int
}

func newFakeDriver(names ...string) *fakeDriver {
	d := &fakeDriver{}
	for _, n := range names {
		d.ports = append(d.ports, &fakePort{name: n})
	}
	return d
}

func (d *fakeDriver) OutPorts() ([]outputPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enumErr != nil {
		return nil, d.enumErr
	}
	out := make([]outputPort, len(d.ports))
	for i, p := range d.ports {
		out[i] = p
	}
	return out, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDriver) setPorts(ports ...*fakePort) {
	d.mu.Lock()
	d.ports = ports
	d.mu.Unlock()
}

// ----------------------------------------------------------------------------
// fakeDevice
// ----------------------------------------------------------------------------

type fakeDevice struct {
	mu       sync.Mutex
	snapshot map[KeyCode]float64
	readErr  error
	devices  []DeviceInfo
	initErr  error
	inits    int
	uninits  int
	reads    int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		snapshot: map[KeyCode]float64{},
		devices: []DeviceInfo{{
			VendorID:   0x31e3,
			ProductID:  0x1100,
			DeviceName: "Test Analog Keyboard",
			DeviceType: DeviceTypeAnalog,
		}},
	}
}

func (d *fakeDevice) Init() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	if d.initErr != nil {
		return 0, d.initErr
	}
	return len(d.devices), nil
}

func (d *fakeDevice) ConnectedDevices() ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeviceInfo(nil), d.devices...), nil
}

func (d *fakeDevice) ReadSnapshot(maxEntries int) (map[KeyCode]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.readErr != nil {
		return nil, d.readErr
	}
	return maps.Clone(d.snapshot), nil
}

func (d *fakeDevice) Uninit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uninits++
	return nil
}

func (d *fakeDevice) counts() (inits, reads, uninits int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inits, d.reads, d.uninits
}

func (d *fakeDevice) set(snapshot map[KeyCode]float64, err error) {
	d.mu.Lock()
	d.snapshot = snapshot
	d.readErr = err
	d.mu.Unlock()
}

// ----------------------------------------------------------------------------
// fakeStore
// ----------------------------------------------------------------------------

type fakeStore struct {
	mu    sync.Mutex
	saved []AppSettings
}

func (s *fakeStore) Load() (AppSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return DefaultSettings(), nil
	}
	return s.saved[len(s.saved)-1].Clone(), nil
}

func (s *fakeStore) Save(a AppSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, a.Clone())
	return nil
}

func (s *fakeStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

var errFake = errors.New("fake failure")

// testClock is a manually advanced clock starting at a fixed instant.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
