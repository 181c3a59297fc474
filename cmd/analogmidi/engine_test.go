package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type engineHarness struct {
	e     *Engine
	dev   *fakeDevice
	drv   *fakeDriver
	store *fakeStore
	clock *testClock
}

func newEngineHarness(t *testing.T, cfg EngineConfig, ports ...string) *engineHarness {
	t.Helper()
	h := &engineHarness{
		dev:   newFakeDevice(),
		drv:   newFakeDriver(ports...),
		store: &fakeStore{},
		clock: newTestClock(),
	}
	h.e = NewEngine(cfg, h.dev, h.drv, h.store, testLogger())
	h.e.now = h.clock.Now
	t.Cleanup(h.e.Shutdown)
	return h
}

// startedEngine returns an initialised engine with default settings.
func startedEngine(t *testing.T, ports ...string) *engineHarness {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.ShutdownJoinTimeout = time.Second
	h := newEngineHarness(t, cfg, ports...)
	if err := h.e.Init(DefaultSettings()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h
}

// step sets the device snapshot and runs one tick.
func (h *engineHarness) step(keys map[KeyCode]float64) {
	h.dev.set(keys, nil)
	h.e.tick(h.clock.Advance(tickStep))
}

// ----------------------------------------------------------------------------
// event collection
// ----------------------------------------------------------------------------

const syncMarker = "__sync__"

type eventCollector struct {
	mu      sync.Mutex
	evs     []AppEvent
	markers int
	synced  int
	done    chan struct{}
}

func collectEvents(e *Engine) *eventCollector {
	ch, _ := e.Subscribe()
	c := &eventCollector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range ch {
			c.mu.Lock()
			c.evs = append(c.evs, ev)
			if isSyncMarker(ev) {
				c.markers++
			}
			c.mu.Unlock()
		}
	}()
	return c
}

func isSyncMarker(ev AppEvent) bool {
	p, ok := ev.(PortOptionsChanged)
	return ok && len(p.Ports) == 1 && p.Ports[0].Name == syncMarker
}

// sync waits until everything published before it has been received.
func (c *eventCollector) sync(t *testing.T, e *Engine) {
	t.Helper()
	c.mu.Lock()
	c.synced++
	want := c.synced
	c.mu.Unlock()

	e.events.Publish(PortOptionsChanged{Ports: []PortOption{{Name: syncMarker}}})
	waitUntil(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.markers >= want
	}, "event sync marker")
}

// types lists received event types, optionally filtered, without markers.
func (c *eventCollector) types(keep ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.evs {
		if isSyncMarker(ev) {
			continue
		}
		if len(keep) > 0 && !containsString(keep, ev.EventType()) {
			continue
		}
		out = append(out, ev.EventType())
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ----------------------------------------------------------------------------
// tests
// ----------------------------------------------------------------------------

func TestEngine_InitFailsOnDeviceError(t *testing.T) {
	h := newEngineHarness(t, DefaultEngineConfig(), "synth")
	h.dev.initErr = errFake

	if err := h.e.Init(DefaultSettings()); !errors.Is(err, errFake) {
		t.Fatalf("Init err = %v, want device error", err)
	}
	if h.drv.ports[0].opens != 0 {
		t.Fatalf("no port should be opened when the device layer fails")
	}
}

func TestEngine_InitRejectsInvalidSettings(t *testing.T) {
	h := newEngineHarness(t, DefaultEngineConfig())
	s := DefaultSettings()
	s.NoteConfig.Threshold = 0

	if err := h.e.Init(s); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("Init err = %v, want ErrInvalidSettings", err)
	}
}

func TestEngine_KeyPressReachesActivePort(t *testing.T) {
	h := startedEngine(t, "synth")

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8})
	h.step(map[KeyCode]float64{})

	msgs := h.drv.ports[0].messages()
	if len(msgs) != 2 {
		t.Fatalf("got % X, want note-on and note-off", msgs)
	}
	if msgs[0][0] != statusNoteOn || msgs[0][1] != 57 {
		t.Fatalf("first message = % X, want note-on A3", msgs[0])
	}
	if msgs[1][0] != statusNoteOff || msgs[1][1] != 57 {
		t.Fatalf("second message = % X, want note-off A3", msgs[1])
	}
}

func TestEngine_ModifierShiftsNotes(t *testing.T) {
	h := startedEngine(t, "synth")

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8, KeyLeftShift: 0.5})

	msgs := h.drv.ports[0].messages()
	if len(msgs) != 1 || msgs[0][1] != 57+defaultShiftAmount {
		t.Fatalf("got % X, want note-on %d", msgs, 57+defaultShiftAmount)
	}

	// Modifier at or below the actuation point does not shift.
	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8, KeyLeftShift: defaultActuationPoint})
	msgs = h.drv.ports[0].messages()
	if last := msgs[len(msgs)-1]; last[0] != statusNoteOn || last[1] != 57 {
		t.Fatalf("last message = % X, want unshifted note-on", last)
	}
}

func TestEngine_UpdateConfigThrottlesSaves(t *testing.T) {
	h := startedEngine(t, "synth")

	var last AppSettings
	for i := 0; i < 3; i++ {
		last = DefaultSettings()
		last.ShiftAmount = 1 + i
		if err := h.e.UpdateConfig(last); err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
		h.clock.Advance(100 * time.Millisecond)
	}
	if n := h.store.saves(); n != 1 {
		t.Fatalf("saves = %d, want 1 within the throttle window", n)
	}
	if got := h.e.RequestConfig().ShiftAmount; got != last.ShiftAmount {
		t.Fatalf("RequestConfig shift = %d, want %d", got, last.ShiftAmount)
	}

	h.clock.Advance(defaultSaveThrottle)
	h.step(nil)
	if n := h.store.saves(); n != 2 {
		t.Fatalf("saves = %d, want deferred save after window", n)
	}
	if got, _ := h.store.Load(); got.ShiftAmount != last.ShiftAmount {
		t.Fatalf("saved shift = %d, want %d", got.ShiftAmount, last.ShiftAmount)
	}
}

func TestEngine_UpdateConfigRejectsInvalid(t *testing.T) {
	h := startedEngine(t, "synth")

	bad := DefaultSettings()
	bad.KeyMapping[16] = []KeyNote{{KeyA, 60}}
	if err := h.e.UpdateConfig(bad); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("err = %v, want ErrInvalidSettings", err)
	}
	if _, ok := h.e.RequestConfig().KeyMapping[16]; ok {
		t.Fatalf("rejected settings were applied")
	}
	if h.store.saves() != 0 {
		t.Fatalf("rejected settings were saved")
	}
}

func TestEngine_RequestConfigIsACopy(t *testing.T) {
	h := startedEngine(t)

	s := h.e.RequestConfig()
	s.KeyMapping[0][0].Note = 1
	if h.e.RequestConfig().KeyMapping[0][0].Note == 1 {
		t.Fatalf("RequestConfig exposed internal state")
	}
}

func TestEngine_UpdateConfigReleasesRemappedNote(t *testing.T) {
	h := startedEngine(t, "synth")

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8})
	h.drv.ports[0].reset()

	s := DefaultSettings()
	s.KeyMapping[0][0] = KeyNote{KeyA, 45}
	if err := h.e.UpdateConfig(s); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	msgs := h.drv.ports[0].messages()
	if len(msgs) != 1 || msgs[0][0] != statusNoteOff || msgs[0][1] != 57 {
		t.Fatalf("got % X, want note-off for the old note", msgs)
	}
}

func TestEngine_ConnectivityEventsOncePerTransition(t *testing.T) {
	h := startedEngine(t, "synth")
	c := collectEvents(h.e)

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{})

	h.dev.set(nil, ErrNoDevices)
	h.e.tick(h.clock.Advance(tickStep))
	h.e.tick(h.clock.Advance(tickStep))

	// A transient read error is not a disconnect.
	h.step(map[KeyCode]float64{})
	h.dev.set(nil, errFake)
	h.e.tick(h.clock.Advance(tickStep))
	h.step(map[KeyCode]float64{})

	c.sync(t, h.e)
	got := c.types("devices_found", "devices_lost")
	want := []string{"devices_found", "devices_lost", "devices_found"}
	if !equalStrings(got, want) {
		t.Fatalf("connectivity events = %v, want %v", got, want)
	}
	if !h.e.Snapshot().DevicesConnected {
		t.Fatalf("snapshot should report devices connected")
	}
}

func TestEngine_NoKeyboardAtStartupIsNotALoss(t *testing.T) {
	h := startedEngine(t, "synth")
	c := collectEvents(h.e)

	h.dev.set(nil, ErrNoDevices)
	h.e.tick(h.clock.Advance(tickStep))
	h.e.tick(h.clock.Advance(tickStep))
	if h.e.Snapshot().DevicesConnected {
		t.Fatalf("snapshot should report no devices")
	}

	h.step(map[KeyCode]float64{})

	c.sync(t, h.e)
	got := c.types("devices_found", "devices_lost")
	if want := []string{"devices_found"}; !equalStrings(got, want) {
		t.Fatalf("connectivity events = %v, want %v", got, want)
	}
}

func TestEngine_DisconnectReleasesHeldNotes(t *testing.T) {
	h := startedEngine(t, "synth")

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8})
	h.drv.ports[0].reset()

	h.dev.set(nil, ErrNoDevices)
	h.e.tick(h.clock.Advance(tickStep))

	msgs := h.drv.ports[0].messages()
	if len(msgs) != 1 || msgs[0][0] != statusNoteOff {
		t.Fatalf("got % X, want note-off when the keyboard disappears", msgs)
	}
	snap := h.e.Snapshot()
	if snap.DevicesConnected || len(snap.Devices) != 0 {
		t.Fatalf("snapshot = %+v, want disconnected", snap)
	}
}

func TestEngine_StatusCadence(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.RefreshHz = 100
	cfg.StatusHz = 25
	h := newEngineHarness(t, cfg, "synth")
	if err := h.e.Init(DefaultSettings()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	c := collectEvents(h.e)

	for i := 0; i < 8; i++ {
		h.step(map[KeyCode]float64{KeyD: 0.3})
	}
	c.sync(t, h.e)

	if got := c.types("status_update"); len(got) != 2 {
		t.Fatalf("status updates = %d, want 2 for 8 ticks at every 4th", len(got))
	}
	st := h.e.Snapshot().Status
	if d, ok := st.Keys[KeyD]; !ok || d.Value != 0.3 {
		t.Fatalf("status = %+v, want D at 0.3", st)
	}
}

func TestEngine_SelectPort(t *testing.T) {
	h := startedEngine(t, "a", "b")
	c := collectEvents(h.e)

	if _, err := h.e.SelectPort(5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("SelectPort(5) err = %v, want ErrIndexOutOfRange", err)
	}
	if !h.e.PortOptions()[0].Active {
		t.Fatalf("failed select changed the active port")
	}

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8})

	opts, err := h.e.SelectPort(1)
	if err != nil {
		t.Fatalf("SelectPort(1): %v", err)
	}
	if opts[0].Active || !opts[1].Active {
		t.Fatalf("options = %+v, want b active", opts)
	}

	old := h.drv.ports[0].messages()
	if last := old[len(old)-1]; last[0] != statusNoteOff || last[1] != 57 {
		t.Fatalf("held note must be released on the old port, last = % X", last)
	}
	if h.drv.ports[0].closes != 1 {
		t.Fatalf("old port closes = %d, want 1", h.drv.ports[0].closes)
	}

	// Still held: the note sounds again on the new port.
	h.step(map[KeyCode]float64{KeyA: 0.8})
	msgs := h.drv.ports[1].messages()
	if len(msgs) != 1 || msgs[0][0] != statusNoteOn || msgs[0][1] != 57 {
		t.Fatalf("new port got % X, want note-on", msgs)
	}

	c.sync(t, h.e)
	if got := c.types("port_options"); len(got) != 1 {
		t.Fatalf("port_options events = %d, want 1", len(got))
	}
}

func TestEngine_FailedSelectPublishesRefreshedPorts(t *testing.T) {
	h := startedEngine(t, "a", "b")
	c := collectEvents(h.e)

	h.drv.setPorts(h.drv.ports[0], &fakePort{name: "b", openErr: errFake}, &fakePort{name: "c"})

	opts, err := h.e.SelectPort(1)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("SelectPort(1) err = %v, want ErrConnectFailed", err)
	}
	if len(opts) != 3 || !opts[0].Active {
		t.Fatalf("options = %+v, want refreshed list with a still active", opts)
	}

	// Same failure again: the list did not change, nothing to announce.
	if _, err := h.e.SelectPort(1); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("second SelectPort(1) err = %v", err)
	}

	c.sync(t, h.e)
	if got := c.types("port_options"); len(got) != 1 {
		t.Fatalf("port_options events = %d, want 1", len(got))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.evs {
		if p, ok := ev.(PortOptionsChanged); ok && !isSyncMarker(ev) && len(p.Ports) != 3 {
			t.Fatalf("published ports = %+v, want 3 entries", p.Ports)
		}
	}
}

func TestEngine_RescanPicksUpNewPort(t *testing.T) {
	h := startedEngine(t)
	c := collectEvents(h.e)

	h.step(map[KeyCode]float64{})
	if len(h.e.PortOptions()) != 0 {
		t.Fatalf("expected no ports")
	}

	h.drv.setPorts(&fakePort{name: "late synth"})
	h.clock.Advance(defaultPortRescanInterval / 2)
	h.step(map[KeyCode]float64{})
	if len(h.e.PortOptions()) != 0 {
		t.Fatalf("rescanned before the interval elapsed")
	}

	h.clock.Advance(defaultPortRescanInterval)
	h.step(map[KeyCode]float64{})
	opts := h.e.PortOptions()
	if len(opts) != 1 || !opts[0].Active {
		t.Fatalf("options = %+v, want late synth active", opts)
	}

	c.sync(t, h.e)
	if got := c.types("port_options"); len(got) != 1 {
		t.Fatalf("port_options events = %d, want 1", len(got))
	}
}

func TestEngine_NoPortStillTracksState(t *testing.T) {
	h := startedEngine(t)

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8})
	if h.e.keys.keys[KeyA].Notes[0].Pressed {
		t.Fatalf("note must not be pressed without an output")
	}
	if h.e.keys.keys[KeyA].Value != 0.8 {
		t.Fatalf("key value not tracked without an output")
	}
}

func TestEngine_ShutdownReleasesEverythingOnce(t *testing.T) {
	h := startedEngine(t, "synth")
	c := collectEvents(h.e)

	h.step(map[KeyCode]float64{})
	h.step(map[KeyCode]float64{KeyA: 0.8})

	// Last read fails; teardown must still happen.
	h.dev.set(nil, errFake)
	h.e.tick(h.clock.Advance(tickStep))

	h.e.Shutdown()
	h.e.Shutdown()

	port := h.drv.ports[0]
	msgs := port.messages()
	if last := msgs[len(msgs)-1]; last[0] != statusNoteOff || last[1] != 57 {
		t.Fatalf("last message = % X, want note-off", last)
	}
	if port.closes != 1 || h.drv.closes != 1 {
		t.Fatalf("port closes = %d, driver closes = %d, want 1 and 1", port.closes, h.drv.closes)
	}
	if _, _, uninits := h.dev.counts(); uninits != 1 {
		t.Fatalf("device uninits = %d, want 1", uninits)
	}

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed by Shutdown")
	}

	if err := h.e.UpdateConfig(DefaultSettings()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("UpdateConfig after Shutdown err = %v", err)
	}
	if _, err := h.e.SelectPort(0); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("SelectPort after Shutdown err = %v", err)
	}
	if err := h.e.Run(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Run after Shutdown err = %v", err)
	}

	// Ticks after shutdown do nothing.
	_, readsBefore, _ := h.dev.counts()
	h.step(map[KeyCode]float64{KeyA: 0.9})
	if _, reads, _ := h.dev.counts(); reads != readsBefore {
		t.Fatalf("device read after shutdown")
	}
}

func TestEngine_ShutdownFlushesPendingSave(t *testing.T) {
	h := startedEngine(t, "synth")

	_ = h.e.UpdateConfig(DefaultSettings())
	s := DefaultSettings()
	s.ShiftAmount = 7
	_ = h.e.UpdateConfig(s)
	if h.store.saves() != 1 {
		t.Fatalf("saves = %d, want 1 before shutdown", h.store.saves())
	}

	h.e.Shutdown()
	if h.store.saves() != 2 {
		t.Fatalf("saves = %d, want pending save flushed", h.store.saves())
	}
	if got, _ := h.store.Load(); got.ShiftAmount != 7 {
		t.Fatalf("flushed shift = %d, want 7", got.ShiftAmount)
	}
}

func TestEngine_RunStopsOnShutdown(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.ShutdownJoinTimeout = time.Second
	h := newEngineHarness(t, cfg, "synth")
	h.e.now = time.Now
	if err := h.e.Init(DefaultSettings()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- h.e.Run(context.Background()) }()

	waitUntil(t, 2*time.Second, func() bool {
		_, reads, _ := h.dev.counts()
		return reads >= 3
	}, "polling loop reads")

	h.e.Shutdown()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Shutdown")
	}
	if _, _, uninits := h.dev.counts(); uninits != 1 {
		t.Fatalf("uninits = %d, want 1", uninits)
	}
}

func TestEngine_RunStopsOnContextCancel(t *testing.T) {
	h := startedEngine(t, "synth")
	h.e.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.e.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool {
		_, reads, _ := h.dev.counts()
		return reads >= 1
	}, "polling loop reads")
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	h.e.Shutdown()
	if _, _, uninits := h.dev.counts(); uninits != 1 {
		t.Fatalf("uninits = %d, want 1", uninits)
	}
}
