package main

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ============================================================================
// Polling loop
// ============================================================================
//
// One goroutine ticks the whole mapping table at RefreshHz:
//   - read a bounded, non-blocking snapshot from the device layer
//   - track device presence (Unknown -> HasDevices <-> NoDevices) and emit
//     one connectivity event per transition; losing devices is only
//     announced after they were seen
//   - derive the modifier shift and update every key
//   - every RefreshHz/StatusHz ticks, publish a status snapshot
//
// Shutdown: the stopping flag is checked at the top of each iteration.
//
// ============================================================================

// Run drives the polling loop until ctx is canceled or Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.stopping.Load() {
		e.lifeMu.Unlock()
		return ErrEngineClosed
	}
	if e.running {
		e.lifeMu.Unlock()
		return errors.New("polling loop already running")
	}
	e.running = true
	e.loopDone = make(chan struct{})
	done := e.loopDone
	e.lifeMu.Unlock()
	defer close(done)

	interval := time.Second / time.Duration(e.cfg.RefreshHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("polling loop starting", "refresh_hz", e.cfg.RefreshHz, "status_hz", e.cfg.StatusHz)

	for {
		if e.stopping.Load() {
			e.logger.Info("polling loop stopping (shutdown)")
			return nil
		}

		select {
		case <-ctx.Done():
			e.logger.Info("polling loop stopping (context canceled)")
			return nil
		case <-e.stopCh:
			continue
		case <-ticker.C:
			e.tick(e.now())
		}
	}
}

// statusEvery is the tick divisor for status snapshots.
func (e *Engine) statusEvery() uint64 {
	n := e.cfg.RefreshHz / e.cfg.StatusHz
	if n < 1 {
		n = 1
	}
	return uint64(n)
}

// tick runs one polling iteration. Events are published after the lock is
// released.
func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	events := e.tickLocked(now)
	e.mu.Unlock()

	for _, ev := range events {
		e.events.Publish(ev)
	}
	e.saver.Tick(now)
}

func (e *Engine) tickLocked(now time.Time) []AppEvent {
	var out []AppEvent
	e.tickCount++

	if ev, ok := e.rescanPortsLocked(now); ok {
		out = append(out, ev)
	}

	snapshot, err := e.device.ReadSnapshot(e.cfg.SnapshotMaxEntries)
	switch {
	case errors.Is(err, ErrNoDevices):
		switch e.presence {
		case presenceHasDevices:
			e.logger.Warn("keyboard disconnected")
			out = append(out, DevicesLost{At: now})
		case presenceUnknown:
			e.logger.Info("no keyboard connected")
		}
		e.presence = presenceNoDevices
		e.devices = nil
		// Nothing is held down on a keyboard that is gone.
		snapshot = nil

	case err != nil:
		if e.errLimiter.allow(err.Error(), now) {
			e.logger.Warn("device read failed, skipping tick", "error", err)
		}
		return out

	case e.presence != presenceHasDevices:
		devices, derr := e.device.ConnectedDevices()
		if derr != nil {
			e.logger.Warn("failed to list connected devices", "error", derr)
		}
		e.presence = presenceHasDevices
		e.devices = devices
		e.logger.Info("keyboard connected", "devices", len(devices))
		out = append(out, DevicesFound{Devices: slices.Clone(devices), At: now})
	}

	shift := 0
	if snapshot[e.cfg.ModifierKey] > e.cfg.ActuationPoint {
		shift = e.settings.ShiftAmount
	}
	t := noteTick{
		now:        now,
		shift:      shift,
		cfg:        e.settings.NoteConfig,
		aftertouch: e.cfg.Aftertouch,
		sink:       e.ports.Sink(),
	}
	if err := e.keys.update(snapshot, t); err != nil && e.errLimiter.allow(err.Error(), now) {
		e.logger.Warn("midi send failed", "error", err)
	}

	if e.tickCount%e.statusEvery() == 0 {
		e.lastStatus = e.keys.status()
		out = append(out, StatusUpdate{Status: e.lastStatus, At: now})
	}

	return out
}

// rescanPortsLocked re-enumerates ports while no output is connected and
// auto-selects one when it appears.
func (e *Engine) rescanPortsLocked(now time.Time) (AppEvent, bool) {
	interval := e.cfg.PortRescanInterval
	if interval <= 0 || e.ports.Connected() {
		return nil, false
	}
	if !e.lastRescan.IsZero() && now.Sub(e.lastRescan) < interval {
		return nil, false
	}
	e.lastRescan = now

	before := e.ports.Options()
	if err := e.ports.AutoSelect(e.cfg.PreferredPort); err != nil && e.errLimiter.allow(err.Error(), now) {
		e.logger.Warn("midi output rescan failed", "error", err)
	}
	after := e.ports.Options()
	if slices.Equal(before, after) {
		return nil, false
	}
	return PortOptionsChanged{Ports: after, At: now}, true
}

// errorLimiter lets one log line per distinct message through per interval.
type errorLimiter struct {
	every time.Duration
	last  map[string]time.Time
}

func (l *errorLimiter) allow(msg string, now time.Time) bool {
	if l.last == nil {
		l.last = make(map[string]time.Time)
	}
	if at, ok := l.last[msg]; ok && now.Sub(at) < l.every {
		return false
	}
	if len(l.last) > 64 {
		clear(l.last)
	}
	l.last[msg] = now
	return true
}
