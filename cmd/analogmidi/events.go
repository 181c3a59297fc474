package main

import (
	"sync"
	"time"
)

// ============================================================================
// Outbound engine events
// ============================================================================
//
// The polling loop is the single producer. Consumers (status WebSocket,
// logging) subscribe to an EventBus; each subscription owns an unbounded
// queue so a slow consumer never stalls a tick.
//
// ============================================================================

// AppEvent is a marker interface for outbound engine events.
type AppEvent interface {
	isAppEvent()
	EventType() string
}

// DevicesFound is emitted once per transition into HasDevices.
type DevicesFound struct {
	Devices []DeviceInfo `json:"devices"`
	At      time.Time    `json:"-"`
}

// DevicesLost is emitted once per transition into NoDevices.
type DevicesLost struct {
	At time.Time `json:"-"`
}

// StatusUpdate carries the throttled key/note status snapshot.
type StatusUpdate struct {
	Status StatusSnapshot `json:"status"`
	At     time.Time      `json:"-"`
}

// PortOptionsChanged is emitted after the port list or active port changes.
type PortOptionsChanged struct {
	Ports []PortOption `json:"ports"`
	At    time.Time    `json:"-"`
}

func (DevicesFound) isAppEvent()       {}
func (DevicesLost) isAppEvent()        {}
func (StatusUpdate) isAppEvent()       {}
func (PortOptionsChanged) isAppEvent() {}

func (DevicesFound) EventType() string       { return "devices_found" }
func (DevicesLost) EventType() string        { return "devices_lost" }
func (StatusUpdate) EventType() string       { return "status_update" }
func (PortOptionsChanged) EventType() string { return "port_options" }

// eventTime returns the timestamp carried by an event.
func eventTime(ev AppEvent) time.Time {
	switch e := ev.(type) {
	case DevicesFound:
		return e.At
	case DevicesLost:
		return e.At
	case StatusUpdate:
		return e.At
	case PortOptionsChanged:
		return e.At
	default:
		return time.Time{}
	}
}

// NoteStatus is the status view of one note binding.
type NoteStatus struct {
	Note      uint8   `json:"note"`
	Effective int     `json:"effective"`
	Name      string  `json:"name"`
	Velocity  float64 `json:"velocity"`
	Channel   uint8   `json:"channel"`
	Pressed   bool    `json:"pressed"`
}

// KeyStatus is the status view of one physical key.
type KeyStatus struct {
	Name  string       `json:"name"`
	Value float64      `json:"value"`
	Notes []NoteStatus `json:"notes"`
}

// StatusSnapshot lists every key with nonzero magnitude or a pressed note.
type StatusSnapshot struct {
	Keys map[KeyCode]KeyStatus `json:"keys"`
}

// ============================================================================
// EventBus
// ============================================================================

// EventBus fans events out to subscribers without ever blocking the publisher.
type EventBus struct {
	mu     sync.Mutex
	subs   map[*eventQueue]struct{}
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*eventQueue]struct{})}
}

// Subscribe returns a channel delivering every event published from now on,
// in order, and a cancel func. The channel is closed on cancel or Close.
func (b *EventBus) Subscribe() (<-chan AppEvent, func()) {
	q := newEventQueue()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		q.close()
		return q.out, func() {}
	}
	b.subs[q] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		_, ok := b.subs[q]
		delete(b.subs, q)
		b.mu.Unlock()
		if ok {
			q.close()
		}
	}
	return q.out, cancel
}

// Publish enqueues ev for every subscriber.
func (b *EventBus) Publish(ev AppEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for q := range b.subs {
		q.push(ev)
	}
}

// Close ends every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for q := range subs {
		q.close()
	}
}

// eventQueue is an unbounded FIFO between push and the out channel.
type eventQueue struct {
	mu      sync.Mutex
	pending []AppEvent
	closed  bool
	wake    chan struct{}
	out     chan AppEvent
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan AppEvent),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev AppEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if q.closed {
			q.pending = nil
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		ev := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		// Wait for the consumer, but let close interrupt the handoff.
		for delivered := false; !delivered; {
			select {
			case q.out <- ev:
				delivered = true
			case <-q.wake:
				q.mu.Lock()
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
			}
		}
	}
}
