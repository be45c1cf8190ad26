// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package elector

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a leadership notification. The values are a wire contract.
type EventType string

const (
	LeadershipAcquired EventType = "leadership-acquired"
	LeadershipLost     EventType = "leadership-lost"
	LeaseRenewed       EventType = "lease-renewed"
)

// Event is a leadership notification. RenewTime is set on LeaseRenewed only.
type Event struct {
	Type      EventType `json:"type"`
	LeaseName string    `json:"leaseName"`
	RenewTime time.Time `json:"renewTime,omitzero"`
}

// Listener receives leadership notifications.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// broadcaster delivers events to listeners from a single goroutine. publish
// never blocks; the queue is unbounded so transitions are not held up by slow
// listeners.
type broadcaster struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	listeners []Listener
	queue     []Event
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func newBroadcaster(log *zap.SugaredLogger) *broadcaster {
	return &broadcaster{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (b *broadcaster) add(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.signal()
}

// close stops accepting events; run drains what is queued and returns.
func (b *broadcaster) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *broadcaster) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *broadcaster) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}
		ev := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		listeners := append([]Listener(nil), b.listeners...)
		b.mu.Unlock()

		for _, l := range listeners {
			b.deliver(l, ev)
		}
	}
}

func (b *broadcaster) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("Leadership listener panicked", "event", ev.Type, "panic", r)
		}
	}()
	l.OnEvent(ev)
}
