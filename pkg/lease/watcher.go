// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"sync"
)

// StreamWatcher is a Watcher implementation backends build on top of their native
// subscription. A single producer goroutine calls Send for every translated event and
// Close when the native subscription ends; Send and Close must not race each other.
type StreamWatcher struct {
	ctx    context.Context
	ch     chan Event
	stopCh chan struct{}

	mu       sync.Mutex
	err      error
	closed   bool
	stopOnce sync.Once
	onStop   func()
}

// NewStreamWatcher returns a watcher with the given result buffer. Sends are abandoned
// once ctx is done. onStop, if set, is invoked once when Stop is called and should
// cancel the native subscription.
func NewStreamWatcher(ctx context.Context, buffer int, onStop func()) *StreamWatcher {
	return &StreamWatcher{
		ctx:    ctx,
		ch:     make(chan Event, buffer),
		stopCh: make(chan struct{}),
		onStop: onStop,
	}
}

func (w *StreamWatcher) ResultChan() <-chan Event { return w.ch }

func (w *StreamWatcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *StreamWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.onStop != nil {
			w.onStop()
		}
	})
}

// Stopped is closed once Stop has been called.
func (w *StreamWatcher) Stopped() <-chan struct{} { return w.stopCh }

// Send delivers ev unless the watcher was stopped or its context is done. It reports
// false once the consumer is gone and the producer should exit.
func (w *StreamWatcher) Send(ev Event) bool {
	select {
	case <-w.stopCh:
		return false
	case <-w.ctx.Done():
		return false
	default:
	}
	select {
	case w.ch <- ev:
		return true
	case <-w.stopCh:
		return false
	case <-w.ctx.Done():
		return false
	}
}

// Close records why the subscription ended and closes the result channel.
// Calls after the first are ignored.
func (w *StreamWatcher) Close(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.err = err
	close(w.ch)
}
