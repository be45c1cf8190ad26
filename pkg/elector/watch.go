// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package elector

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
	"github.com/telekom/k8s-lease-elector/pkg/metrics"
)

var errWatchClosed = errors.New("lease watch closed by the backend")

// watchLoop keeps a watch on the lease namespace open until Stop, restarting it
// WatchRestartDelay after every failure.
func (e *Elector) watchLoop() {
	for {
		err := e.watchOnce()
		if e.ctx.Err() != nil || e.isShuttingDown() {
			return
		}
		metrics.WatchRestarts.WithLabelValues(e.key).Inc()
		e.log.Warnw("Lease watch ended, restarting", "error", err, "delay", e.cfg.WatchRestartDelay)
		if !e.sleep(e.cfg.WatchRestartDelay) {
			return
		}
	}
}

func (e *Elector) watchOnce() error {
	w, err := e.backend.Watch(e.ctx, e.cfg.Namespace)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(e.key, "watch").Inc()
		return fmt.Errorf("start lease watch: %w", err)
	}

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		w.Stop()
		return nil
	}
	e.watcher = w
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.watcher == w {
			e.watcher = nil
		}
		e.mu.Unlock()
		w.Stop()
	}()

	e.log.Debugw("Watching lease")
	for ev := range w.ResultChan() {
		if ev.Lease == nil || ev.Lease.Name != e.cfg.LeaseName {
			continue
		}
		e.dispatch(ev)
	}
	if err := w.Err(); err != nil {
		metrics.BackendErrors.WithLabelValues(e.key, "watch").Inc()
		return err
	}
	return errWatchClosed
}

// pendingEvent is a watch event waiting out its settle delay.
type pendingEvent struct {
	ev  lease.Event
	due time.Time
}

// dispatch queues the event for handling after SettleDelay so that follow-up
// writes become visible first. Events are handled strictly in arrival order.
func (e *Elector) dispatch(ev lease.Event) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, pendingEvent{
		ev:  lease.Event{Type: ev.Type, Lease: ev.Lease.DeepCopy()},
		due: e.clock.Now().Add(max(e.cfg.SettleDelay, 0)),
	})
	e.pendingMu.Unlock()
	select {
	case e.pendingSignal <- struct{}{}:
	default:
	}
}

func (e *Elector) nextPending() (pendingEvent, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pending) == 0 {
		return pendingEvent{}, false
	}
	next := e.pending[0]
	e.pending[0] = pendingEvent{}
	e.pending = e.pending[1:]
	return next, true
}

// handleWatchEvents is the single consumer of queued watch events. All events
// share one settle delay, so due times never decrease along the queue.
func (e *Elector) handleWatchEvents() {
	for {
		next, ok := e.nextPending()
		if !ok {
			select {
			case <-e.ctx.Done():
				return
			case <-e.pendingSignal:
			}
			continue
		}
		if !e.sleep(next.due.Sub(e.clock.Now())) {
			return
		}
		e.handleWatchEvent(next.ev)
	}
}

func (e *Elector) handleWatchEvent(ev lease.Event) {
	switch ev.Type {
	case lease.Added, lease.Modified:
		if e.observe(ev.Lease) {
			e.log.Debugw("Skipping stale lease event", "type", ev.Type, "resourceVersion", ev.Lease.ResourceVersion)
			return
		}
		e.handleLeaseUpdate(ev.Lease)
	case lease.Deleted:
		e.handleLeaseDeletion()
	}
}

// observe records the resource version of a lease read, written or watched, and
// reports whether it is older than one seen before. Versions are only compared
// when they are decimal counters, which holds for every bundled backend; opaque
// versions are never considered stale.
func (e *Elector) observe(l *lease.Lease) bool {
	if l == nil {
		return false
	}
	v, err := strconv.ParseUint(l.ResourceVersion, 10, 64)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if v < e.version {
		return true
	}
	e.version = v
	return false
}

func (e *Elector) handleLeaseUpdate(l *lease.Lease) {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return
	}
	leader := e.leader
	e.mu.Unlock()

	if l.IsOwnedBy(e.cfg.Identity) {
		if !leader {
			// Confirmed by a fresh read, the event may be older than a lost renewal.
			e.log.Debugw("Watch reports this instance as holder")
			e.after(e.cfg.AcquireDebounce, func() { e.tryAcquire() })
		}
		e.rescheduleRenewal()
		return
	}

	if leader {
		e.log.Infow("Watch reports another holder", "holder", l.HolderIdentity)
		e.loseLeadership("lease taken over by another instance")
	}
	if !l.IsHeld() {
		// Released by its holder; free for anyone.
		e.spawn(func() { e.tryAcquire() })
	}
}

func (e *Elector) handleLeaseDeletion() {
	e.mu.Lock()
	skip := e.shuttingDown || e.leader
	e.mu.Unlock()
	if skip {
		return
	}
	e.log.Infow("Lease deleted, trying to acquire it")
	e.spawn(func() { e.tryAcquire() })
}
