// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package elector

import (
	"github.com/telekom/k8s-lease-elector/pkg/lease"
	"github.com/telekom/k8s-lease-elector/pkg/metrics"
)

// scheduleRenewalLocked replaces any pending renewal with one RenewInterval from
// now. Exactly one renewal is outstanding while leading.
func (e *Elector) scheduleRenewalLocked() {
	if e.backend == nil {
		return
	}
	e.stopRenewalLocked()
	e.renewTimer = e.after(e.cfg.RenewInterval, e.renew)
}

func (e *Elector) stopRenewalLocked() {
	if e.renewTimer != nil {
		e.renewTimer.Stop()
		e.renewTimer = nil
	}
}

// rescheduleRenewal pushes the next renewal out when leading.
func (e *Elector) rescheduleRenewal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader && !e.shuttingDown {
		e.scheduleRenewalLocked()
	}
}

// renew re-reads the lease and writes a fresh renew time. Any failure gives up
// leadership instead of retrying; the acquisition loop and the watch win it back
// once the backend is reachable.
func (e *Elector) renew() {
	e.mu.Lock()
	active := e.leader && !e.shuttingDown
	e.mu.Unlock()
	if !active {
		return
	}
	ctx := e.ioContext()

	current, err := e.readOrCreate(ctx)
	if err != nil {
		metrics.Renewals.WithLabelValues(e.key, "failure").Inc()
		e.log.Errorw("Failed to read lease for renewal", "error", err)
		e.loseLeadership("renewal read failed")
		return
	}
	if !current.IsOwnedBy(e.cfg.Identity) {
		metrics.Renewals.WithLabelValues(e.key, "failure").Inc()
		e.log.Infow("Lease taken over by another instance", "holder", current.HolderIdentity)
		e.loseLeadership("lease held by another instance")
		return
	}

	next := current.DeepCopy()
	next.RenewTime = lease.MicroTime(e.clock.Now())
	next.LeaseDurationSeconds = lease.DurationSeconds(e.cfg.LeaseDuration)
	updated, err := e.backend.Update(ctx, next)
	if err != nil {
		metrics.Renewals.WithLabelValues(e.key, "failure").Inc()
		metrics.BackendErrors.WithLabelValues(e.key, "update").Inc()
		e.log.Errorw("Failed to renew lease", "error", err)
		e.loseLeadership("renewal failed")
		return
	}

	e.observe(updated)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.leader || e.shuttingDown {
		return
	}
	e.events.publish(Event{Type: LeaseRenewed, LeaseName: e.cfg.LeaseName, RenewTime: updated.RenewTime})
	e.scheduleRenewalLocked()
	metrics.Renewals.WithLabelValues(e.key, "success").Inc()
	e.log.Debugw("Renewed lease", "renewTime", updated.RenewTime)
}
