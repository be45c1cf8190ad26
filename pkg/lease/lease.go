// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"math"
	"time"
)

// MaxDuration is the longest lease duration a record can carry.
const MaxDuration = math.MaxInt32 * time.Second

// Lease is a local, possibly stale snapshot of the shared lease record.
type Lease struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`

	// HolderIdentity is empty when nobody claims the lease.
	HolderIdentity string `json:"holderIdentity,omitempty"`
	// LeaseDurationSeconds is the validity window after the last renewal.
	LeaseDurationSeconds int32 `json:"leaseDurationSeconds,omitempty"`
	// AcquireTime and RenewTime are zero when absent.
	AcquireTime time.Time `json:"acquireTime,omitzero"`
	RenewTime   time.Time `json:"renewTime,omitzero"`

	// ResourceVersion is the opaque optimistic concurrency token handed out by the
	// backend. Update fails with ErrConflict when it no longer matches the stored record.
	ResourceVersion string `json:"resourceVersion,omitempty"`
}

// Key returns "namespace/name".
func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return Key(l.Namespace, l.Name)
}

// Key joins a namespace and name the way lease keys are logged and indexed.
func Key(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}

// Duration returns the lease validity window, falling back when the record carries none.
func (l *Lease) Duration(fallback time.Duration) time.Duration {
	if l == nil || l.LeaseDurationSeconds <= 0 {
		return fallback
	}
	return time.Duration(l.LeaseDurationSeconds) * time.Second
}

// IsExpired reports whether now is past RenewTime plus the lease duration.
// A missing lease or a missing RenewTime counts as expired.
func (l *Lease) IsExpired(now time.Time, fallback time.Duration) bool {
	if l == nil || l.RenewTime.IsZero() {
		return true
	}
	return now.After(l.RenewTime.Add(l.Duration(fallback)))
}

// IsOwnedBy reports whether identity is the current holder.
func (l *Lease) IsOwnedBy(identity string) bool {
	if l == nil {
		return false
	}
	return l.HolderIdentity == identity
}

// IsHeld reports whether any identity is recorded as holder.
func (l *Lease) IsHeld() bool {
	return l != nil && l.HolderIdentity != ""
}

// DeepCopy returns an independent copy of the lease.
func (l *Lease) DeepCopy() *Lease {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}

// MicroTime truncates t to the microsecond resolution stored in lease records.
func MicroTime(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

// DurationSeconds converts d into whole lease seconds, rounding up so that a
// sub-second duration is never stored as "no duration". Durations beyond
// MaxDuration are clamped.
func DurationSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d >= MaxDuration {
		return math.MaxInt32
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return int32(secs)
}
