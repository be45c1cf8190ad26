// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_IsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		lease    *Lease
		fallback time.Duration
		want     bool
	}{
		{name: "nil lease", lease: nil, fallback: 20 * time.Second, want: true},
		{name: "missing renew time", lease: &Lease{HolderIdentity: "a", LeaseDurationSeconds: 20}, fallback: 20 * time.Second, want: true},
		{name: "fresh", lease: &Lease{RenewTime: now.Add(-5 * time.Second), LeaseDurationSeconds: 20}, want: false},
		{name: "exactly at boundary is still valid", lease: &Lease{RenewTime: now.Add(-20 * time.Second), LeaseDurationSeconds: 20}, want: false},
		{name: "one microsecond past boundary", lease: &Lease{RenewTime: now.Add(-20*time.Second - time.Microsecond), LeaseDurationSeconds: 20}, want: true},
		{name: "fallback used when duration missing", lease: &Lease{RenewTime: now.Add(-15 * time.Second)}, fallback: 10 * time.Second, want: true},
		{name: "fallback ignored when duration present", lease: &Lease{RenewTime: now.Add(-15 * time.Second), LeaseDurationSeconds: 30}, fallback: 10 * time.Second, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lease.IsExpired(now, tt.fallback))
		})
	}
}

func TestLease_IsExpiredMatchesFormula(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, secs := range []int32{1, 5, 20, 300} {
		for _, offset := range []time.Duration{-time.Second, -time.Millisecond, 0, time.Millisecond, time.Second} {
			l := &Lease{RenewTime: base, LeaseDurationSeconds: secs}
			now := base.Add(time.Duration(secs)*time.Second + offset)
			want := now.UnixMicro() > base.UnixMicro()+int64(secs)*1_000_000
			assert.Equal(t, want, l.IsExpired(now, 0), "secs=%d offset=%s", secs, offset)
		}
	}
}

func TestLease_IsOwnedBy(t *testing.T) {
	l := &Lease{HolderIdentity: "pod-a"}
	assert.True(t, l.IsOwnedBy("pod-a"))
	assert.False(t, l.IsOwnedBy("pod-b"))
	assert.False(t, (*Lease)(nil).IsOwnedBy("pod-a"))
	assert.True(t, l.IsHeld())
	assert.False(t, (&Lease{}).IsHeld())
}

func TestLease_DeepCopyAndKey(t *testing.T) {
	l := &Lease{Name: "lock", Namespace: "ns", HolderIdentity: "a"}
	cp := l.DeepCopy()
	cp.HolderIdentity = "b"
	assert.Equal(t, "a", l.HolderIdentity)
	assert.Equal(t, "ns/lock", l.Key())
	assert.Equal(t, "lock", Key("", "lock"))
	assert.Nil(t, (*Lease)(nil).DeepCopy())
}

func TestDurationSeconds(t *testing.T) {
	assert.Equal(t, int32(0), DurationSeconds(0))
	assert.Equal(t, int32(1), DurationSeconds(200*time.Millisecond))
	assert.Equal(t, int32(20), DurationSeconds(20*time.Second))
	assert.Equal(t, int32(21), DurationSeconds(20*time.Second+time.Millisecond))
	assert.Equal(t, int32(math.MaxInt32), DurationSeconds(MaxDuration))
	assert.Equal(t, int32(math.MaxInt32), DurationSeconds(100*365*24*time.Hour))
}

func TestMicroTime(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 123456789, time.UTC)
	assert.Equal(t, 123456000, MicroTime(ts).Nanosecond())
}

func TestErrors_Wrapped(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("read: %w", ErrNotFound)))
	assert.True(t, IsConflict(fmt.Errorf("update: %w", ErrConflict)))
	assert.True(t, IsAlreadyExists(fmt.Errorf("create: %w", ErrAlreadyExists)))
	assert.False(t, IsConflict(errors.New("boom")))
}

func TestStreamWatcher(t *testing.T) {
	stopped := false
	w := NewStreamWatcher(context.Background(), 1, func() { stopped = true })

	require.True(t, w.Send(Event{Type: Added, Lease: &Lease{Name: "x"}}))
	ev := <-w.ResultChan()
	assert.Equal(t, Added, ev.Type)

	w.Stop()
	w.Stop()
	assert.True(t, stopped)
	assert.False(t, w.Send(Event{Type: Modified}))

	boom := errors.New("transport closed")
	w.Close(boom)
	w.Close(nil)
	_, ok := <-w.ResultChan()
	assert.False(t, ok)
	assert.Equal(t, boom, w.Err())
}

func TestStreamWatcher_ContextCancelAbandonsSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewStreamWatcher(ctx, 0, nil)
	cancel()
	assert.False(t, w.Send(Event{Type: Added}))
}
