// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect to embedded NATS server: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func openBackend(t *testing.T) *Backend {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := Open(ctx, startJetStream(t), "", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return b
}

func TestBackend_CRUD(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	now := lease.MicroTime(time.Now())

	_, err := b.Get(ctx, "default", "controller")
	require.True(t, lease.IsNotFound(err))

	created, err := b.Create(ctx, &lease.Lease{Name: "controller", Namespace: "default", HolderIdentity: "a", LeaseDurationSeconds: 20, RenewTime: now})
	require.NoError(t, err)
	require.NotEmpty(t, created.ResourceVersion)

	_, err = b.Create(ctx, &lease.Lease{Name: "controller", Namespace: "default", HolderIdentity: "b"})
	assert.True(t, lease.IsAlreadyExists(err), "got %v", err)

	got, err := b.Get(ctx, "default", "controller")
	require.NoError(t, err)
	assert.Equal(t, "a", got.HolderIdentity)
	assert.True(t, now.Equal(got.RenewTime))
	assert.Equal(t, created.ResourceVersion, got.ResourceVersion)

	got.HolderIdentity = "b"
	updated, err := b.Update(ctx, got)
	require.NoError(t, err)
	assert.NotEqual(t, created.ResourceVersion, updated.ResourceVersion)

	_, err = b.Update(ctx, created)
	assert.True(t, lease.IsConflict(err), "got %v", err)

	_, err = b.Update(ctx, &lease.Lease{Name: "controller", Namespace: "default", ResourceVersion: "x"})
	assert.True(t, lease.IsConflict(err))
}

func TestBackend_CreateAfterDelete(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	_, err := b.Create(ctx, &lease.Lease{Name: "controller", Namespace: "default", HolderIdentity: "a"})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "default", "controller"))

	_, err = b.Get(ctx, "default", "controller")
	require.True(t, lease.IsNotFound(err))

	_, err = b.Create(ctx, &lease.Lease{Name: "controller", Namespace: "default", HolderIdentity: "b"})
	require.NoError(t, err)
}

func nextEvent(t *testing.T, w lease.Watcher) lease.Event {
	t.Helper()
	select {
	case ev, ok := <-w.ResultChan():
		require.True(t, ok, "watch ended: %v", w.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
	return lease.Event{}
}

func TestBackend_Watch(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	// Present before the watch starts; only seeds the known set.
	_, err := b.Create(ctx, &lease.Lease{Name: "existing", Namespace: "default", HolderIdentity: "a"})
	require.NoError(t, err)

	w, err := b.Watch(ctx, "default")
	require.NoError(t, err)
	defer w.Stop()

	created, err := b.Create(ctx, &lease.Lease{Name: "controller", Namespace: "default", HolderIdentity: "a"})
	require.NoError(t, err)
	ev := nextEvent(t, w)
	assert.Equal(t, lease.Added, ev.Type)
	assert.Equal(t, "controller", ev.Lease.Name)

	// Another namespace is not delivered.
	_, err = b.Create(ctx, &lease.Lease{Name: "controller", Namespace: "other", HolderIdentity: "z"})
	require.NoError(t, err)

	created.HolderIdentity = "b"
	_, err = b.Update(ctx, created)
	require.NoError(t, err)
	ev = nextEvent(t, w)
	assert.Equal(t, lease.Modified, ev.Type)
	assert.Equal(t, "b", ev.Lease.HolderIdentity)

	existing, err := b.Get(ctx, "default", "existing")
	require.NoError(t, err)
	_, err = b.Update(ctx, existing)
	require.NoError(t, err)
	ev = nextEvent(t, w)
	assert.Equal(t, lease.Modified, ev.Type)
	assert.Equal(t, "existing", ev.Lease.Name)

	require.NoError(t, b.Delete(ctx, "default", "controller"))
	ev = nextEvent(t, w)
	assert.Equal(t, lease.Deleted, ev.Type)
	assert.Equal(t, "controller", ev.Lease.Name)
}

func TestBackend_WatchEndsWithContext(t *testing.T) {
	b := openBackend(t)
	ctx, cancel := context.WithCancel(context.Background())

	w, err := b.Watch(ctx, "default")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-w.ResultChan():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not end")
	}
	assert.ErrorIs(t, w.Err(), context.Canceled)
}
