// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process lease backend with compare-and-swap
// semantics and watch fan-out. It backs single-process demo runs and tests that
// exercise several contenders against one shared record.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

// ErrWatchOverflow ends a subscription whose consumer fell too far behind.
var ErrWatchOverflow = errors.New("watch buffer overflow")

const defaultWatchBuffer = 256

// Backend is a lease.Backend holding records in memory.
type Backend struct {
	mu       sync.Mutex
	records  map[string]*lease.Lease
	version  uint64
	watchers map[*watcher]struct{}
	buffer   int
}

var _ lease.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		records:  map[string]*lease.Lease{},
		watchers: map[*watcher]struct{}{},
		buffer:   defaultWatchBuffer,
	}
}

func (b *Backend) Get(_ context.Context, namespace, name string) (*lease.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[lease.Key(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lease.ErrNotFound, lease.Key(namespace, name))
	}
	return rec.DeepCopy(), nil
}

func (b *Backend) Create(_ context.Context, l *lease.Lease) (*lease.Lease, error) {
	if l == nil || l.Name == "" {
		return nil, errors.New("lease name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := l.Key()
	if _, ok := b.records[key]; ok {
		return nil, fmt.Errorf("%w: %s", lease.ErrAlreadyExists, key)
	}
	rec := b.storeLocked(key, l)
	b.notifyLocked(lease.Added, rec)
	return rec.DeepCopy(), nil
}

func (b *Backend) Update(_ context.Context, l *lease.Lease) (*lease.Lease, error) {
	if l == nil || l.Name == "" {
		return nil, errors.New("lease name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := l.Key()
	cur, ok := b.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lease.ErrNotFound, key)
	}
	if l.ResourceVersion != cur.ResourceVersion {
		return nil, fmt.Errorf("%w: %s has version %s, update carried %q", lease.ErrConflict, key, cur.ResourceVersion, l.ResourceVersion)
	}
	rec := b.storeLocked(key, l)
	b.notifyLocked(lease.Modified, rec)
	return rec.DeepCopy(), nil
}

// Delete removes a record. The elector never deletes leases; tests and operators do.
func (b *Backend) Delete(_ context.Context, namespace, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := lease.Key(namespace, name)
	rec, ok := b.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", lease.ErrNotFound, key)
	}
	delete(b.records, key)
	b.notifyLocked(lease.Deleted, rec)
	return nil
}

func (b *Backend) Watch(ctx context.Context, namespace string) (lease.Watcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher{
		namespace:  namespace,
		queue:      make(chan lease.Event, b.buffer),
		overflowCh: make(chan struct{}),
		stream:     lease.NewStreamWatcher(ctx, 0, nil),
	}

	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()

	go w.run(ctx, func() {
		b.mu.Lock()
		delete(b.watchers, w)
		b.mu.Unlock()
	})
	return w.stream, nil
}

// Len returns the number of stored records.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Backend) storeLocked(key string, l *lease.Lease) *lease.Lease {
	b.version++
	rec := l.DeepCopy()
	rec.ResourceVersion = strconv.FormatUint(b.version, 10)
	b.records[key] = rec
	return rec
}

func (b *Backend) notifyLocked(t lease.EventType, rec *lease.Lease) {
	for w := range b.watchers {
		if w.namespace != rec.Namespace {
			continue
		}
		select {
		case w.queue <- lease.Event{Type: t, Lease: rec.DeepCopy()}:
		default:
			delete(b.watchers, w)
			w.overflow()
		}
	}
}

type watcher struct {
	namespace string
	queue     chan lease.Event
	stream    *lease.StreamWatcher

	overflowOnce sync.Once
	overflowCh   chan struct{}
}

func (w *watcher) overflow() {
	w.overflowOnce.Do(func() { close(w.overflowCh) })
}

func (w *watcher) run(ctx context.Context, unregister func()) {
	defer unregister()
	for {
		select {
		case <-ctx.Done():
			w.stream.Close(ctx.Err())
			return
		case <-w.stream.Stopped():
			w.stream.Close(nil)
			return
		case <-w.overflowCh:
			w.stream.Close(ErrWatchOverflow)
			return
		case ev := <-w.queue:
			if !w.stream.Send(ev) {
				w.stream.Close(ctx.Err())
				return
			}
		}
	}
}
