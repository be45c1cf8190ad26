// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package etcd implements the lease backend on etcd v3. Each lease is a JSON record
// under <prefix>/<namespace>/<name>; optimistic concurrency uses the key's
// ModRevision as resource version.
package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "/lease-elector/leases"

const watchBuffer = 16

// Backend stores leases in etcd.
type Backend struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
	log     *zap.SugaredLogger
}

var _ lease.Backend = (*Backend)(nil)

// New returns a backend over kv and watcher; a *clientv3.Client serves as both.
func New(kv clientv3.KV, watcher clientv3.Watcher, prefix string, log *zap.SugaredLogger) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Backend{kv: kv, watcher: watcher, prefix: strings.TrimSuffix(prefix, "/"), log: log}
}

func (b *Backend) key(namespace, name string) string {
	return b.prefix + "/" + namespace + "/" + name
}

func (b *Backend) namespacePrefix(namespace string) string {
	return b.prefix + "/" + namespace + "/"
}

func (b *Backend) Get(ctx context.Context, namespace, name string) (*lease.Lease, error) {
	key := b.key(namespace, name)
	resp, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", lease.ErrNotFound, key)
	}
	kv := resp.Kvs[0]
	return decode(namespace, name, kv.Value, kv.ModRevision)
}

func (b *Backend) Create(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	key := b.key(l.Namespace, l.Name)
	value, err := encode(l)
	if err != nil {
		return nil, err
	}
	resp, err := b.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value)).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	if !resp.Succeeded {
		return nil, fmt.Errorf("%w: %s", lease.ErrAlreadyExists, key)
	}
	out := l.DeepCopy()
	out.ResourceVersion = strconv.FormatInt(resp.Header.Revision, 10)
	return out, nil
}

func (b *Backend) Update(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	key := b.key(l.Namespace, l.Name)
	rev, err := strconv.ParseInt(l.ResourceVersion, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has invalid resource version %q", lease.ErrConflict, key, l.ResourceVersion)
	}
	value, err := encode(l)
	if err != nil {
		return nil, err
	}
	resp, err := b.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, value)).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}
	if !resp.Succeeded {
		return nil, fmt.Errorf("%w: %s changed since revision %d", lease.ErrConflict, key, rev)
	}
	out := l.DeepCopy()
	out.ResourceVersion = strconv.FormatInt(resp.Header.Revision, 10)
	return out, nil
}

func (b *Backend) Watch(ctx context.Context, namespace string) (lease.Watcher, error) {
	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	prefix := b.namespacePrefix(namespace)
	wch := b.watcher.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

	stream := lease.NewStreamWatcher(ctx, watchBuffer, cancel)
	go func() {
		defer cancel()
		stream.Close(b.pump(ctx, namespace, wch, stream))
	}()
	return stream, nil
}

func (b *Backend) pump(ctx context.Context, namespace string, wch clientv3.WatchChan, stream *lease.StreamWatcher) error {
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("etcd watch on namespace %s: %w", namespace, err)
		}
		for _, ev := range resp.Events {
			out, ok := b.translate(namespace, ev)
			if !ok {
				continue
			}
			if !stream.Send(out) {
				return nil
			}
		}
	}
	select {
	case <-stream.Stopped():
		return nil
	default:
		return ctx.Err()
	}
}

func (b *Backend) translate(namespace string, ev *clientv3.Event) (lease.Event, bool) {
	if ev == nil || ev.Kv == nil {
		return lease.Event{}, false
	}
	name := strings.TrimPrefix(string(ev.Kv.Key), b.namespacePrefix(namespace))
	if name == "" || strings.Contains(name, "/") {
		return lease.Event{}, false
	}

	switch ev.Type {
	case mvccpb.PUT:
		l, err := decode(namespace, name, ev.Kv.Value, ev.Kv.ModRevision)
		if err != nil {
			b.log.Warnw("Skipping undecodable lease record in watch", "key", string(ev.Kv.Key), "error", err)
			return lease.Event{}, false
		}
		t := lease.Modified
		if ev.IsCreate() {
			t = lease.Added
		}
		return lease.Event{Type: t, Lease: l}, true
	case mvccpb.DELETE:
		l := &lease.Lease{Name: name, Namespace: namespace}
		if ev.PrevKv != nil {
			if prev, err := decode(namespace, name, ev.PrevKv.Value, ev.PrevKv.ModRevision); err == nil {
				l = prev
			}
		}
		return lease.Event{Type: lease.Deleted, Lease: l}, true
	default:
		return lease.Event{}, false
	}
}

func encode(l *lease.Lease) (string, error) {
	data, err := lease.EncodeRecord(l)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode(namespace, name string, value []byte, modRevision int64) (*lease.Lease, error) {
	return lease.DecodeRecord(namespace, name, value, strconv.FormatInt(modRevision, 10))
}
