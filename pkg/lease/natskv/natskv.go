// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package natskv implements the lease backend on a NATS JetStream key-value bucket.
// Leases are stored under the key <namespace>.<name> and the entry revision is the
// resource version.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

// DefaultBucket is the bucket used when none is configured.
const DefaultBucket = "lease-elector"

const watchBuffer = 16

// Backend stores leases in a JetStream KV bucket.
type Backend struct {
	kv  jetstream.KeyValue
	log *zap.SugaredLogger
}

var _ lease.Backend = (*Backend)(nil)

// New returns a backend on an existing bucket.
func New(kv jetstream.KeyValue, log *zap.SugaredLogger) *Backend {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Backend{kv: kv, log: log}
}

// Open binds to bucket, creating it when it does not exist yet.
func Open(ctx context.Context, js jetstream.JetStream, bucket string, log *zap.SugaredLogger) (*Backend, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "lease-elector leases",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open key-value bucket %s: %w", bucket, err)
	}
	return New(kv, log), nil
}

func key(namespace, name string) string {
	return namespace + "." + name
}

func (b *Backend) Get(ctx context.Context, namespace, name string) (*lease.Lease, error) {
	k := key(namespace, name)
	entry, err := b.kv.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", lease.ErrNotFound, k)
		}
		return nil, fmt.Errorf("get %s: %w", k, err)
	}
	return decode(namespace, name, entry.Value(), entry.Revision())
}

func (b *Backend) Create(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	k := key(l.Namespace, l.Name)
	value, err := lease.EncodeRecord(l)
	if err != nil {
		return nil, err
	}
	rev, err := b.kv.Create(ctx, k, value)
	if err != nil {
		if isWrongRevision(err) {
			return nil, fmt.Errorf("%w: %s", lease.ErrAlreadyExists, k)
		}
		return nil, fmt.Errorf("create %s: %w", k, err)
	}
	out := l.DeepCopy()
	out.ResourceVersion = strconv.FormatUint(rev, 10)
	return out, nil
}

func (b *Backend) Update(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	k := key(l.Namespace, l.Name)
	last, err := strconv.ParseUint(l.ResourceVersion, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has invalid resource version %q", lease.ErrConflict, k, l.ResourceVersion)
	}
	value, err := lease.EncodeRecord(l)
	if err != nil {
		return nil, err
	}
	rev, err := b.kv.Update(ctx, k, value, last)
	if err != nil {
		if isWrongRevision(err) {
			return nil, fmt.Errorf("%w: %s changed since revision %d", lease.ErrConflict, k, last)
		}
		return nil, fmt.Errorf("update %s: %w", k, err)
	}
	out := l.DeepCopy()
	out.ResourceVersion = strconv.FormatUint(rev, 10)
	return out, nil
}

// Delete removes a lease. Elections never delete; operators and tests do.
func (b *Backend) Delete(ctx context.Context, namespace, name string) error {
	k := key(namespace, name)
	if err := b.kv.Delete(ctx, k); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", lease.ErrNotFound, k)
		}
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Watch streams changes to every lease of namespace. The initial replay of current
// values is consumed silently and only seeds the set of known keys, so that a later
// put can be told apart as Added or Modified.
func (b *Backend) Watch(ctx context.Context, namespace string) (lease.Watcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	kw, err := b.kv.Watch(ctx, namespace+".>")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch namespace %s: %w", namespace, err)
	}
	stream := lease.NewStreamWatcher(ctx, watchBuffer, cancel)
	go func() {
		defer func() {
			if err := kw.Stop(); err != nil {
				b.log.Debugw("Stopping key watcher failed", "namespace", namespace, "error", err)
			}
			cancel()
		}()
		stream.Close(b.pump(ctx, namespace, kw, stream))
	}()
	return stream, nil
}

func (b *Backend) pump(ctx context.Context, namespace string, kw jetstream.KeyWatcher, stream *lease.StreamWatcher) error {
	known := map[string]bool{}
	replaying := true
	for {
		select {
		case <-stream.Stopped():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-kw.Updates():
			if !ok {
				select {
				case <-stream.Stopped():
					return nil
				default:
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("key watcher for namespace %s closed", namespace)
			}
			if entry == nil {
				replaying = false
				continue
			}
			ev, ok := b.translate(namespace, entry, known)
			if !ok || replaying {
				continue
			}
			if !stream.Send(ev) {
				return nil
			}
		}
	}
}

// translate converts entry and updates known as a side effect.
func (b *Backend) translate(namespace string, entry jetstream.KeyValueEntry, known map[string]bool) (lease.Event, bool) {
	name := strings.TrimPrefix(entry.Key(), namespace+".")
	if name == "" || name == entry.Key() {
		return lease.Event{}, false
	}
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		l, err := decode(namespace, name, entry.Value(), entry.Revision())
		if err != nil {
			b.log.Warnw("Skipping undecodable lease record in watch", "key", entry.Key(), "error", err)
			return lease.Event{}, false
		}
		t := lease.Modified
		if !known[name] {
			t = lease.Added
			known[name] = true
		}
		return lease.Event{Type: t, Lease: l}, true
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(known, name)
		return lease.Event{Type: lease.Deleted, Lease: &lease.Lease{Name: name, Namespace: namespace}}, true
	default:
		return lease.Event{}, false
	}
}

func decode(namespace, name string, value []byte, revision uint64) (*lease.Lease, error) {
	return lease.DecodeRecord(namespace, name, value, strconv.FormatUint(revision, 10))
}
