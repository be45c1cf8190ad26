// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package kubernetes implements the lease backend on top of coordination.k8s.io/v1
// Lease objects using client-go.
package kubernetes

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

const watchBuffer = 16

// Backend reads and writes Lease objects through the Kubernetes API.
type Backend struct {
	client kubernetes.Interface
	log    *zap.SugaredLogger
}

var _ lease.Backend = (*Backend)(nil)

// New returns a backend using client. Use kubernetes.Interface so unit tests can
// inject the fake clientset.
func New(client kubernetes.Interface, log *zap.SugaredLogger) *Backend {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Backend{client: client, log: log}
}

func (b *Backend) Get(ctx context.Context, namespace, name string) (*lease.Lease, error) {
	obj, err := b.client.CoordinationV1().Leases(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	return FromObject(obj), nil
}

func (b *Backend) Create(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	obj := ToObject(l)
	obj.ResourceVersion = ""
	created, err := b.client.CoordinationV1().Leases(l.Namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	return FromObject(created), nil
}

// Update writes holder, duration and timestamps onto the stored object, keeping
// its metadata and the remaining spec fields. The write is guarded by the
// caller's resource version.
func (b *Backend) Update(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	leases := b.client.CoordinationV1().Leases(l.Namespace)
	obj, err := leases.Get(ctx, l.Name, metav1.GetOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	if obj.ResourceVersion != l.ResourceVersion {
		return nil, fmt.Errorf("%w: lease %s has version %s, update carried %q",
			lease.ErrConflict, l.Key(), obj.ResourceVersion, l.ResourceVersion)
	}

	obj = obj.DeepCopy()
	previous := ""
	if obj.Spec.HolderIdentity != nil {
		previous = *obj.Spec.HolderIdentity
	}
	applyTo(obj, l)
	if l.HolderIdentity != "" && l.HolderIdentity != previous {
		var transitions int32
		if obj.Spec.LeaseTransitions != nil {
			transitions = *obj.Spec.LeaseTransitions
		}
		transitions++
		obj.Spec.LeaseTransitions = &transitions
	}

	updated, err := leases.Update(ctx, obj, metav1.UpdateOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	return FromObject(updated), nil
}

func (b *Backend) Watch(ctx context.Context, namespace string) (lease.Watcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	w, err := b.client.CoordinationV1().Leases(namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch leases in namespace %s: %w", namespace, err)
	}

	stream := lease.NewStreamWatcher(ctx, watchBuffer, cancel)
	go func() {
		defer cancel()
		defer w.Stop()
		stream.Close(b.pump(ctx, w, stream))
	}()
	return stream, nil
}

// pump translates native watch events until the subscription ends and returns the
// reason it ended.
func (b *Backend) pump(ctx context.Context, w watch.Interface, stream *lease.StreamWatcher) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-stream.Stopped():
				return nil
			default:
				return ctx.Err()
			}
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			if ev.Type == watch.Error {
				return fmt.Errorf("lease watch error: %w", apierrors.FromObject(ev.Object))
			}
			t, ok := translateEventType(ev.Type)
			if !ok {
				continue
			}
			obj, ok := ev.Object.(*coordinationv1.Lease)
			if !ok {
				b.log.Debugw("Ignoring unexpected object in lease watch", "type", fmt.Sprintf("%T", ev.Object))
				continue
			}
			if !stream.Send(lease.Event{Type: t, Lease: FromObject(obj)}) {
				return nil
			}
		}
	}
}

func translateEventType(t watch.EventType) (lease.EventType, bool) {
	switch t {
	case watch.Added:
		return lease.Added, true
	case watch.Modified:
		return lease.Modified, true
	case watch.Deleted:
		return lease.Deleted, true
	default:
		// Bookmarks carry no lease state.
		return "", false
	}
}

func translateError(err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %v", lease.ErrNotFound, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %v", lease.ErrAlreadyExists, err)
	case apierrors.IsConflict(err):
		return fmt.Errorf("%w: %v", lease.ErrConflict, err)
	default:
		return err
	}
}

// FromObject converts a Kubernetes Lease into the backend-neutral model.
func FromObject(obj *coordinationv1.Lease) *lease.Lease {
	if obj == nil {
		return nil
	}
	l := &lease.Lease{
		Name:            obj.Name,
		Namespace:       obj.Namespace,
		ResourceVersion: obj.ResourceVersion,
	}
	if obj.Spec.HolderIdentity != nil {
		l.HolderIdentity = *obj.Spec.HolderIdentity
	}
	if obj.Spec.LeaseDurationSeconds != nil {
		l.LeaseDurationSeconds = *obj.Spec.LeaseDurationSeconds
	}
	if obj.Spec.AcquireTime != nil {
		l.AcquireTime = obj.Spec.AcquireTime.Time
	}
	if obj.Spec.RenewTime != nil {
		l.RenewTime = obj.Spec.RenewTime.Time
	}
	return l
}

// ToObject converts the model into a Kubernetes Lease. Absent values become nil
// pointers so a released lease has no holder or renew time on the wire.
func ToObject(l *lease.Lease) *coordinationv1.Lease {
	obj := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      l.Name,
			Namespace: l.Namespace,
		},
	}
	applyTo(obj, l)
	return obj
}

// applyTo sets the fields the model owns and leaves everything else untouched.
func applyTo(obj *coordinationv1.Lease, l *lease.Lease) {
	obj.ResourceVersion = l.ResourceVersion
	obj.Spec.HolderIdentity = nil
	if l.HolderIdentity != "" {
		holder := l.HolderIdentity
		obj.Spec.HolderIdentity = &holder
	}
	obj.Spec.LeaseDurationSeconds = nil
	if l.LeaseDurationSeconds > 0 {
		secs := l.LeaseDurationSeconds
		obj.Spec.LeaseDurationSeconds = &secs
	}
	obj.Spec.AcquireTime = nil
	if !l.AcquireTime.IsZero() {
		t := metav1.NewMicroTime(l.AcquireTime)
		obj.Spec.AcquireTime = &t
	}
	obj.Spec.RenewTime = nil
	if !l.RenewTime.IsZero() {
		t := metav1.NewMicroTime(l.RenewTime)
		obj.Spec.RenewTime = &t
	}
}
