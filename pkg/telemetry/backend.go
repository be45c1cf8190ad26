// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

// TracerName identifies spans created by this module.
const TracerName = "github.com/telekom/k8s-lease-elector"

// tracedBackend opens one client span per backend call.
type tracedBackend struct {
	next   lease.Backend
	kind   string
	tracer trace.Tracer
}

// TraceBackend wraps b so that Get, Create, Update and Watch each record a span
// named "lease.<operation>". kind names the store in the lease.backend attribute.
// A nil tp returns b unchanged.
func TraceBackend(b lease.Backend, kind string, tp trace.TracerProvider) lease.Backend {
	if b == nil || tp == nil {
		return b
	}
	return &tracedBackend{next: b, kind: kind, tracer: tp.Tracer(TracerName)}
}

func (t *tracedBackend) start(ctx context.Context, op, namespace, name string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("lease.backend", t.kind),
		attribute.String("lease.namespace", namespace),
	}
	if name != "" {
		attrs = append(attrs, attribute.String("lease.name", name))
	}
	return t.tracer.Start(ctx, "lease."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func finish(span trace.Span, l *lease.Lease, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if l != nil {
		span.SetAttributes(
			attribute.String("lease.holder", l.HolderIdentity),
			attribute.String("lease.resource_version", l.ResourceVersion),
		)
	}
}

func (t *tracedBackend) Get(ctx context.Context, namespace, name string) (*lease.Lease, error) {
	ctx, span := t.start(ctx, "get", namespace, name)
	l, err := t.next.Get(ctx, namespace, name)
	if lease.IsNotFound(err) {
		// absence is an expected answer
		span.SetAttributes(attribute.Bool("lease.found", false))
		span.End()
		return l, err
	}
	finish(span, l, err)
	return l, err
}

func (t *tracedBackend) Create(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	ctx, span := t.start(ctx, "create", l.Namespace, l.Name)
	out, err := t.next.Create(ctx, l)
	finish(span, out, err)
	return out, err
}

func (t *tracedBackend) Update(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	ctx, span := t.start(ctx, "update", l.Namespace, l.Name)
	span.SetAttributes(attribute.String("lease.expected_version", l.ResourceVersion))
	out, err := t.next.Update(ctx, l)
	if lease.IsConflict(err) {
		span.SetAttributes(attribute.Bool("lease.conflict", true))
	}
	finish(span, out, err)
	return out, err
}

// Watch spans only cover establishing the subscription.
func (t *tracedBackend) Watch(ctx context.Context, namespace string) (lease.Watcher, error) {
	spanCtx, span := t.start(ctx, "watch", namespace, "")
	w, err := t.next.Watch(spanCtx, namespace)
	finish(span, nil, err)
	return w, err
}
