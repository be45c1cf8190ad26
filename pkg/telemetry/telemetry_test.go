// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

func restoreGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitDisabled(t *testing.T) {
	restoreGlobalProvider(t)
	ctx := context.Background()

	tp, shutdown, err := Init(ctx, Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init(disabled) returned error: %v", err)
	}
	if _, ok := tp.(noop.TracerProvider); !ok {
		t.Errorf("expected noop.TracerProvider, got %T", tp)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown returned error: %v", err)
	}
}

func TestInitExporters(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "none", opts: Options{Exporter: "none", SamplingRate: 1}},
		{name: "stdout", opts: Options{Exporter: "stdout", SamplingRate: 0.5}},
		// the OTLP exporter connects lazily, so an unreachable endpoint is fine
		{name: "otlp", opts: Options{Exporter: "otlp", Endpoint: "localhost:0", Insecure: true}},
		{name: "default exporter is otlp", opts: Options{Endpoint: "localhost:0", Insecure: true}},
		{name: "negative sampling rate", opts: Options{Exporter: "none", SamplingRate: -0.5}},
		{name: "sampling rate above one", opts: Options{Exporter: "none", SamplingRate: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreGlobalProvider(t)
			ctx := context.Background()
			tt.opts.Enabled = true
			tt.opts.Logger = zaptest.NewLogger(t).Sugar()

			tp, shutdown, err := Init(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Init returned error: %v", err)
			}
			t.Cleanup(func() { _ = shutdown(ctx) })

			if _, ok := tp.(*sdktrace.TracerProvider); !ok {
				t.Fatalf("expected *sdktrace.TracerProvider, got %T", tp)
			}
			if otel.GetTracerProvider() != tp {
				t.Error("global TracerProvider was not replaced")
			}
		})
	}
}

func TestInitInvalidExporter(t *testing.T) {
	_, _, err := Init(context.Background(), Options{Enabled: true, Exporter: "zipkin"})
	if err == nil {
		t.Fatal("expected error for unknown exporter, got nil")
	}
}

func TestShutdownTwice(t *testing.T) {
	restoreGlobalProvider(t)
	ctx := context.Background()
	_, shutdown, err := Init(ctx, Options{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("first shutdown returned error: %v", err)
	}
	_ = shutdown(ctx)
}

func TestNewResource_CarriesElection(t *testing.T) {
	res, err := newResource(Options{
		ServiceName:    DefaultServiceName,
		ServiceVersion: "v1.2.3",
		Election: Election{
			Identity:  "node-1_abc",
			LeaseName: "controller",
			Namespace: "kube-system",
			Backend:   "etcd",
		},
	})
	if err != nil {
		t.Fatalf("newResource returned error: %v", err)
	}

	want := map[attribute.Key]string{
		"service.name":        DefaultServiceName,
		"service.version":     "v1.2.3",
		"service.instance.id": "node-1_abc",
		"lease.name":          "controller",
		"lease.namespace":     "kube-system",
		"lease.backend":       "etcd",
	}
	set := res.Set()
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok {
			t.Errorf("resource is missing %s", key)
			continue
		}
		if got.AsString() != value {
			t.Errorf("%s = %q, want %q", key, got.AsString(), value)
		}
	}
}

func TestNewResource_SkipsEmptyElectionFields(t *testing.T) {
	res, err := newResource(Options{ServiceName: DefaultServiceName, Election: Election{LeaseName: "controller"}})
	if err != nil {
		t.Fatalf("newResource returned error: %v", err)
	}
	if _, ok := res.Set().Value("service.instance.id"); ok {
		t.Error("empty identity should not be set")
	}
	if _, ok := res.Set().Value("lease.name"); !ok {
		t.Error("lease.name should be set")
	}
}

func TestNewSampler(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 0.25, want: "TraceIDRatioBased{0.25}"},
		{rate: 0, want: "AlwaysOnSampler"},
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: -1, want: "AlwaysOnSampler"},
		{rate: 3, want: "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(tt.rate, log).Description()
		if !strings.Contains(desc, "root:"+tt.want) {
			t.Errorf("newSampler(%v) = %s, want root sampler %s", tt.rate, desc, tt.want)
		}
	}
}
