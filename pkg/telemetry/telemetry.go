// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package telemetry sets up OpenTelemetry tracing for the lease elector and
// traces calls into lease backends.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// DefaultServiceName is the service.name resource attribute used when none is set.
const DefaultServiceName = "lease-elector"

const flushTimeout = 5 * time.Second

// Exporters accepted in Options.Exporter.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Election identifies the election this process takes part in. Every span the
// process exports carries it as resource attributes, so traces of all contenders
// for one lease can be grouped.
type Election struct {
	Identity  string
	LeaseName string
	Namespace string
	Backend   string
}

func (e Election) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	// service.instance.id is the contender identity written into the lease.
	add("service.instance.id", e.Identity)
	add("lease.name", e.LeaseName)
	add("lease.namespace", e.Namespace)
	add("lease.backend", e.Backend)
	return attrs
}

// Options configures the TracerProvider.
type Options struct {
	// Enabled installs a real provider; otherwise spans are no-ops.
	Enabled bool

	ServiceName    string
	ServiceVersion string
	Election       Election

	// Exporter is otlp (default), stdout or none. none records spans but drops them.
	Exporter string
	// Endpoint of the OTLP gRPC collector, host:port.
	Endpoint string
	Insecure bool

	// SamplingRate is the fraction of root traces sampled. Zero and values
	// outside 0-1 sample everything.
	SamplingRate float64

	Logger *zap.SugaredLogger
}

// ShutdownFunc flushes pending spans and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// Init installs the global TracerProvider and W3C propagators. The returned
// provider is what TraceBackend should be given. When tracing is disabled a
// no-op provider is installed and the ShutdownFunc does nothing.
func Init(ctx context.Context, opts Options) (trace.TracerProvider, ShutdownFunc, error) {
	if !opts.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.Exporter == "" {
		opts.Exporter = ExporterOTLP
	}

	res, err := newResource(opts)
	if err != nil {
		return nil, nil, err
	}
	exporter, err := newExporter(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(opts.SamplingRate, log)),
	}
	if exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Warnw("Trace export failed", "error", err)
	}))

	log.Infow("Tracing lease backend calls",
		"exporter", opts.Exporter,
		"endpoint", opts.Endpoint,
		"lease", opts.Election.LeaseName,
		"identity", opts.Election.Identity)

	return tp, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

// newResource merges the SDK defaults with service and election attributes.
// NewSchemaless keeps the schema URL of resource.Default().
func newResource(opts Options) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.ServiceVersion),
	}, opts.Election.attributes()...)
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}
	return res, nil
}

// newExporter returns nil for ExporterNone.
func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Exporter {
	case ExporterOTLP:
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter for %s: %w", opts.Endpoint, err)
		}
		return exp, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q: supported values are %s, %s, %s",
			opts.Exporter, ExporterOTLP, ExporterStdout, ExporterNone)
	}
}

// newSampler samples root spans by trace ID and follows the parent otherwise.
func newSampler(rate float64, log *zap.SugaredLogger) sdktrace.Sampler {
	if rate <= 0 || rate > 1 {
		if rate != 0 {
			log.Warnw("Sampling rate out of range, sampling every trace", "provided", rate)
		}
		rate = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}
