package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/telekom/k8s-lease-elector/pkg/config"
	"github.com/telekom/k8s-lease-elector/pkg/lease"
	"github.com/telekom/k8s-lease-elector/pkg/lease/etcd"
	leasek8s "github.com/telekom/k8s-lease-elector/pkg/lease/kubernetes"
	"github.com/telekom/k8s-lease-elector/pkg/lease/memory"
	"github.com/telekom/k8s-lease-elector/pkg/lease/natskv"
	"github.com/telekom/k8s-lease-elector/pkg/version"
)

// backendHandle is an opened lease backend. backend is nil in standalone mode and
// kube is only set for the kubernetes backend.
type backendHandle struct {
	kind    string
	backend lease.Backend
	kube    kubernetes.Interface
	close   func()
}

func (h *backendHandle) Close() {
	if h.close != nil {
		h.close()
	}
}

// openBackend connects the backend selected by cfg.
func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backendHandle, error) {
	kind := cfg.ResolveBackendType()
	slog := log.Sugar().With("backend", kind)

	switch kind {
	case config.BackendKubernetes:
		restCfg, err := ctrlconfig.GetConfigWithContext(cfg.Backend.Kubernetes.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes client config: %w", err)
		}
		restCfg.UserAgent = version.UserAgent()
		cs, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		slog.Infow("Using Kubernetes Lease backend", "host", restCfg.Host)
		return &backendHandle{kind: kind, backend: leasek8s.New(cs, slog), kube: cs}, nil

	case config.BackendEtcd:
		ec := cfg.Backend.Etcd
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   ec.Endpoints,
			DialTimeout: ec.DialTimeout,
			Username:    ec.Username,
			Password:    ec.Password,
			Logger:      log.Named("etcd-client"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd %v: %w", ec.Endpoints, err)
		}
		slog.Infow("Using etcd lease backend", "endpoints", ec.Endpoints, "prefix", ec.Prefix)
		return &backendHandle{
			kind:    kind,
			backend: etcd.New(cli, cli, ec.Prefix, slog),
			close: func() {
				if err := cli.Close(); err != nil {
					slog.Warnw("Failed to close etcd client", "error", err)
				}
			},
		}, nil

	case config.BackendNATS:
		nc, err := nats.Connect(cfg.Backend.NATS.URL,
			nats.Name(version.UserAgent()),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS %s: %w", cfg.Backend.NATS.URL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		b, err := natskv.Open(ctx, js, cfg.Backend.NATS.Bucket, slog)
		if err != nil {
			nc.Close()
			return nil, err
		}
		slog.Infow("Using NATS JetStream lease backend", "url", cfg.Backend.NATS.URL, "bucket", cfg.Backend.NATS.Bucket)
		return &backendHandle{kind: kind, backend: b, close: nc.Close}, nil

	case config.BackendMemory:
		slog.Warnw("Using in-memory lease backend; only electors in this process take part")
		return &backendHandle{kind: kind, backend: memory.New()}, nil

	case config.BackendNone:
		return &backendHandle{kind: kind}, nil

	default:
		return nil, fmt.Errorf("unknown backend type %q", kind)
	}
}
