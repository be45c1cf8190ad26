package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/telekom/k8s-lease-elector/pkg/api"
	"github.com/telekom/k8s-lease-elector/pkg/cli"
	"github.com/telekom/k8s-lease-elector/pkg/config"
	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/leaderelection"
	"github.com/telekom/k8s-lease-elector/pkg/publish"
	"github.com/telekom/k8s-lease-elector/pkg/telemetry"
	"github.com/telekom/k8s-lease-elector/pkg/version"
)

func newRunCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Join the election and serve the status API until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if rt.cfg.ShouldAutoClose() {
				var stop context.CancelFunc
				ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
			}
			return runElection(ctx, rt.cfg, rt.log)
		},
	}
}

// runElection runs until ctx ends, then releases the lease and shuts the API down.
func runElection(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	log := logger.Sugar()
	log.Infow("Starting lease-elector", "version", version.GetBuildInfo().String())
	cli.Print(cfg, log)

	handle, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer handle.Close()

	// Defaults are applied once so the generated identity is shared by the
	// elector and the trace resource.
	ec := cfg.ElectorConfig().WithDefaults()

	topts := cfg.TelemetryOptions()
	topts.Election = telemetry.Election{
		Identity:  ec.Identity,
		LeaseName: ec.LeaseName,
		Namespace: ec.Namespace,
		Backend:   handle.kind,
	}
	topts.Logger = log.Named("telemetry")
	tp, shutdownTracing, err := telemetry.Init(ctx, topts)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("Failed to flush traces", "error", err)
		}
	}()
	if cfg.Telemetry.Enabled {
		handle.backend = telemetry.TraceBackend(handle.backend, handle.kind, tp)
	}

	el, err := elector.New(ec, handle.backend, elector.WithLogger(log.Named("elector")))
	if err != nil {
		return err
	}

	closers, err := addPublishers(el, cfg, handle, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	gate := leaderelection.NewGate(log)

	var wg sync.WaitGroup
	if cfg.Server.ListenAddress != "" && cfg.Server.ListenAddress != "0" {
		srv := api.NewServer(logger, el, gate, cfg.Debug)
		defer srv.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Listen(ctx, cfg.Server.ListenAddress); err != nil {
				log.Errorw("Status API stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go leaderelection.Start(ctx, &wg, el, gate, leaderelection.DefaultStopTimeout, log.With("lease", ec.LeaseName, "namespace", ec.Namespace))

	wg.Wait()
	log.Infow("lease-elector stopped")
	return nil
}

// addPublishers registers the configured notification sinks and returns their closers.
func addPublishers(el *elector.Elector, cfg config.Config, handle *backendHandle, log *zap.SugaredLogger) ([]func(), error) {
	var closers []func()
	ec := el.Config()

	if kc := cfg.KafkaConfig(); kc != nil {
		p, err := publish.NewKafkaPublisher(*kc, ec.Namespace, ec.Identity, log)
		if err != nil {
			return nil, fmt.Errorf("failed to set up Kafka publisher: %w", err)
		}
		el.AddListener(p)
		closers = append(closers, func() {
			if err := p.Close(); err != nil {
				log.Warnw("Failed to close Kafka publisher", "error", err)
			}
		})
	}

	if cfg.Publish.KubernetesEvents.Enabled {
		if handle.kube == nil {
			log.Warnw("Kubernetes Events need the kubernetes backend, not recording events", "backend", handle.kind)
		} else {
			rec := &publish.K8sEventRecorder{
				Clientset: handle.kube,
				Source:    corev1.EventSource{Component: "lease-elector", Host: ec.Identity},
				Logger:    log.Named("events"),
			}
			el.AddListener(publish.NewLeaseEvents(rec, ec.Namespace, ec.LeaseName, ec.Identity, cfg.Publish.KubernetesEvents.IncludeRenewals))
		}
	}
	return closers, nil
}
