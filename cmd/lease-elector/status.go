package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/telekom/k8s-lease-elector/pkg/api"
	"github.com/telekom/k8s-lease-elector/pkg/config"
	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

const statusTimeout = 10 * time.Second

func newStatusCommand(rt *runtimeState) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current lease record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfg.ResolveBackendType() == config.BackendNone {
				return elector.ErrStandalone
			}
			ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
			defer cancel()

			handle, err := openBackend(ctx, rt.cfg, rt.log)
			if err != nil {
				return err
			}
			defer handle.Close()

			ec := rt.cfg.ElectorConfig().WithDefaults()
			l, err := handle.backend.Get(ctx, ec.Namespace, ec.LeaseName)
			if err != nil {
				return fmt.Errorf("failed to read lease %s: %w", lease.Key(ec.Namespace, ec.LeaseName), err)
			}
			return writeLease(rt, outputFormat, api.NewLeaseResponse(l, ec.LeaseDuration, time.Now()))
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "Output format: yaml, json")

	return cmd
}

func writeLease(rt *runtimeState, format string, status api.LeaseResponse) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(rt.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	case "yaml":
		data, err := yaml.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to marshal to YAML: %w", err)
		}
		_, err = rt.writer.Write(data)
		return err
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
