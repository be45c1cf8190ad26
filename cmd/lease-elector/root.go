package main

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/telekom/k8s-lease-elector/pkg/cli"
	"github.com/telekom/k8s-lease-elector/pkg/config"
	"github.com/telekom/k8s-lease-elector/pkg/system"
)

// runtimeState is shared by all subcommands once PersistentPreRunE resolved it.
type runtimeState struct {
	opts   *cli.Options
	cfg    config.Config
	log    *zap.Logger
	writer io.Writer
}

func newRootCommand(w io.Writer) *cobra.Command {
	rt := &runtimeState{writer: w}

	root := &cobra.Command{
		Use:           "lease-elector",
		Short:         "Lease-based leader election",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := rt.opts.Resolve()
			if err != nil {
				return err
			}
			rt.cfg = cfg

			logger, err := system.NewLogger(cfg.Debug)
			if err != nil {
				return err
			}
			rt.log = logger
			ctrllog.SetLogger(system.RouteKlog(logger))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if rt.log != nil {
				_ = rt.log.Sync()
			}
		},
	}
	root.SetOut(w)
	rt.opts = cli.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCommand(rt),
		newStatusCommand(rt),
		newVersionCommand(rt),
	)
	return root
}
