// Package cli defines the mlvpn command line.
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mlvpn/internal/daemon"
)

const (
	defaultConfig  = "/etc/mlvpn/mlvpn.yaml"
	defaultControl = "/run/mlvpn.sock"
)

// Execute runs the command line until the command returns or a termination
// signal arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func NewRootCmd() *cobra.Command {
	opts := &daemon.Options{}
	root := &cobra.Command{
		Use:   "mlvpn",
		Short: "Multi-link VPN bonding daemon",
		Long: "mlvpn aggregates several network links into a single virtual interface, " +
			"spreading traffic over them by weight and surviving the loss of any of them.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(cmd.Context(), *opts)
		},
	}
	daemonFlags(root, opts)

	root.AddCommand(newRunCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newResetCmd())
	return root
}

func daemonFlags(cmd *cobra.Command, opts *daemon.Options) {
	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", defaultConfig, "path to YAML config")
	f.StringVarP(&opts.User, "user", "u", "", "drop privileges to this user")
	f.StringVarP(&opts.PIDFile, "pidfile", "p", "", "write the process id to this file")
	f.StringVarP(&opts.Name, "name", "n", "", "instance name used in logs")
	f.CountVarP(&opts.Verbose, "verbose", "v", "more verbose logging, repeatable")
	f.BoolVar(&opts.Debug, "debug", false, "debug logging")
}
