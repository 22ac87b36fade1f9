package cli

import (
	"github.com/spf13/cobra"

	"mlvpn/internal/daemon"
)

func newRunCmd() *cobra.Command {
	opts := &daemon.Options{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(cmd.Context(), *opts)
		},
	}
	daemonFlags(cmd, opts)
	return cmd
}

// newWorkerCmd is the unprivileged half of the daemon, started by the
// monitor with the privsep channel on fd 3.
func newWorkerCmd() *cobra.Command {
	opts := &daemon.Options{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Internal: unprivileged worker process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.RunWorker(cmd.Context(), *opts)
		},
	}
	daemonFlags(cmd, opts)
	return cmd
}
