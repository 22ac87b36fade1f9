package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"mlvpn/internal/control"
	"mlvpn/internal/engine"
)

func newStatusCmd() *cobra.Command {
	var addr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tunnels of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(addr)
			out := cmd.OutOrStdout()
			if watch {
				return c.Watch(cmd.Context(), func(snap engine.Snapshot) {
					fmt.Fprint(out, "\033[H\033[2J")
					renderStatus(out, snap)
				})
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			snap, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			renderStatus(out, snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "control", defaultControl, "control API address (socket path or host:port)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow live statistics")
	return cmd
}

func newResetCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "reset <tunnel>",
		Short: "Force a tunnel down so it reconnects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := control.NewClient(addr).Reset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tunnel %s reset\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "control", defaultControl, "control API address (socket path or host:port)")
	return cmd
}

func renderStatus(w io.Writer, snap engine.Snapshot) {
	fmt.Fprintf(w, "%s on %s (%s), up %s\n", snap.Name, snap.Device, snap.Mode,
		(time.Duration(snap.Uptime) * time.Second).String())
	fmt.Fprintf(w, "dropped: no tunnel %d, oversize %d, device errors %d, fec recovered %d\n\n",
		snap.NoTunnelDrops, snap.Dropped, snap.DeviceErrors, snap.FECRecovered)

	data := pterm.TableData{{"TUNNEL", "MODE", "STATUS", "REMOTE", "WEIGHT", "SENT", "RECEIVED", "LOSS", "DOWN"}}
	for _, t := range snap.Tunnels {
		status := t.Status
		if t.Disabled {
			status += " (disabled)"
		}
		remote := t.Remote
		if remote == "" {
			remote = "-"
		}
		data = append(data, []string{
			t.Name,
			t.Mode + "/" + t.Encap,
			status,
			remote,
			fmt.Sprintf("%.2f", t.Weight),
			formatBytes(t.BytesSent),
			formatBytes(t.BytesRecv),
			strconv.FormatUint(t.Loss, 10),
			strconv.FormatUint(t.Disconnects, 10),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintln(w, table)
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

func formatBytes(n uint64) string {
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f %s", v, byteUnits[i])
}
