package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/turngate/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	Long:  `Query the running turngate relay and display occupancy and live allocations.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is turngate running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Realm:       %s\n", status.Realm)
	fmt.Fprintf(os.Stdout, "Uptime:      %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Allocations: %d\n", status.Allocations)
	fmt.Fprintf(os.Stdout, "Ports used:  %d\n", status.PortsInUse)
	fmt.Fprintf(os.Stdout, "Nonces:      %d\n", status.NoncesTracked)
	fmt.Println()

	if len(status.Peers) == 0 {
		fmt.Println("No active allocations.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tTRANSPORT\tUSERNAME\tRELAYED\tPERMS\tCHANNELS\tEXPIRES")
	for _, p := range status.Peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			p.ClientAddr, p.Transport, p.Username, p.RelayedAddr,
			p.Permissions, p.ChannelBinds, formatDuration(time.Until(p.ExpiresAt)))
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
