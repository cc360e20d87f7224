package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List associations",
	Long: `List the daemon's associations with their poll results.
Delay, offset and jitter are in milliseconds.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeers(cmd.Context(), daemonClient(), cmd.OutOrStdout())
	},
}

func runPeers(ctx context.Context, client DaemonClient, out io.Writer) error {
	peers, err := client.Peers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list peers: %w", err)
	}
	if len(peers) == 0 {
		fmt.Fprintln(out, "No associations.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSOC\tREMOTE\tST\tPOLL\tREACH\tDELAY\tOFFSET\tJITTER\tSTATUS")
	for _, p := range peers {
		remote := p.Address
		if p.Hostname != "" {
			remote = p.Hostname
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%.3f\t%.3f\t%.3f\t%s\n",
			p.AssocID, remote, p.Stratum, 1<<p.Poll, p.Reach, p.Delay, p.Offset, p.Jitter, p.Status)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(peersCmd)
}
