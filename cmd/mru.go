package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ntpctl/internal/command"
)

var mruLimit int

var mruCmd = &cobra.Command{
	Use:   "mru",
	Short: "Show the daemon's MRU list",
	Long: `Show the most recently used list of the daemon, newest first, read over
the control socket. Use "ntpctl query mrulist" to walk it over mode 6.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMRU(cmd.Context(), daemonClient(), cmd.OutOrStdout(), mruLimit, time.Now())
	},
}

func runMRU(ctx context.Context, client DaemonClient, out io.Writer, limit int, now time.Time) error {
	rows, err := client.MRU(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read mru list: %w", err)
	}
	printMRU(out, rows, now)
	return nil
}

func printMRU(out io.Writer, rows []command.MRUSummary, now time.Time) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LSTINT\tAVGINT\tRSTR\tM\tV\tCOUNT\tREMOTE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
			int64(now.Sub(r.Last)/time.Second), avgInterval(r.First, r.Last, int(r.Count)),
			r.Restrict, r.Mode, r.Version, r.Count, r.Address)
	}
	tw.Flush()
}

// avgInterval is the mean spacing in seconds of count packets seen between
// first and last.
func avgInterval(first, last time.Time, count int) int64 {
	if count < 2 {
		return 0
	}
	return int64(last.Sub(first)/time.Second) / int64(count-1)
}

func init() {
	mruCmd.Flags().IntVarP(&mruLimit, "limit", "n", 0, "show at most this many entries")
	rootCmd.AddCommand(mruCmd)
}
