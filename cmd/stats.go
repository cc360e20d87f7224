package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statsClear bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics",
	Long: `Query the ntpctl daemon for runtime statistics.

Shows: control request, error and drop counters, server packet counters and
MRU list usage. With --clear the control counters are reset afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), daemonClient(), cmd.OutOrStdout(), statsClear)
	},
}

func runStats(ctx context.Context, client DaemonClient, out io.Writer, clear bool) error {
	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}
	if err := printJSON(out, stats); err != nil {
		return err
	}
	if clear {
		if err := client.ClearStats(ctx); err != nil {
			return fmt.Errorf("failed to clear stats: %w", err)
		}
		fmt.Fprintln(out, "✓ Statistics cleared")
	}
	return nil
}

func init() {
	statsCmd.Flags().BoolVar(&statsClear, "clear", false, "reset control counters after printing")
	rootCmd.AddCommand(statsCmd)
}
