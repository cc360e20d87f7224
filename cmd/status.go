package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the ntpctl daemon for its overall status.

Shows: version, uptime, listeners, association and trap counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), daemonClient(), cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client DaemonClient, out io.Writer) error {
	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	return printJSON(out, status)
}

// printJSON writes v indented.
func printJSON(out io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(b))
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
