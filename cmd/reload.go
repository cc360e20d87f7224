package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the daemon to re-read its configuration file.

Keys, restrictions, MRU limits, associations, setvar variables, traps and
logging are applied in place. Listener, control socket, metrics and event
sink changes are reported and take effect on restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), daemonClient(), cmd.OutOrStdout())
	},
}

// runReload is split out of the command for tests.
func runReload(ctx context.Context, client DaemonClient, out io.Writer) error {
	if err := client.ConfigReload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
